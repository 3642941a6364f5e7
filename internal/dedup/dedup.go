// Package dedup is the ACK & Dedup Cache: the two-tier TTL cache plus
// pending-future bookkeeping described in spec.md §4.3. Pending futures are
// grounded on the teacher's internal/queries/dispatcher.go QueryDispatcher,
// which resolves a closed-then-recreated notify channel instead of a
// callback list; this package's pendingAck follows the same shape with
// sync.Once guarding single resolution.
package dedup

import (
	"crypto/sha1" //nolint:gosec // dedup signature, not a security boundary
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Record mirrors spec.md's AckRecord.
type Record struct {
	OK              bool   `json:"ok"`
	Accepted        bool   `json:"accepted"`
	Queued          bool   `json:"queued"`
	Verified        bool   `json:"verified"`
	Status          string `json:"status"`
	WSDeliveryCount int    `json:"wsDeliveryCount"`
	AckLatencyMs    int64  `json:"ackLatencyMs"`
	Error           string `json:"error,omitempty"`
	DedupeMode      string `json:"dedupeMode,omitempty"`
	DedupeSource    string `json:"dedupeSource,omitempty"`
}

// Signature fields, sha1("t:"+type+"|r:"+senderRole+"|p:"+senderPane+"|g:"+target+"|q:"+priority+"|c:"+content).
func Signature(typ, senderRole, senderPane, target, priority, content string) string {
	h := sha1.New() //nolint:gosec
	h.Write([]byte("t:" + typ + "|r:" + senderRole + "|p:" + senderPane + "|g:" + target + "|q:" + priority + "|c:" + content))
	return hex.EncodeToString(h.Sum(nil))
}

// pendingAck is a future resolved exactly once, by messageId or signature.
type pendingAck struct {
	once   sync.Once
	done   chan struct{}
	record *Record
	err    error
}

func newPendingAck() *pendingAck {
	return &pendingAck{done: make(chan struct{})}
}

func (p *pendingAck) resolve(rec *Record) {
	p.once.Do(func() {
		p.record = rec
		close(p.done)
	})
}

func (p *pendingAck) reject(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Wait blocks until the pending ack resolves or rejects.
func (p *pendingAck) Wait() (*Record, error) {
	<-p.done
	return p.record, p.err
}

const (
	// DefaultIDTTL is recentAcksById's TTL.
	DefaultIDTTL = 60 * time.Second
	// DefaultSignatureTTL is recentAcksBySignature's TTL (configurable).
	DefaultSignatureTTL = 15 * time.Second
	// defaultCacheSize bounds each LRU well above any realistic in-flight
	// unique-messageId count so TTL, not capacity, governs eviction.
	defaultCacheSize = 10000
)

// Cache is the ACK & Dedup Cache. The Dispatcher is its only writer.
type Cache struct {
	byID        *lru.LRU[string, *Record]
	bySignature *lru.LRU[string, *Record]

	mu                  sync.Mutex
	pendingByID         map[string]*pendingAck
	pendingBySignature  map[string]*pendingAck
}

// New builds a Cache with the given TTLs (zero means use spec defaults).
func New(idTTL, signatureTTL time.Duration) *Cache {
	if idTTL <= 0 {
		idTTL = DefaultIDTTL
	}
	if signatureTTL <= 0 {
		signatureTTL = DefaultSignatureTTL
	}
	return &Cache{
		byID:               lru.NewLRU[string, *Record](defaultCacheSize, nil, idTTL),
		bySignature:        lru.NewLRU[string, *Record](defaultCacheSize, nil, signatureTTL),
		pendingByID:        make(map[string]*pendingAck),
		pendingBySignature: make(map[string]*pendingAck),
	}
}

// Outcome tells the caller (the Dispatcher) what to do next.
type Outcome int

const (
	// OutcomeMiss means no cache entry or pending future existed: the
	// caller must dispatch the frame itself and call Resolve when done.
	OutcomeMiss Outcome = iota
	// OutcomeCached means a Record was returned immediately from cache.
	OutcomeCached
	// OutcomeAwaited means the caller must Wait on the returned future.
	OutcomeAwaited
)

// Lookup implements steps 1-5 of spec.md §4.3's strict ordering. On
// OutcomeMiss, the caller must eventually call Resolve or Reject with the
// same messageID/signature to release waiters.
func (c *Cache) Lookup(messageID, signature string) (Outcome, *Record, func() (*Record, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.byID.Get(messageID); ok {
		return OutcomeCached, rec, nil
	}
	if p, ok := c.pendingByID[messageID]; ok {
		return OutcomeAwaited, nil, p.Wait
	}
	if rec, ok := c.bySignature.Get(signature); ok {
		cloned := *rec
		cloned.DedupeMode = "signature_cache"
		// rec.DedupeSource was stamped with the original messageId by
		// Resolve; the signature fallback below only guards a Record built
		// before that stamping existed (e.g. a future zero-value Record).
		if cloned.DedupeSource == "" {
			cloned.DedupeSource = signature
		}
		c.byID.Add(messageID, &cloned)
		return OutcomeCached, &cloned, nil
	}
	if p, ok := c.pendingBySignature[signature]; ok {
		return OutcomeAwaited, nil, func() (*Record, error) {
			rec, err := p.Wait()
			if err != nil || rec == nil {
				return rec, err
			}
			cloned := *rec
			cloned.DedupeMode = "signature_pending"
			if cloned.DedupeSource == "" {
				cloned.DedupeSource = signature
			}
			return &cloned, nil
		}
	}

	// Miss: install both pending futures before returning control, so a
	// retry arriving mid-dispatch always finds one to await (spec §5).
	pid := newPendingAck()
	psig := newPendingAck()
	c.pendingByID[messageID] = pid
	c.pendingBySignature[signature] = psig
	return OutcomeMiss, nil, nil
}

// Resolve stores rec under both messageID and signature, resolves both
// pending futures, and clears them from the pending maps. rec.DedupeSource
// is stamped with messageID here (the original delivery) so that a later
// signature-cache hit can report dedupe.sourceMessageId as the messageId a
// retry collided with, not the signature hash itself (spec.md §4.3 step 4).
func (c *Cache) Resolve(messageID, signature string, rec *Record) {
	if rec.DedupeSource == "" {
		rec.DedupeSource = messageID
	}
	c.mu.Lock()
	c.byID.Add(messageID, rec)
	c.bySignature.Add(signature, rec)
	pid, okID := c.pendingByID[messageID]
	psig, okSig := c.pendingBySignature[signature]
	delete(c.pendingByID, messageID)
	delete(c.pendingBySignature, signature)
	c.mu.Unlock()

	if okID {
		pid.resolve(rec)
	}
	if okSig {
		psig.resolve(rec)
	}
}

// Reject rejects both pending futures without caching anything, used when
// the external handler raises (spec: "both pending futures reject with the
// same error so waiters are not orphaned").
func (c *Cache) Reject(messageID, signature string, err error) {
	c.mu.Lock()
	pid, okID := c.pendingByID[messageID]
	psig, okSig := c.pendingBySignature[signature]
	delete(c.pendingByID, messageID)
	delete(c.pendingBySignature, signature)
	c.mu.Unlock()

	if okID {
		pid.reject(err)
	}
	if okSig {
		psig.reject(err)
	}
}

// PeekByID returns the cached record for messageID if present, and whether
// a pending future exists for it — used by delivery-check (§4.6 step 6).
func (c *Cache) PeekByID(messageID string) (rec *Record, known, pending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.byID.Get(messageID); ok {
		return r, true, false
	}
	if _, ok := c.pendingByID[messageID]; ok {
		return nil, true, true
	}
	return nil, false, false
}
