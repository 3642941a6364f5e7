// Package outbox is the Outbound Queue: a durable, session-scoped FIFO of
// undeliverable targeted messages (spec.md §4.5). It is the only component
// that writes the queue file, always via temp-file+rename.
package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Meta carries the send metadata the spec names: priority, sender role, and
// trace context (kept opaque here — the Dispatcher is the only component
// that interprets it).
type Meta struct {
	Priority      string          `json:"priority,omitempty"`
	SenderRole    string          `json:"senderRole,omitempty"`
	TraceContext  json.RawMessage `json:"traceContext,omitempty"`
}

// Entry is one OutboundQueueEntry.
type Entry struct {
	ID             string `json:"id"`
	Target         string `json:"target"`
	Content        string `json:"content"`
	Meta           Meta   `json:"meta"`
	CreatedAt      int64  `json:"createdAt"`
	Attempts       int    `json:"attempts"`
	LastAttemptAt  *int64 `json:"lastAttemptAt"`
	SessionScopeID string `json:"sessionScopeId"`
	QueuedBy       string `json:"queuedBy"`
}

// fileFormat is the persisted {version, sessionScopeId, entries} shape.
type fileFormat struct {
	Version        int     `json:"version"`
	SessionScopeID string  `json:"sessionScopeId"`
	Entries        []Entry `json:"entries"`
}

const currentVersion = 2

// Config bounds the queue's behavior; zero values take spec defaults.
type Config struct {
	MaxEntries      int
	MaxAge          time.Duration
	FlushInterval   time.Duration
	FilePath        string
	SessionScopeID  string
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 500
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	return c
}

// Deliverer attempts to deliver one queued entry; returning true means it
// was delivered and should be removed from the queue.
type Deliverer func(e Entry) bool

// Queue owns the durable queue file and in-memory FIFO.
type Queue struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	entries []Entry

	flushing atomic.Bool
	nextID   atomic.Int64

	now func() time.Time
}

// New constructs a Queue and loads any existing durable state from disk.
func New(cfg Config, log zerolog.Logger) *Queue {
	cfg = cfg.withDefaults()
	q := &Queue{cfg: cfg, log: log, now: time.Now}
	q.loadFromDisk()
	return q
}

func (q *Queue) nowMs() int64 { return q.now().UnixMilli() }

// Enqueue prunes by age, evicts the oldest entry if at capacity, appends,
// and persists. Not used for broadcasts (spec.md §4.5).
func (q *Queue) Enqueue(target, content string, meta Meta, queuedBy string) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pruneLocked()
	if len(q.entries) >= q.cfg.MaxEntries {
		q.entries = q.entries[1:]
	}

	e := Entry{
		ID:             "oq-" + strconv.FormatInt(q.nextID.Add(1), 10),
		Target:         target,
		Content:        content,
		Meta:           meta,
		CreatedAt:      q.nowMs(),
		SessionScopeID: q.cfg.SessionScopeID,
		QueuedBy:       queuedBy,
	}
	q.entries = append(q.entries, e)
	q.persistLocked()
	return e
}

// pruneLocked discards entries older than MaxAge. Caller holds q.mu.
func (q *Queue) pruneLocked() {
	cutoff := q.nowMs() - q.cfg.MaxAge.Milliseconds()
	kept := q.entries[:0:0]
	for _, e := range q.entries {
		if e.CreatedAt >= cutoff {
			kept = append(kept, e)
		}
	}
	q.entries = kept
}

// matches reports whether target addresses the given role/paneId pair
// (case-insensitive), mirroring the Registry's own lookup semantics.
func matches(target, role, paneID string) bool {
	t := strings.ToLower(target)
	return t == strings.ToLower(role) || t == strings.ToLower(paneID)
}

// FlushForClient replays any queued entry whose target matches the newly
// connected (role, paneId), via deliver. Non-reentrant: guarded by an
// atomic in-flight flag so a timer flush cannot race with this call.
func (q *Queue) FlushForClient(role, paneID string, deliver Deliverer) int {
	if !q.flushing.CompareAndSwap(false, true) {
		return 0
	}
	defer q.flushing.Store(false)

	q.mu.Lock()
	q.pruneLocked()
	var remaining []Entry
	delivered := 0
	for _, e := range q.entries {
		if matches(e.Target, role, paneID) {
			q.mu.Unlock()
			ok := deliver(e)
			q.mu.Lock()
			if ok {
				delivered++
				continue
			}
			e.Attempts++
			ts := q.nowMs()
			e.LastAttemptAt = &ts
		}
		remaining = append(remaining, e)
	}
	q.entries = remaining
	q.persistLocked()
	q.mu.Unlock()
	return delivered
}

// FlushAll is the periodic retry pass for entries whose target may have
// become reachable since it was queued.
func (q *Queue) FlushAll(deliver Deliverer) int {
	if !q.flushing.CompareAndSwap(false, true) {
		return 0
	}
	defer q.flushing.Store(false)

	q.mu.Lock()
	q.pruneLocked()
	var remaining []Entry
	delivered := 0
	for _, e := range q.entries {
		q.mu.Unlock()
		ok := deliver(e)
		q.mu.Lock()
		if ok {
			delivered++
			continue
		}
		e.Attempts++
		ts := q.nowMs()
		e.LastAttemptAt = &ts
		remaining = append(remaining, e)
	}
	q.entries = remaining
	q.persistLocked()
	q.mu.Unlock()
	return delivered
}

// Len reports the current queue depth (for tests and status reporting).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the current entries, for tests/status.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

// persistLocked writes the queue to disk via temp-file+rename. Caller holds
// q.mu. A write failure is logged and disables nothing: the in-memory queue
// stays authoritative (spec.md §7 "Fatal errors").
func (q *Queue) persistLocked() {
	if q.cfg.FilePath == "" {
		return
	}
	payload := fileFormat{
		Version:        currentVersion,
		SessionScopeID: q.cfg.SessionScopeID,
		Entries:        q.entries,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		q.log.Error().Err(err).Msg("marshal outbound queue")
		return
	}
	dir := filepath.Dir(q.cfg.FilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		q.log.Error().Err(err).Msg("create outbound queue dir")
		return
	}
	tmp, err := os.CreateTemp(dir, ".comms-outbound-queue-*.tmp")
	if err != nil {
		q.log.Error().Err(err).Msg("create outbound queue temp file")
		return
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		q.log.Error().Err(err).Msg("write outbound queue temp file")
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		q.log.Error().Err(err).Msg("close outbound queue temp file")
		return
	}
	if err := os.Rename(tmpName, q.cfg.FilePath); err != nil {
		os.Remove(tmpName)
		q.log.Error().Err(err).Msg("rename outbound queue file")
	}
}

// loadFromDisk implements spec.md §4.5's loadFromDisk contract: a legacy
// bare-array format is discarded; entries from a different session scope
// are discarded and the file rewritten; entries older than MaxAge are
// dropped.
func (q *Queue) loadFromDisk() {
	if q.cfg.FilePath == "" {
		return
	}
	data, err := os.ReadFile(q.cfg.FilePath)
	if err != nil {
		return // no file yet: empty queue
	}

	var legacy []Entry
	if err := json.Unmarshal(data, &legacy); err == nil {
		q.log.Warn().Msg("discarding legacy bare-array outbound queue format")
		q.mu.Lock()
		q.entries = nil
		q.persistLocked()
		q.mu.Unlock()
		return
	}

	var payload fileFormat
	if err := json.Unmarshal(data, &payload); err != nil {
		q.log.Error().Err(err).Msg("parse outbound queue file, starting empty")
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.nowMs() - q.cfg.MaxAge.Milliseconds()
	var kept []Entry
	rewriteNeeded := payload.SessionScopeID != q.cfg.SessionScopeID
	for _, e := range payload.Entries {
		if e.SessionScopeID != q.cfg.SessionScopeID {
			continue // stale scope: restart must not replay (spec.md §4.5, §9)
		}
		if e.CreatedAt < cutoff {
			rewriteNeeded = true
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if rewriteNeeded || len(payload.Entries) != len(kept) {
		q.persistLocked()
	}
}
