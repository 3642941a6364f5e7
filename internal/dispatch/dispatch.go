// Package dispatch is the Dispatcher: resolves target, fans out, invokes
// the external handler, builds the AckRecord, and queues undeliverable
// frames (spec.md §4.4). The external handler is a one-method interface
// per Design Note "No hidden reflection / dynamic dispatch."
package dispatch

import (
	"context"
	"time"

	"github.com/ambient-tools/commsbus/internal/dedup"
	"github.com/ambient-tools/commsbus/internal/frame"
	"github.com/ambient-tools/commsbus/internal/metrics"
	"github.com/ambient-tools/commsbus/internal/outbox"
	"github.com/ambient-tools/commsbus/internal/registry"
	"github.com/ambient-tools/commsbus/internal/trace"
	"github.com/rs/zerolog"
)

// HandlerRequest is passed to the external handler for frames that need
// non-WS delivery (PTY injection, the task/claims state machine, the
// knowledge store — all out of scope here, reached only through Handler).
type HandlerRequest struct {
	ConnID       string
	PaneID       string
	Role         frame.Role
	Message      frame.Send
	TraceContext trace.Context
}

// HandlerResult is the shape the host handler may return. Absent fields are
// inferred per spec.md §4.4 step 5.
type HandlerResult struct {
	OK       *bool
	Accepted *bool
	Queued   *bool
	Verified *bool
	Status   string
}

// Handler is the single external collaborator boundary (spec.md §6).
type Handler interface {
	Handle(ctx context.Context, req HandlerRequest) (*HandlerResult, error)
}

// Deps groups the Dispatcher's collaborators, each owned elsewhere.
type Deps struct {
	Registry *registry.Registry
	Dedup    *dedup.Cache
	Outbox   *outbox.Queue
	Handler  Handler
	Metrics  *metrics.Sink
	Log      zerolog.Logger
	Now      func() time.Time
}

// Dispatcher implements spec.md §4.4.
type Dispatcher struct {
	deps Deps
}

// New constructs a Dispatcher. deps.Now defaults to time.Now.
func New(deps Deps) *Dispatcher {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Dispatcher{deps: deps}
}

// DispatchSend handles one validated "send" frame from a registered client.
func (d *Dispatcher) DispatchSend(ctx context.Context, connID string, senderRole frame.Role, senderPane string, s frame.Send, receivedAt time.Time) frame.SendAck {
	tc := trace.Continue(traceIDOf(s.TraceContext), "")
	if !s.AckRequired || s.MessageID == "" {
		// Not ack-eligible: dispatch once, no dedup bookkeeping, no reply
		// expected by the caller beyond whatever WS fan-out occurs.
		d.fanOutAndHandle(ctx, connID, senderRole, senderPane, s, tc)
		return frame.SendAck{}
	}

	sig := dedup.Signature(string(frame.TypeSend), string(senderRole), senderPane, s.Target, string(s.Priority), s.Content)

	outcome, cached, wait := d.deps.Dedup.Lookup(s.MessageID, sig)
	switch outcome {
	case dedup.OutcomeCached:
		d.deps.Metrics.Inc("comms.dedupe.hit", 1)
		// cached.DedupeMode is already "signature_cache" when Lookup served
		// this from the signature table (dedup.go); an exact messageId hit
		// carries no mode of its own, so "cache" is the literal fallback.
		mode := cached.DedupeMode
		if mode == "" {
			mode = "cache"
		}
		return ackFromRecord(s.MessageID, tc.TraceID, cached, mode, receivedAt, d.deps.Now())
	case dedup.OutcomeAwaited:
		rec, err := wait()
		if err != nil {
			return errorAck(s.MessageID, tc.TraceID, err, receivedAt, d.deps.Now())
		}
		mode := ""
		if rec != nil {
			mode = rec.DedupeMode
		}
		return ackFromRecord(s.MessageID, tc.TraceID, rec, mode, receivedAt, d.deps.Now())
	}

	rec, err := d.resolveAndDispatch(ctx, connID, senderRole, senderPane, s, tc, receivedAt)
	if err != nil {
		d.deps.Dedup.Reject(s.MessageID, sig, err)
		return errorAck(s.MessageID, tc.TraceID, err, receivedAt, d.deps.Now())
	}
	d.deps.Dedup.Resolve(s.MessageID, sig, rec)
	d.deps.Metrics.ObserveAckLatency(rec.AckLatencyMs)
	return ackFromRecord(s.MessageID, tc.TraceID, rec, "", receivedAt, d.deps.Now())
}

// DispatchBroadcast handles a "broadcast" frame: every other connected
// client is addressed. Broadcasts are never persisted to the Outbound
// Queue (spec.md §4.5) so they never set Queued=true (Open Question (b)).
func (d *Dispatcher) DispatchBroadcast(ctx context.Context, connID string, senderRole frame.Role, senderPane string, b frame.Broadcast, receivedAt time.Time) frame.SendAck {
	tc := trace.Continue("", "")
	clients := d.deps.Registry.All()
	count := 0
	for _, c := range clients {
		if c.ConnID == connID || !c.Socket.Writable() {
			continue
		}
		msg := frame.Message{
			Type:          frame.TypeBroadcast,
			From:          string(senderRole),
			Content:       b.Content,
			Metadata:      b.Metadata,
			TraceID:       tc.TraceID,
			ParentEventID: tc.ParentEventID,
			EventID:       tc.EventID,
			Timestamp:     d.deps.Now().UnixMilli(),
		}
		if c.Socket.WriteFrame(msg) == nil {
			count++
		}
	}

	if !b.AckRequired || b.MessageID == "" {
		return frame.SendAck{}
	}

	verified := count > 0
	return frame.SendAck{
		Type:            frame.TypeSendAck,
		MessageID:       b.MessageID,
		OK:              verified,
		Accepted:        verified,
		Queued:          false,
		Verified:        verified,
		Status:          statusFor(verified, false, false),
		WSDeliveryCount: count,
		AckLatencyMs:    d.deps.Now().Sub(receivedAt).Milliseconds(),
		TraceID:         tc.TraceID,
		Timestamp:       d.deps.Now().UnixMilli(),
	}
}

// fanOutAndHandle performs steps 2-4 without the ack/dedup bookkeeping,
// used for frames that don't require an ack.
func (d *Dispatcher) fanOutAndHandle(ctx context.Context, connID string, senderRole frame.Role, senderPane string, s frame.Send, tc trace.Context) {
	_, _ = d.resolveAndDispatch(ctx, connID, senderRole, senderPane, s, tc, d.deps.Now())
}

// resolveAndDispatch implements spec.md §4.4 steps 2-5 (the ack-eligible
// path also does step 6 via the caller).
func (d *Dispatcher) resolveAndDispatch(ctx context.Context, connID string, senderRole frame.Role, senderPane string, s frame.Send, tc trace.Context, receivedAt time.Time) (*dedup.Record, error) {
	matches := d.deps.Registry.Lookup(s.Target)

	wsCount := 0
	for _, c := range matches {
		if c.ConnID == connID || !c.Socket.Writable() {
			continue
		}
		msg := frame.Message{
			Type:          frame.TypeMessage,
			From:          string(senderRole),
			Priority:      s.Priority,
			Content:       s.Content,
			Metadata:      s.Metadata,
			TraceID:       tc.TraceID,
			ParentEventID: tc.ParentEventID,
			EventID:       tc.EventID,
			Timestamp:     d.deps.Now().UnixMilli(),
		}
		if c.Socket.WriteFrame(msg) == nil {
			wsCount++
		}
	}

	skipHandler := wsCount > 0

	var hres *HandlerResult
	var herr error
	if !skipHandler && d.deps.Handler != nil {
		hres, herr = d.deps.Handler.Handle(ctx, HandlerRequest{
			ConnID:       connID,
			PaneID:       senderPane,
			Role:         senderRole,
			Message:      s,
			TraceContext: tc,
		})
	}
	if herr != nil {
		return nil, herr
	}

	verified := wsCount > 0 || boolOf(hres, func(r *HandlerResult) *bool { return r.Verified })
	accepted := verified || boolOf(hres, func(r *HandlerResult) *bool { return r.Accepted })
	queued := verified || boolOf(hres, func(r *HandlerResult) *bool { return r.Queued })

	queuedByDispatcher := false
	if !accepted {
		d.deps.Outbox.Enqueue(s.Target, s.Content, outbox.Meta{
			Priority:   string(s.Priority),
			SenderRole: string(senderRole),
		}, "dispatcher")
		accepted = true
		queued = true
		queuedByDispatcher = true
	}

	status := ""
	if hres != nil {
		status = hres.Status
	}
	if status == "" {
		switch {
		case wsCount > 0:
			status = "delivered.websocket"
		case verified:
			status = "delivered.verified"
		case queuedByDispatcher:
			status = "accepted.unverified"
		case accepted:
			status = "accepted.unverified"
		default:
			status = "unrouted"
		}
	}

	rec := &dedup.Record{
		OK:              verified,
		Accepted:        accepted,
		Queued:          queued,
		Verified:        verified,
		Status:          status,
		WSDeliveryCount: wsCount,
		AckLatencyMs:    d.deps.Now().Sub(receivedAt).Milliseconds(),
	}
	return rec, nil
}

func statusFor(verified, queued, accepted bool) string {
	if verified {
		return "delivered.websocket"
	}
	if queued {
		return "accepted.unverified"
	}
	return "unrouted"
}

func boolOf(hres *HandlerResult, sel func(*HandlerResult) *bool) bool {
	if hres == nil {
		return false
	}
	p := sel(hres)
	return p != nil && *p
}

func traceIDOf(tc *frame.TraceContext) string {
	if tc == nil {
		return ""
	}
	return tc.TraceID
}

func ackFromRecord(messageID, traceID string, rec *dedup.Record, dedupeMode string, receivedAt, now time.Time) frame.SendAck {
	ack := frame.SendAck{
		Type:            frame.TypeSendAck,
		MessageID:       messageID,
		TraceID:         traceID,
		Timestamp:       now.UnixMilli(),
		AckLatencyMs:    now.Sub(receivedAt).Milliseconds(),
	}
	if rec != nil {
		ack.OK = rec.OK
		ack.Accepted = rec.Accepted
		ack.Queued = rec.Queued
		ack.Verified = rec.Verified
		ack.Status = rec.Status
		ack.WSDeliveryCount = rec.WSDeliveryCount
		mode := dedupeMode
		if mode == "" {
			mode = rec.DedupeMode
		}
		if mode != "" {
			ack.Dedupe = &frame.Dedupe{Mode: mode, SourceMessageID: rec.DedupeSource}
		}
	}
	return ack
}

func errorAck(messageID, traceID string, err error, receivedAt, now time.Time) frame.SendAck {
	return frame.SendAck{
		Type:         frame.TypeSendAck,
		MessageID:    messageID,
		OK:           false,
		Status:       "handler_error",
		Error:        err.Error(),
		TraceID:      traceID,
		Timestamp:    now.UnixMilli(),
		AckLatencyMs: now.Sub(receivedAt).Milliseconds(),
	}
}
