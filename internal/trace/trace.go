// Package trace mints and propagates the (traceId, parentEventId, eventId)
// tuple that correlates every externally observable effect of a dispatch.
package trace

import "github.com/google/uuid"

// Context is the causal chain attached to a dispatch.
type Context struct {
	TraceID       string
	ParentEventID string
	EventID       string
}

// NewID returns a fresh random identifier, used for connectionId,
// messageId (when the caller supplies none), traceId, and eventId alike.
func NewID() string {
	return uuid.NewString()
}

// New starts a fresh trace: a new traceId and a new eventId with no parent.
func New() Context {
	return Context{
		TraceID: NewID(),
		EventID: NewID(),
	}
}

// Continue builds the dispatch trace context for step 1 of the Dispatcher
// algorithm: inherit the incoming traceId (minting one if absent), promote
// the incoming eventId to parentEventId, and mint a new eventId.
func Continue(incomingTraceID, incomingEventID string) Context {
	traceID := incomingTraceID
	if traceID == "" {
		traceID = NewID()
	}
	return Context{
		TraceID:       traceID,
		ParentEventID: incomingEventID,
		EventID:       NewID(),
	}
}

// Fields renders the context as a flat map suitable for structured log
// fields (consumed by internal/logging sublogger helpers).
func (c Context) Fields() map[string]string {
	f := map[string]string{"traceId": c.TraceID, "eventId": c.EventID}
	if c.ParentEventID != "" {
		f["parentEventId"] = c.ParentEventID
	}
	return f
}
