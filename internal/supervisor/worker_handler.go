package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambient-tools/commsbus/internal/dispatch"
)

// workerCallbackTimeout bounds one round trip to the parent's onMessage
// callback in worker-process mode (spec.md §4.8: "15 s callback timeout").
// A var, not a const, so tests can shrink it without waiting out the real
// timeout.
var workerCallbackTimeout = 15 * time.Second

const maxWorkerBody = 16 * 1024 * 1024

// handleRequest is what the child sends the parent for each frame the
// Dispatcher needs the external handler for.
type handleRequest struct {
	ID      int64           `json:"id"`
	ConnID  string          `json:"connId"`
	PaneID  string          `json:"paneId"`
	Role    string          `json:"role"`
	Message json.RawMessage `json:"message"`
	TraceID string          `json:"traceId"`
}

// handleResponse is what the parent sends back.
type handleResponse struct {
	ID       int64  `json:"id"`
	OK       *bool  `json:"ok,omitempty"`
	Accepted *bool  `json:"accepted,omitempty"`
	Queued   *bool  `json:"queued,omitempty"`
	Verified *bool  `json:"verified,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// pipeHandler is the child-side dispatch.Handler: it forwards each Handle
// call to the parent over the worker IPC pipe and awaits the matching
// response, bounded by workerCallbackTimeout. This is the same "first of
// {response, timer} wins" shape as internal/bridge's pendingSend, applied to
// the parent<->child channel instead of the relay channel.
type pipeHandler struct {
	mu      sync.Mutex
	w       io.Writer
	nextID  atomic.Int64
	pending map[int64]chan handleResponse
}

func newPipeHandler(w io.Writer) *pipeHandler {
	return &pipeHandler{w: w, pending: make(map[int64]chan handleResponse)}
}

// Handle implements dispatch.Handler.
func (p *pipeHandler) Handle(ctx context.Context, req dispatch.HandlerRequest) (*dispatch.HandlerResult, error) {
	id := p.nextID.Add(1)
	msg, err := json.Marshal(req.Message)
	if err != nil {
		return nil, fmt.Errorf("marshal handler request: %w", err)
	}

	ch := make(chan handleResponse, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	out := handleRequest{ID: id, ConnID: req.ConnID, PaneID: req.PaneID, Role: string(req.Role), Message: msg, TraceID: req.TraceContext.TraceID}
	data, err := json.Marshal(out)
	if err != nil {
		p.dropPending(id)
		return nil, fmt.Errorf("marshal handler envelope: %w", err)
	}
	if err := WriteWorkerMessage(p.w, data); err != nil {
		p.dropPending(id)
		return nil, fmt.Errorf("write to parent: %w", err)
	}

	timer := time.NewTimer(workerCallbackTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, fmt.Errorf("parent handler error: %s", resp.Error)
		}
		return &dispatch.HandlerResult{OK: resp.OK, Accepted: resp.Accepted, Queued: resp.Queued, Verified: resp.Verified, Status: resp.Status}, nil
	case <-timer.C:
		p.dropPending(id)
		return nil, fmt.Errorf("worker callback timed out after %s", workerCallbackTimeout)
	case <-ctx.Done():
		p.dropPending(id)
		return nil, ctx.Err()
	}
}

func (p *pipeHandler) dropPending(id int64) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

// resolve delivers a response read from the parent to its waiting Handle call.
func (p *pipeHandler) resolve(resp handleResponse) {
	p.mu.Lock()
	ch, ok := p.pending[resp.ID]
	delete(p.pending, resp.ID)
	p.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// readResponses drains responses from the parent until r is closed or ctx
// is done. Runs for the lifetime of the child's worker-process connection.
func (p *pipeHandler) readResponses(ctx context.Context, r *bufio.Reader) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		raw, _, err := ReadWorkerMessage(r, maxWorkerBody)
		if err != nil {
			return
		}
		var resp handleResponse
		if json.Unmarshal(raw, &resp) != nil {
			continue
		}
		p.resolve(resp)
	}
}
