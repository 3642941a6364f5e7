package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ambient-tools/commsbus/internal/dispatch"
	"github.com/ambient-tools/commsbus/internal/frame"
	"github.com/ambient-tools/commsbus/internal/trace"
)

func TestPipeHandlerRoundTrips(t *testing.T) {
	var out bytes.Buffer
	ph := newPipeHandler(&out)

	done := make(chan struct{})
	var result *dispatch.HandlerResult
	var herr error
	go func() {
		result, herr = ph.Handle(context.Background(), dispatch.HandlerRequest{
			ConnID:       "conn-1",
			PaneID:       "pane-1",
			Role:         frame.RoleArchitect,
			Message:      frame.Send{Content: "hi"},
			TraceContext: trace.New(),
		})
		close(done)
	}()

	// Wait for the request to land in out, then simulate the parent's reply.
	var req handleRequest
	for i := 0; i < 100; i++ {
		if out.Len() > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	raw, _, err := ReadWorkerMessage(bufio.NewReader(&out), maxWorkerBody)
	if err != nil {
		t.Fatalf("ReadWorkerMessage: %v", err)
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.ConnID != "conn-1" || req.PaneID != "pane-1" || req.Role != "architect" {
		t.Fatalf("unexpected request: %+v", req)
	}

	ok := true
	ph.resolve(handleResponse{ID: req.ID, OK: &ok, Status: "delivered"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after resolve")
	}
	if herr != nil {
		t.Fatalf("Handle returned error: %v", herr)
	}
	if result == nil || result.OK == nil || !*result.OK || result.Status != "delivered" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPipeHandlerTimesOutWithoutResponse(t *testing.T) {
	ph := &pipeHandler{w: &bytes.Buffer{}, pending: make(map[int64]chan handleResponse)}
	original := workerCallbackTimeout
	workerCallbackTimeout = 10 * time.Millisecond
	defer func() { workerCallbackTimeout = original }()

	_, err := ph.Handle(context.Background(), dispatch.HandlerRequest{ConnID: "c", PaneID: "p", Role: frame.RoleBuilder, Message: frame.Send{Content: "x"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if len(ph.pending) != 0 {
		t.Fatal("expected pending entry to be dropped after timeout")
	}
}

func TestPipeHandlerRespectsContextCancellation(t *testing.T) {
	ph := &pipeHandler{w: &bytes.Buffer{}, pending: make(map[int64]chan handleResponse)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ph.Handle(ctx, dispatch.HandlerRequest{ConnID: "c", PaneID: "p", Role: frame.RoleOracle, Message: frame.Send{Content: "x"}})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestReadResponsesDeliversToPendingHandle(t *testing.T) {
	var out bytes.Buffer
	ph := newPipeHandler(&out)

	ch := make(chan handleResponse, 1)
	ph.mu.Lock()
	ph.pending[7] = ch
	ph.mu.Unlock()

	var in bytes.Buffer
	ok := true
	data, _ := json.Marshal(handleResponse{ID: 7, OK: &ok})
	_ = WriteWorkerMessage(&in, data)

	ctx, cancel := context.WithCancel(context.Background())
	go ph.readResponses(ctx, bufio.NewReader(&in))

	select {
	case resp := <-ch:
		if resp.ID != 7 || resp.OK == nil || !*resp.OK {
			t.Fatalf("unexpected response: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("readResponses did not deliver")
	}
	cancel()
}
