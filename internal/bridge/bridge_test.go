package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeConn is an in-memory Conn driven by test-pushed inbound frames.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written []json.RawMessage
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.written = append(f.written, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) ReadJSON(v any) error {
	raw, ok := <-f.inbound
	if !ok {
		return errors.New("connection closed")
	}
	return json.Unmarshal(raw, v)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) push(v any) {
	data, _ := json.Marshal(v)
	f.inbound <- data
}

// fakeDialer hands out a pre-wired fakeConn; the caller pushes a
// registerAckFrame onto it once connectOnce writes the register frame.
type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func newRegisteredClient(t *testing.T, handler InboundHandler) (*Client, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	c := New(Config{RelayURL: "wss://relay.test", DeviceID: "dev-1"}, dialer, handler, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	t.Cleanup(c.Stop)

	conn.push(registerAckFrame{Type: "register-ack", OK: true})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateRegistered {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if c.State() != StateRegistered {
		t.Fatalf("client never reached registered state")
	}
	return c, conn
}

func TestSendToDeviceResolvesOnMatchingAck(t *testing.T) {
	t.Parallel()
	c, conn := newRegisteredClient(t, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.push(xackFrame{Type: "xack", MessageID: "m1", OK: true, Status: "delivered"})
	}()

	res := c.SendToDevice(context.Background(), SendRequest{MessageID: "m1", ToDevice: "DEV-2", FromRole: "architect", Content: "hi"})
	if !res.OK || res.Status != "delivered" {
		t.Fatalf("expected delivered ack, got %#v", res)
	}
	if !res.Verified || res.FromDevice != "dev-1" || res.ToDevice != "DEV-2" {
		t.Fatalf("expected verified ack annotated with from/to device, got %#v", res)
	}
}

func TestSendToDeviceNormalizesToDeviceToUppercase(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	c := New(Config{RelayURL: "wss://relay.test", DeviceID: "L"}, dialer, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	t.Cleanup(c.Stop)
	conn.push(registerAckFrame{Type: "register-ack", OK: true})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.State() != StateRegistered {
		time.Sleep(time.Millisecond)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.push(xackFrame{Type: "xack", MessageID: "b1", OK: true, Status: "bridge_delivered"})
	}()

	res := c.SendToDevice(context.Background(), SendRequest{MessageID: "b1", ToDevice: "peer", FromRole: "architect", Content: "hello", TimeoutMs: 200 * time.Millisecond})
	if !res.OK || !res.Verified || res.Status != "bridge_delivered" {
		t.Fatalf("expected verified bridge_delivered ack, got %#v", res)
	}
	if res.FromDevice != "L" || res.ToDevice != "PEER" {
		t.Fatalf("expected fromDevice=L toDevice=PEER, got %#v", res)
	}

	written := conn.written
	if len(written) == 0 {
		t.Fatal("expected an xsend frame to have been written")
	}
	var sent xsendFrame
	if err := json.Unmarshal(written[len(written)-1], &sent); err != nil {
		t.Fatal(err)
	}
	if sent.ToDevice != "PEER" {
		t.Fatalf("expected wire frame toDevice=PEER, got %q", sent.ToDevice)
	}
}

func TestSendToDeviceRejectsInvalidDeviceID(t *testing.T) {
	t.Parallel()
	c, _ := newRegisteredClient(t, nil)

	res := c.SendToDevice(context.Background(), SendRequest{MessageID: "m-bad", ToDevice: "not valid!", FromRole: "architect", Content: "hi"})
	if res.OK || res.Status != "bridge_invalid_device_id" {
		t.Fatalf("expected bridge_invalid_device_id, got %#v", res)
	}
}

func TestSendToDeviceTimesOutWithoutAck(t *testing.T) {
	t.Parallel()
	c, _ := newRegisteredClient(t, nil)

	res := c.SendToDevice(context.Background(), SendRequest{MessageID: "m-timeout", ToDevice: "DEV-2", FromRole: "architect", Content: "hi", TimeoutMs: 30 * time.Millisecond})
	if res.OK || res.Status != "bridge_ack_timeout" {
		t.Fatalf("expected bridge_ack_timeout, got %#v", res)
	}
}

func TestSendToDeviceUnavailableBeforeRegistered(t *testing.T) {
	t.Parallel()
	conn := newFakeConn()
	dialer := &fakeDialer{conn: conn}
	c := New(Config{RelayURL: "wss://relay.test", DeviceID: "dev-1"}, dialer, nil, zerolog.Nop())

	res := c.SendToDevice(context.Background(), SendRequest{ToDevice: "DEV-2", FromRole: "architect", Content: "hi"})
	if res.OK || res.Status != "bridge_unavailable" {
		t.Fatalf("expected bridge_unavailable before registration, got %#v", res)
	}
}

func TestSendToDeviceRedactsContentBeforeSend(t *testing.T) {
	t.Parallel()
	c, conn := newRegisteredClient(t, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.push(xackFrame{Type: "xack", MessageID: "m-secret", OK: true, Status: "delivered"})
	}()
	c.SendToDevice(context.Background(), SendRequest{MessageID: "m-secret", ToDevice: "DEV-2", FromRole: "architect", Content: "token=abcdefghijklmnopqrstuvwx"})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, w := range conn.written {
		var out xsendFrame
		if json.Unmarshal(w, &out) == nil && out.Type == "xsend" {
			if out.Content == "token=abcdefghijklmnopqrstuvwx" {
				t.Fatalf("secret leaked onto the wire: %q", out.Content)
			}
		}
	}
}

func TestHandleInboundInvokesHostCallbackAndAcks(t *testing.T) {
	t.Parallel()
	var received InboundMessage
	handler := func(ctx context.Context, msg InboundMessage) (Verdict, error) {
		received = msg
		return Verdict{OK: true, Status: "handled"}, nil
	}
	_, conn := newRegisteredClient(t, handler)

	conn.push(xdeliverFrame{Type: "xdeliver", MessageID: "m2", FromDevice: "DEV-2", FromRole: "architect", Content: "status update"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && received.MessageID == "" {
		time.Sleep(time.Millisecond)
	}
	if received.MessageID != "m2" {
		t.Fatalf("expected handler invoked with inbound message, got %#v", received)
	}
	if received.Structured.Type != StructuredFYI {
		t.Fatalf("expected missing structured field to downgrade to FYI, got %#v", received.Structured)
	}
}

func TestHandleInboundHandlerPanicYieldsHandlerErrorAck(t *testing.T) {
	t.Parallel()
	handler := func(ctx context.Context, msg InboundMessage) (Verdict, error) {
		panic("boom")
	}
	_, conn := newRegisteredClient(t, handler)

	conn.push(xdeliverFrame{Type: "xdeliver", MessageID: "m3", FromDevice: "DEV-2", FromRole: "architect", Content: "x"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		found := false
		for _, w := range conn.written {
			var ack xackFrame
			if json.Unmarshal(w, &ack) == nil && ack.MessageID == "m3" {
				found = true
				if ack.Status != "bridge_handler_error" {
					t.Fatalf("expected bridge_handler_error, got %q", ack.Status)
				}
			}
		}
		conn.mu.Unlock()
		if found {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected an xack for m3 after handler panic")
}

func TestStopRejectsPendingSendsWithBridgeStoppedStatus(t *testing.T) {
	t.Parallel()
	c, _ := newRegisteredClient(t, nil)

	resultCh := make(chan SendResult, 1)
	go func() {
		resultCh <- c.SendToDevice(context.Background(), SendRequest{MessageID: "m-stop", ToDevice: "DEV-2", FromRole: "architect", Content: "x", TimeoutMs: 5 * time.Second})
	}()

	time.Sleep(20 * time.Millisecond)
	c.Stop()

	select {
	case res := <-resultCh:
		if res.OK || res.Status != "bridge_stopped" {
			t.Fatalf("expected bridge_stopped, got %#v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stop to reject pending send")
	}
}

func TestReconnectDelayFollowsExponentialBackoff(t *testing.T) {
	t.Parallel()
	base := 750 * time.Millisecond
	max := 10 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 750 * time.Millisecond},
		{2, 1500 * time.Millisecond},
		{3, 3 * time.Second},
		{4, 6 * time.Second},
		{5, 10 * time.Second}, // would be 12s, clamped to max
		{6, 10 * time.Second},
	}
	for _, tc := range cases {
		got := reconnectDelay(base, max, tc.attempt)
		if got != tc.want {
			t.Errorf("reconnectDelay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestNormalizeStructuredDowngradesUnknownType(t *testing.T) {
	t.Parallel()
	metadata, _ := json.Marshal(map[string]any{
		"structured": map[string]any{"type": "SomethingWeird", "payload": map[string]any{}},
	})
	got := normalizeStructured(metadata, "fallback text")
	if got.Type != StructuredFYI {
		t.Fatalf("expected downgrade to FYI, got %q", got.Type)
	}
	var payload map[string]any
	_ = json.Unmarshal(got.Payload, &payload)
	if payload["originalType"] != "SomethingWeird" {
		t.Fatalf("expected originalType preserved, got %#v", payload)
	}
}

func TestNormalizeStructuredPassesThroughKnownType(t *testing.T) {
	t.Parallel()
	metadata, _ := json.Marshal(map[string]any{
		"structured": map[string]any{"type": "Blocker", "payload": map[string]any{"reason": "waiting on review"}},
	})
	got := normalizeStructured(metadata, "fallback")
	if got.Type != StructuredBlocker {
		t.Fatalf("expected Blocker to pass through, got %q", got.Type)
	}
}
