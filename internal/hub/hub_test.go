package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ambient-tools/commsbus/internal/dedup"
	"github.com/ambient-tools/commsbus/internal/dispatch"
	"github.com/ambient-tools/commsbus/internal/frame"
	"github.com/ambient-tools/commsbus/internal/metrics"
	"github.com/ambient-tools/commsbus/internal/outbox"
	"github.com/ambient-tools/commsbus/internal/registry"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	reg := registry.New()
	dd := dedup.New(0, 0)
	ob := outbox.New(outbox.Config{SessionScopeID: "scope-1"}, zerolog.Nop())
	ms := metrics.NewSink()
	disp := dispatch.New(dispatch.Deps{Registry: reg, Dedup: dd, Outbox: ob, Metrics: ms, Log: zerolog.Nop()})
	h := New(Config{}, reg, dd, ob, disp, ms, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return frame.Decode(raw)
}

func TestServeHTTPSendsWelcome(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	env := readFrame(t, conn)
	if env.Type != frame.TypeWelcome {
		t.Fatalf("expected welcome, got %q", env.Type)
	}
}

func TestRegisterThenSendDeliversAcrossConnections(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t)

	oracle := dial(t, srv)
	readFrame(t, oracle) // welcome
	oracle.WriteJSON(frame.Register{Type: frame.TypeRegister, Role: "oracle", PaneID: "pane-oracle"})
	readFrame(t, oracle) // registered

	builder := dial(t, srv)
	readFrame(t, builder) // welcome
	builder.WriteJSON(frame.Register{Type: frame.TypeRegister, Role: "builder", PaneID: "pane-builder"})
	readFrame(t, builder) // registered

	builder.WriteJSON(frame.Send{Type: frame.TypeSend, Target: "oracle", Content: "status?", MessageID: "m1", AckRequired: true, Priority: frame.PriorityNormal})

	msg := readFrame(t, oracle)
	if msg.Type != frame.TypeMessage || msg.Content != "status?" {
		t.Fatalf("expected message delivered to oracle, got %#v", msg)
	}

	ack := readFrame(t, builder)
	if ack.Type != frame.TypeSendAck {
		t.Fatalf("expected send-ack to builder, got %q", ack.Type)
	}
}

func TestHealthCheckReportsNoRouteForUnknownTarget(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn) // welcome

	conn.WriteJSON(frame.HealthCheck{Type: frame.TypeHealthCheck, Target: "architect", RequestID: "r1"})
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var res frame.HealthCheckResult
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if res.Healthy || res.Status != string(registry.HealthNoRoute) {
		t.Fatalf("expected no_route status, got %#v", res)
	}
}

func TestMalformedFrameGetsTextEnvelope(t *testing.T) {
	t.Parallel()
	raw := []byte("not json at all")
	env := frame.Decode(raw)
	if env.Type != frame.TypeText || env.Content != string(raw) {
		t.Fatalf("expected tolerant text envelope, got %#v", env)
	}
}

func TestMissingTypeFrameGetsErrorResponse(t *testing.T) {
	t.Parallel()
	_, srv := newTestHub(t)
	conn := dial(t, srv)
	readFrame(t, conn) // welcome

	conn.WriteMessage(websocket.TextMessage, []byte(`{"requestId":"r1","content":"no type here"}`))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var res frame.ErrorFrame
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if res.Type != frame.TypeError || res.RequestID != "r1" {
		t.Fatalf("expected error frame carrying the original requestId, got %#v", res)
	}
}

func TestQueuedMessageFlushesOnRegister(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	dd := dedup.New(0, 0)
	ob := outbox.New(outbox.Config{SessionScopeID: "scope-1"}, zerolog.Nop())
	ms := metrics.NewSink()
	disp := dispatch.New(dispatch.Deps{Registry: reg, Dedup: dd, Outbox: ob, Metrics: ms, Log: zerolog.Nop()})
	h := New(Config{QueueFlushTick: 20 * time.Millisecond}, reg, dd, ob, disp, ms, zerolog.Nop())

	ob.Enqueue("oracle", "queued while offline", outbox.Meta{}, "dispatcher")

	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.Start(ctx)
	t.Cleanup(h.Stop)

	conn := dial(t, srv)
	readFrame(t, conn) // welcome
	conn.WriteJSON(frame.Register{Type: frame.TypeRegister, Role: "oracle", PaneID: "pane-oracle"})
	readFrame(t, conn) // registered

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected queued message flushed on tick, got error: %v", err)
	}
	env := frame.Decode(raw)
	if env.Type != frame.TypeMessage || env.Content != "queued while offline" {
		t.Fatalf("expected queued message delivered, got %#v", env)
	}
}
