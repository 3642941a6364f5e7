// Package hub is the Hub / WS Server: the loopback WebSocket endpoint every
// pane connects to (spec.md §4.6). One goroutine pair (readPump/writePump)
// per connection, grounded on the uncord-chat gateway's
// `go client.writePump(); client.readPump()` idiom, generalized from its
// Redis-backed multi-room chat server to this single-process pane bus.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ambient-tools/commsbus/internal/dedup"
	"github.com/ambient-tools/commsbus/internal/dispatch"
	"github.com/ambient-tools/commsbus/internal/frame"
	"github.com/ambient-tools/commsbus/internal/metrics"
	"github.com/ambient-tools/commsbus/internal/outbox"
	"github.com/ambient-tools/commsbus/internal/registry"
	"github.com/ambient-tools/commsbus/internal/trace"
	"github.com/ambient-tools/commsbus/internal/util"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 64
	// rateLimitBurst/rateLimitPerSecond: 50 frames/1s per connection (spec.md §4.6).
	rateLimitPerSecond = 50
	rateLimitBurst     = 50
	// defaultStaleAfter bounds how old a client's last-seen timestamp may be
	// before routeHealth reports it stale (spec.md §4.6 health-check).
	defaultStaleAfter = 30 * time.Second
	// queueFlushInterval is the default Outbound Queue retry tick.
	queueFlushInterval = 30 * time.Second
)

// Config bounds the Hub's runtime behavior.
type Config struct {
	StaleAfter     time.Duration
	QueueFlushTick time.Duration
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.QueueFlushTick <= 0 {
		c.QueueFlushTick = queueFlushInterval
	}
	return c
}

// Hub owns the WebSocket upgrader and wires every inbound frame through the
// Client Registry, the ACK & Dedup Cache, the Dispatcher, and the Outbound
// Queue.
type Hub struct {
	cfg        Config
	upgrader   websocket.Upgrader
	registry   *registry.Registry
	dedupCache *dedup.Cache
	outbox     *outbox.Queue
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Sink
	log        zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New wires a Hub from its collaborators. The caller constructs the
// Registry/Dedup/Outbox/Dispatcher/Metrics instances so they can be shared
// with the Bridge Client and the status CLI.
func New(cfg Config, reg *registry.Registry, dd *dedup.Cache, ob *outbox.Queue, disp *dispatch.Dispatcher, ms *metrics.Sink, log zerolog.Logger) *Hub {
	cfg = cfg.withDefaults()
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			// Loopback-only: panes connect from the same workstation, never a
			// browser origin, mirroring the teacher's localhost-only
			// bridge dial pattern in internal/bridge/conn.go.
			CheckOrigin: func(r *http.Request) bool { return true }, //nolint:gosec // G704: loopback listener only, see DESIGN.md
		},
		registry:   reg,
		dedupCache: dd,
		outbox:     ob,
		dispatcher: disp,
		metrics:    ms,
		log:        logging(log),
		stopCh:     make(chan struct{}),
	}
}

func logging(base zerolog.Logger) zerolog.Logger {
	return base.With().Str("component", "hub").Logger()
}

// ServeHTTP upgrades the request to a WebSocket and starts the per-connection
// goroutine pair.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(frame.MaxFrameBytes)

	connID := trace.NewID()
	c := &wsConn{
		connID:  connID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(rateLimitPerSecond), rateLimitBurst),
	}
	h.registry.Accept(connID, c)

	if err := c.WriteFrame(frame.Welcome{Type: frame.TypeWelcome, ClientID: connID}); err != nil {
		h.log.Debug().Err(err).Str("connId", connID).Msg("failed to send welcome")
	}

	h.wg.Add(2)
	util.SafeGo(func() { defer h.wg.Done(); h.writePump(c) })
	util.SafeGo(func() { defer h.wg.Done(); h.readPump(c) })
}

// HealthHandler answers the worker-process readiness probe the Supervisor
// polls after spawning the child (internal/supervisor.WaitForChild).
func (h *Hub) HealthHandler(w http.ResponseWriter, r *http.Request) {
	util.JSONResponse(w, http.StatusOK, map[string]any{"status": "ok", "clients": len(h.registry.Snapshot())})
}

// Start launches the Hub's background maintenance goroutines (queue-flush
// ticker). ServeHTTP can be wired into an http.Server independently of this.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	util.SafeGo(func() {
		defer h.wg.Done()
		h.queueFlushLoop(ctx)
	})
}

// Stop signals all background goroutines to exit and waits for them.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *Hub) queueFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.QueueFlushTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			delivered := h.outbox.FlushAll(h.deliverQueued)
			if delivered > 0 {
				h.metrics.Inc("comms.queue.flushed", int64(delivered))
			}
		}
	}
}

// deliverQueued attempts to hand a queued entry to any currently-registered
// client matching its target, used by both FlushForClient (on register) and
// FlushAll (periodic retry).
func (h *Hub) deliverQueued(e outbox.Entry) bool {
	matches := h.registry.Lookup(e.Target)
	delivered := false
	for _, c := range matches {
		if !c.Socket.Writable() {
			continue
		}
		msg := frame.Message{
			Type:      frame.TypeMessage,
			From:      e.Meta.SenderRole,
			Priority:  frame.Priority(e.Meta.Priority),
			Content:   e.Content,
			Timestamp: time.Now().UnixMilli(),
		}
		if err := c.Socket.WriteFrame(msg); err == nil {
			delivered = true
		}
	}
	return delivered
}

func (h *Hub) readPump(c *wsConn) {
	defer h.closeConn(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			h.metrics.Inc("comms.rate_limited", 1)
			_ = c.WriteFrame(frame.ErrorFrame{Type: frame.TypeError, Message: "Rate limit exceeded"})
			continue
		}
		h.handleFrame(c, raw)
	}
}

func (h *Hub) writePump(c *wsConn) {
	defer c.conn.Close()
	for raw := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
}

func (h *Hub) closeConn(c *wsConn) {
	c.closeSend()
	h.registry.Close(c.connID)
}

func (h *Hub) handleFrame(c *wsConn, raw []byte) {
	env := frame.Decode(raw)
	switch env.Type {
	case frame.TypeRegister:
		h.handleRegister(c, raw)
	case frame.TypeSend:
		h.handleSend(c, raw)
	case frame.TypeBroadcast:
		h.handleBroadcast(c, raw)
	case frame.TypeHealthCheck:
		h.handleHealthCheck(c, raw)
	case frame.TypeDeliveryCheck:
		h.handleDeliveryCheck(c, raw)
	default:
		h.registry.Touch(c.connID, registry.SourceMessage)
		if env.Type == "" {
			var body struct {
				RequestID string `json:"requestId"`
			}
			_ = json.Unmarshal(raw, &body)
			_ = c.WriteFrame(frame.ErrorFrame{Type: frame.TypeError, Message: "missing frame type", RequestID: body.RequestID})
		}
	}
}

func (h *Hub) handleRegister(c *wsConn, raw []byte) {
	reg, _ := frame.DecodeRegister(raw)
	role, paneID := h.registry.Register(c.connID, reg.Role, reg.PaneID)
	h.registry.Touch(c.connID, registry.SourceRegister)

	_ = c.WriteFrame(frame.Registered{Type: frame.TypeRegistered, Role: string(role), PaneID: paneID})

	if paneID != "" {
		delivered := h.outbox.FlushForClient(string(role), paneID, h.deliverQueued)
		if delivered > 0 {
			h.metrics.Inc("comms.queue.flushed", int64(delivered))
		}
	}
}

func (h *Hub) handleSend(c *wsConn, raw []byte) {
	s, err := frame.DecodeSend(raw)
	if err != nil {
		_ = c.WriteFrame(frame.ErrorFrame{Type: frame.TypeError, Message: "malformed send frame"})
		return
	}
	summary := h.registry.Snapshot()
	role, paneID := roleAndPaneFor(summary, c.connID)
	h.registry.Touch(c.connID, registry.SourceMessage)

	ack := h.dispatcher.DispatchSend(context.Background(), c.connID, role, paneID, s, time.Now())
	if s.AckRequired && s.MessageID != "" {
		_ = c.WriteFrame(ack)
	}
}

func (h *Hub) handleBroadcast(c *wsConn, raw []byte) {
	b, err := frame.DecodeBroadcast(raw)
	if err != nil {
		_ = c.WriteFrame(frame.ErrorFrame{Type: frame.TypeError, Message: "malformed broadcast frame"})
		return
	}
	summary := h.registry.Snapshot()
	role, paneID := roleAndPaneFor(summary, c.connID)
	h.registry.Touch(c.connID, registry.SourceMessage)

	ack := h.dispatcher.DispatchBroadcast(context.Background(), c.connID, role, paneID, b, time.Now())
	if b.AckRequired && b.MessageID != "" {
		_ = c.WriteFrame(ack)
	}
}

func (h *Hub) handleHealthCheck(c *wsConn, raw []byte) {
	hc, _ := frame.DecodeHealthCheck(raw)
	h.registry.Touch(c.connID, registry.SourceHealthCheck)

	staleAfter := h.cfg.StaleAfter
	if hc.StaleAfterMs > 0 {
		staleAfter = time.Duration(hc.StaleAfterMs) * time.Millisecond
	}
	status, lastSeen, role, paneID := h.registry.RouteHealth(hc.Target, staleAfter)

	result := frame.HealthCheckResult{
		Type:             frame.TypeHealthCheckResult,
		Target:           hc.Target,
		Healthy:          status == registry.HealthHealthy,
		Status:           string(status),
		StaleThresholdMs: staleAfter.Milliseconds(),
		Role:             string(role),
		PaneID:           paneID,
		RequestID:        hc.RequestID,
	}
	if !lastSeen.IsZero() {
		result.LastSeen = lastSeen.UnixMilli()
		result.AgeMs = time.Since(lastSeen).Milliseconds()
	}
	_ = c.WriteFrame(result)
}

func (h *Hub) handleDeliveryCheck(c *wsConn, raw []byte) {
	dc, _ := frame.DecodeDeliveryCheck(raw)
	h.registry.Touch(c.connID, registry.SourceMessage)

	rec, known, pending := h.dedupCache.PeekByID(dc.MessageID)
	result := frame.DeliveryCheckResult{
		Type:      frame.TypeDeliveryCheckResult,
		Known:     known,
		Pending:   pending,
		MessageID: dc.MessageID,
	}
	if rec != nil {
		result.Status = rec.Status
		if ackJSON, err := json.Marshal(rec); err == nil {
			result.Ack = ackJSON
		}
	}
	_ = c.WriteFrame(result)
}

func roleAndPaneFor(summary []registry.Summary, connID string) (frame.Role, string) {
	for _, s := range summary {
		if s.ConnID == connID {
			return s.Role, s.PaneID
		}
	}
	return "", ""
}

// wsConn adapts a *websocket.Conn to registry.Socket.
type wsConn struct {
	connID  string
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// WriteFrame marshals v and enqueues it on the outbound channel. A full
// buffer or a closed connection reports an error without blocking the
// caller, matching the Dispatcher's tolerant "best effort" delivery model.
func (c *wsConn) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errBackpressure
	}
}

// Writable reports whether this connection can still accept frames.
func (c *wsConn) Writable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var (
	errClosed       = errors.New("connection closed")
	errBackpressure = errors.New("send buffer full")
)
