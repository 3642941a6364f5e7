// Package bridge is the Bridge Client: the long-lived relay connection that
// forwards cross-device traffic (spec.md §4.7). State machine:
// disconnected -> connecting -> connected -> registered.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ambient-tools/commsbus/internal/redaction"
	"github.com/ambient-tools/commsbus/internal/trace"
	"github.com/ambient-tools/commsbus/internal/util"
	"github.com/rs/zerolog"
)

// deviceIDPattern is the wire format for toDevice/fromDevice (spec.md §4.7):
// uppercased, [A-Z0-9_-] only.
var deviceIDPattern = regexp.MustCompile(`^[A-Z0-9_-]+$`)

// normalizeDeviceID uppercases id and validates it against deviceIDPattern.
func normalizeDeviceID(id string) (string, bool) {
	id = strings.ToUpper(strings.TrimSpace(id))
	return id, deviceIDPattern.MatchString(id)
}

// State is the Bridge Client's connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRegistered
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

const (
	// DefaultReconnectBaseMs/MaxMs bound the exponential reconnect backoff
	// (spec.md §4.7: min(maxMs, baseMs*2^(attempt-1))).
	DefaultReconnectBaseMs = 750
	DefaultReconnectMaxMs  = 10_000
	// DefaultSendTimeout is the per-sendToDevice ack timeout.
	DefaultSendTimeout = 12 * time.Second
	// DefaultDiscoverTimeout bounds discoverDevices when the caller omits one.
	DefaultDiscoverTimeout = 10 * time.Second
)

// RoutePolicy is the cross-device routing policy hook (Open Question (a)):
// the Bridge Client never hard-codes "architect-only" — the host wires in
// an implementation (internal/supervisor's architectOnlyPolicy) at Start.
type RoutePolicy interface {
	AllowCrossDevice(fromRole, targetRole string) bool
}

// Dialer abstracts the relay transport so tests can substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is the minimal relay-socket surface the Bridge Client needs.
type Conn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// Config configures one Bridge Client instance.
type Config struct {
	RelayURL       string
	DeviceID       string
	SharedSecret   string
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	SendTimeout    time.Duration
	RedactionPath  string
	RoutePolicy    RoutePolicy
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBaseMs * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMaxMs * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// InboundHandler is the host callback invoked for each xdeliver frame.
type InboundHandler func(ctx context.Context, msg InboundMessage) (Verdict, error)

// InboundMessage is the normalized shape passed to the host's inbound callback.
type InboundMessage struct {
	MessageID  string
	FromDevice string
	FromRole   string
	Content    string
	Metadata   json.RawMessage
	Structured StructuredMetadata
}

// Verdict is what the host callback reports back to the relay as an xack.
type Verdict struct {
	OK     bool
	Status string
}

// pendingSend is a future over an xack, resolved by messageId or a timeout —
// the same race the teacher's timeout.go guards against per MCP call,
// generalized here to "first of {xack, timer} wins" (spec.md §5).
type pendingSend struct {
	once   sync.Once
	done   chan struct{}
	result SendResult

	// fromDevice/toDevice are stamped at send time (DiscoverDevices leaves
	// both blank) and copied onto the resolved SendResult, since neither the
	// xack nor a relay error frame echoes them back.
	fromDevice string
	toDevice   string
}

func newPendingSend() *pendingSend { return &pendingSend{done: make(chan struct{})} }

func (p *pendingSend) resolve(r SendResult) {
	p.once.Do(func() {
		if r.FromDevice == "" {
			r.FromDevice = p.fromDevice
		}
		if r.ToDevice == "" {
			r.ToDevice = p.toDevice
		}
		p.result = r
		close(p.done)
	})
}

// SendResult is what sendToDevice resolves to.
type SendResult struct {
	OK         bool
	Status     string
	Verified   bool
	FromDevice string
	ToDevice   string
}

// Client is the Bridge Client.
type Client struct {
	cfg Config
	log zerolog.Logger
	red *redaction.Engine

	dialer  Dialer
	handler InboundHandler

	mu          sync.Mutex
	state       State
	conn        Conn
	attempt     int
	pending     map[string]*pendingSend
	discoveries map[string][]DeviceInfo

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Bridge Client. dialer is injected so tests never need a
// real network socket.
func New(cfg Config, dialer Dialer, handler InboundHandler, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		log:     log.With().Str("component", "bridge").Logger(),
		red:     redaction.NewEngine(cfg.RedactionPath),
		dialer:  dialer,
		handler: handler,
		pending: make(map[string]*pendingSend),
		stopCh:  make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins the connect/reconnect loop in the background.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	util.SafeGo(func() {
		defer c.wg.Done()
		c.runLoop(ctx)
	})
}

// Stop rejects every pending future with bridge_stopped and closes the
// connection (spec.md §4.7 "Shutdown").
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	conn := c.conn
	c.state = StateDisconnected
	pending := c.pending
	c.pending = make(map[string]*pendingSend)
	c.mu.Unlock()

	for _, p := range pending {
		p.resolve(SendResult{OK: false, Status: "bridge_stopped"})
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !c.connectOnce(ctx) {
			if !c.backoffWait(ctx) {
				return
			}
			continue
		}
		c.resetBackoff()
		c.readLoop(ctx)
	}
}

// connectOnce dials the relay and completes the register/register-ack
// handshake. Returns false on any failure so the caller backs off.
func (c *Client) connectOnce(ctx context.Context) bool {
	c.setState(StateConnecting)
	conn, err := c.dialer.Dial(ctx, c.cfg.RelayURL)
	if err != nil {
		c.log.Debug().Err(err).Msg("relay dial failed")
		return false
	}

	if err := conn.WriteJSON(registerFrame{Type: "register", DeviceID: c.cfg.DeviceID, SharedSecret: c.cfg.SharedSecret}); err != nil {
		_ = conn.Close()
		return false
	}

	var ack registerAckFrame
	if err := conn.ReadJSON(&ack); err != nil || !ack.OK {
		_ = conn.Close()
		return false
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateRegistered
	c.mu.Unlock()
	c.log.Info().Str("deviceId", c.cfg.DeviceID).Msg("registered with relay")
	return true
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) resetBackoff() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}

// backoffWait sleeps for min(maxMs, baseMs*2^(attempt-1)) before the next
// reconnect attempt. Returns false if shutdown was requested mid-wait.
func (c *Client) backoffWait(ctx context.Context) bool {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.state = StateDisconnected
	c.mu.Unlock()

	delay := reconnectDelay(c.cfg.ReconnectBase, c.cfg.ReconnectMax, attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// reconnectDelay implements spec.md §4.7's backoff formula exactly.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return clampDuration(base, max)
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return clampDuration(d, max)
}

func clampDuration(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var env relayEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			c.log.Debug().Err(err).Msg("relay connection lost")
			c.mu.Lock()
			c.conn = nil
			c.state = StateDisconnected
			c.mu.Unlock()
			return
		}

		switch env.Type {
		case "xack":
			c.handleAck(env.Raw)
		case "xdeliver":
			c.handleDeliver(ctx, env.Raw)
		case "xdiscovery-result":
			c.handleDiscoveryResult(env.Raw)
		case "error":
			c.handleRelayError(env.Raw)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
	}
}

func (c *Client) handleAck(raw json.RawMessage) {
	var ack xackFrame
	if err := json.Unmarshal(raw, &ack); err != nil {
		return
	}
	c.mu.Lock()
	p, ok := c.pending[ack.MessageID]
	delete(c.pending, ack.MessageID)
	c.mu.Unlock()
	if ok {
		p.resolve(SendResult{OK: ack.OK, Status: ack.Status, Verified: ack.OK})
	}
}

func (c *Client) handleRelayError(raw json.RawMessage) {
	var e struct {
		Message   string `json:"message"`
		RequestID string `json:"requestId,omitempty"`
	}
	_ = json.Unmarshal(raw, &e)
	c.log.Warn().Str("message", e.Message).Msg("relay reported error")

	if e.RequestID == "" {
		return
	}
	c.mu.Lock()
	p, ok := c.pending[e.RequestID]
	delete(c.pending, e.RequestID)
	c.mu.Unlock()
	if !ok {
		return
	}
	status := "bridge_relay_error"
	if containsUnsupportedDiscovery(e.Message) {
		status = "unsupported_type:xdiscovery"
	}
	p.resolve(SendResult{OK: false, Status: status})
}

func containsUnsupportedDiscovery(message string) bool {
	return strings.Contains(message, "unsupported_type:xdiscovery")
}

func (c *Client) handleDiscoveryResult(raw json.RawMessage) {
	var res xdiscoveryResultFrame
	if err := json.Unmarshal(raw, &res); err != nil {
		return
	}
	c.mu.Lock()
	p, ok := c.pending[res.RequestID]
	delete(c.pending, res.RequestID)
	if ok {
		if c.discoveries == nil {
			c.discoveries = make(map[string][]DeviceInfo)
		}
		c.discoveries[res.RequestID] = res.Devices
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.resolve(SendResult{OK: true, Status: "ok"})
}

func (c *Client) handleDeliver(ctx context.Context, raw json.RawMessage) {
	var d xdeliverFrame
	if err := json.Unmarshal(raw, &d); err != nil {
		return
	}
	structured := normalizeStructured(d.Metadata, d.Content)
	msg := InboundMessage{
		MessageID:  d.MessageID,
		FromDevice: d.FromDevice,
		FromRole:   d.FromRole,
		Content:    c.red.Redact(d.Content),
		Metadata:   c.red.RedactMetadataJSON(d.Metadata),
		Structured: structured,
	}

	verdict, err := c.invokeHandler(ctx, msg)
	ack := xackFrame{Type: "xack", MessageID: d.MessageID}
	if err != nil {
		ack.OK = false
		ack.Status = "bridge_handler_error"
	} else {
		ack.OK = verdict.OK
		ack.Status = verdict.Status
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteJSON(ack)
	}
}

func (c *Client) invokeHandler(ctx context.Context, msg InboundMessage) (verdict Verdict, err error) {
	if c.handler == nil {
		return Verdict{OK: true, Status: "no_handler"}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

// sendToDevice implements spec.md §4.7's public sendToDevice operation.
func (c *Client) SendToDevice(ctx context.Context, req SendRequest) SendResult {
	c.mu.Lock()
	if c.state != StateRegistered {
		c.mu.Unlock()
		return SendResult{OK: false, Status: "bridge_unavailable"}
	}
	conn := c.conn
	timeout := req.TimeoutMs
	c.mu.Unlock()

	if c.cfg.RoutePolicy != nil && !c.cfg.RoutePolicy.AllowCrossDevice(req.FromRole, "architect") {
		return SendResult{OK: false, Status: "bridge_route_denied"}
	}

	toDevice, valid := normalizeDeviceID(req.ToDevice)
	if !valid {
		return SendResult{OK: false, Status: "bridge_invalid_device_id", ToDevice: toDevice}
	}

	if timeout <= 0 {
		timeout = c.cfg.SendTimeout
	}

	messageID := req.MessageID
	if messageID == "" {
		messageID = trace.NewID()
	}

	p := newPendingSend()
	p.fromDevice = c.cfg.DeviceID
	p.toDevice = toDevice
	c.mu.Lock()
	c.pending[messageID] = p
	c.mu.Unlock()

	out := xsendFrame{
		Type:      "xsend",
		MessageID: messageID,
		ToDevice:  toDevice,
		FromRole:  req.FromRole,
		Content:   c.red.Redact(req.Content),
		Metadata:  c.red.RedactMetadataJSON(req.Metadata),
	}
	if err := conn.WriteJSON(out); err != nil {
		c.mu.Lock()
		delete(c.pending, messageID)
		c.mu.Unlock()
		return SendResult{OK: false, Status: "bridge_send_failed", FromDevice: p.fromDevice, ToDevice: toDevice}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.result
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, messageID)
		c.mu.Unlock()
		p.resolve(SendResult{OK: false, Status: "bridge_ack_timeout"})
		return p.result
	case <-ctx.Done():
		return SendResult{OK: false, Status: "bridge_ack_timeout", FromDevice: p.fromDevice, ToDevice: toDevice}
	}
}

// SendRequest is the input to SendToDevice.
type SendRequest struct {
	MessageID string
	ToDevice  string
	FromRole  string
	Content   string
	Metadata  json.RawMessage
	TimeoutMs time.Duration
}

// DiscoverDevices implements spec.md §4.7's discoverDevices operation.
func (c *Client) DiscoverDevices(ctx context.Context, timeout time.Duration) DiscoverResult {
	c.mu.Lock()
	conn := c.conn
	registered := c.state == StateRegistered
	c.mu.Unlock()
	if !registered {
		return DiscoverResult{OK: false, Status: "bridge_unavailable"}
	}
	if timeout <= 0 {
		timeout = DefaultDiscoverTimeout
	}

	requestID := trace.NewID()
	if err := conn.WriteJSON(xdiscoveryFrame{Type: "xdiscovery", RequestID: requestID}); err != nil {
		return DiscoverResult{OK: false, Status: "bridge_send_failed"}
	}

	// The relay response arrives on the shared read loop; in this package's
	// design the read loop notifies discovery waiters through the same
	// pending map keyed by requestId, mirroring sendToDevice's pending-ack
	// bookkeeping (spec.md §5: "Bridge Client's pending-ACK map ... timeouts
	// and responses race").
	p := newPendingSend()
	c.mu.Lock()
	c.pending[requestID] = p
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		if p.result.Status == "unsupported_type:xdiscovery" {
			return DiscoverResult{OK: false, Status: "bridge_discovery_unsupported"}
		}
		if !p.result.OK {
			return DiscoverResult{OK: false, Status: p.result.Status}
		}
		c.mu.Lock()
		devices := c.discoveries[requestID]
		delete(c.discoveries, requestID)
		c.mu.Unlock()
		sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
		return DiscoverResult{OK: true, Status: p.result.Status, Devices: devices}
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		return DiscoverResult{OK: false, Status: "bridge_ack_timeout"}
	case <-ctx.Done():
		return DiscoverResult{OK: false, Status: "bridge_ack_timeout"}
	}
}

// DiscoverResult is what DiscoverDevices resolves to: devices sorted by
// deviceId per spec.md §4.7.
type DiscoverResult struct {
	OK      bool
	Status  string
	Devices []DeviceInfo
}

// DeviceInfo is one entry in a discoverDevices response.
type DeviceInfo struct {
	DeviceID       string   `json:"deviceId"`
	Roles          []string `json:"roles"`
	ConnectedSince int64    `json:"connectedSince"`
}

// Wire frame shapes exchanged with the relay.

type registerFrame struct {
	Type         string `json:"type"`
	DeviceID     string `json:"deviceId"`
	SharedSecret string `json:"sharedSecret"`
}

type registerAckFrame struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

type xsendFrame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"messageId"`
	ToDevice  string          `json:"toDevice"`
	FromRole  string          `json:"fromRole"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type xackFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	OK        bool   `json:"ok"`
	Status    string `json:"status,omitempty"`
}

type xdeliverFrame struct {
	Type       string          `json:"type"`
	MessageID  string          `json:"messageId"`
	FromDevice string          `json:"fromDevice"`
	FromRole   string          `json:"fromRole"`
	Content    string          `json:"content"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

type xdiscoveryFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

type xdiscoveryResultFrame struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId"`
	Devices   []DeviceInfo `json:"devices"`
}

// relayEnvelope is the minimal tagged-union shape, mirroring internal/frame's
// Decode/Envelope idiom for the relay's own wire protocol.
type relayEnvelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

func (e *relayEnvelope) UnmarshalJSON(data []byte) error {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err != nil {
		return err
	}
	e.Type = peek.Type
	e.Raw = append(json.RawMessage(nil), data...)
	return nil
}
