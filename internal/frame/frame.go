// Package frame defines the JSON wire frames exchanged between panes and the
// Hub, and the tolerant decoder that turns raw WebSocket messages into them.
package frame

import (
	"encoding/json"
	"strings"
)

// Type discriminates the frame variants recognized on the wire.
type Type string

const (
	TypeRegister             Type = "register"
	TypeRegistered            Type = "registered"
	TypeWelcome               Type = "welcome"
	TypeSend                  Type = "send"
	TypeBroadcast             Type = "broadcast"
	TypeMessage               Type = "message"
	TypeSendAck               Type = "send-ack"
	TypeHealthCheck           Type = "health-check"
	TypeHealthCheckResult     Type = "health-check-result"
	TypeDeliveryCheck         Type = "delivery-check"
	TypeDeliveryCheckResult   Type = "delivery-check-result"
	TypeError                 Type = "error"
	TypeText                  Type = "text" // synthesized for frames that fail JSON parse
)

// Priority is the send priority on a Message frame.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// CurrentProtocolVersion is echoed on outbound frames and accepted (but not
// required) on inbound ones. It is additive: older panes that never send it
// still decode fine, defaulting to version 1.
const CurrentProtocolVersion = 1

// TraceContext carries the causal chain for a dispatch. See internal/trace.
type TraceContext struct {
	TraceID       string `json:"traceId,omitempty"`
	ParentEventID string `json:"parentEventId,omitempty"`
	EventID       string `json:"eventId,omitempty"`
}

// Envelope is the minimal shape every inbound frame must have: a type tag.
// Everything else is decoded from the same bytes into the concrete frame
// struct once Type is known.
type Envelope struct {
	Type    Type   `json:"type"`
	Content string `json:"content,omitempty"`
}

// Register is the client->server {type:"register"} frame.
type Register struct {
	Type   Type   `json:"type"`
	Role   string `json:"role,omitempty"`
	PaneID string `json:"paneId,omitempty"`
}

// Send is the client->server {type:"send"} frame.
type Send struct {
	Type             Type            `json:"type"`
	Target           string          `json:"target"`
	Content          string          `json:"content"`
	Priority         Priority        `json:"priority,omitempty"`
	MessageID        string          `json:"messageId,omitempty"`
	AckRequired      bool            `json:"ackRequired,omitempty"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	TraceContext     *TraceContext   `json:"traceContext,omitempty"`
	ProtocolVersion  int             `json:"protocolVersion,omitempty"`
}

// Broadcast is the client->server {type:"broadcast"} frame. Broadcasts have
// no target: every other connected client is addressed.
type Broadcast struct {
	Type            Type            `json:"type"`
	Content         string          `json:"content"`
	MessageID       string          `json:"messageId,omitempty"`
	AckRequired     bool            `json:"ackRequired,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	ProtocolVersion int             `json:"protocolVersion,omitempty"`
}

// HealthCheck is the client->server {type:"health-check"} frame.
type HealthCheck struct {
	Type          Type   `json:"type"`
	Target        string `json:"target"`
	StaleAfterMs  int64  `json:"staleAfterMs,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
}

// DeliveryCheck is the client->server {type:"delivery-check"} frame.
type DeliveryCheck struct {
	Type      Type   `json:"type"`
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId,omitempty"`
}

// Welcome is the server->client {type:"welcome"} frame sent on accept.
type Welcome struct {
	Type     Type   `json:"type"`
	ClientID string `json:"clientId"`
}

// Registered is the server->client {type:"registered"} frame.
type Registered struct {
	Type   Type   `json:"type"`
	PaneID string `json:"paneId"`
	Role   string `json:"role"`
}

// Message is the server->client {type:"message"} frame delivered on inbound
// send/broadcast fan-out.
type Message struct {
	Type            Type            `json:"type"`
	From            string          `json:"from"`
	Priority        Priority        `json:"priority,omitempty"`
	Content         string          `json:"content"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	TraceID         string          `json:"traceId,omitempty"`
	ParentEventID   string          `json:"parentEventId,omitempty"`
	EventID         string          `json:"eventId,omitempty"`
	Timestamp       int64           `json:"timestamp"`
	ProtocolVersion int             `json:"protocolVersion,omitempty"`
}

// Dedupe carries the cache-hit annotations on a SendAck.
type Dedupe struct {
	Mode            string `json:"mode"`
	SourceMessageID string `json:"sourceMessageId,omitempty"`
}

// SendAck is the server->client {type:"send-ack"} frame.
type SendAck struct {
	Type             Type            `json:"type"`
	MessageID        string          `json:"messageId"`
	OK               bool            `json:"ok"`
	Accepted         bool            `json:"accepted"`
	Queued           bool            `json:"queued"`
	Verified         bool            `json:"verified"`
	Status           string          `json:"status"`
	WSDeliveryCount  int             `json:"wsDeliveryCount"`
	AckLatencyMs     int64           `json:"ackLatencyMs"`
	HandlerResult    json.RawMessage `json:"handlerResult,omitempty"`
	Error            string          `json:"error,omitempty"`
	TraceID          string          `json:"traceId,omitempty"`
	Timestamp        int64           `json:"timestamp"`
	Dedupe           *Dedupe         `json:"dedupe,omitempty"`
}

// HealthCheckResult is the server->client {type:"health-check-result"} frame.
type HealthCheckResult struct {
	Type             Type   `json:"type"`
	Target           string `json:"target"`
	Healthy          bool   `json:"healthy"`
	Status           string `json:"status"`
	LastSeen         int64  `json:"lastSeen,omitempty"`
	AgeMs            int64  `json:"ageMs,omitempty"`
	StaleThresholdMs int64  `json:"staleThresholdMs"`
	Role             string `json:"role,omitempty"`
	PaneID           string `json:"paneId,omitempty"`
	RequestID        string `json:"requestId,omitempty"`
}

// DeliveryCheckResult is the server->client {type:"delivery-check-result"}.
type DeliveryCheckResult struct {
	Type      Type            `json:"type"`
	Known     bool            `json:"known"`
	Pending   bool            `json:"pending,omitempty"`
	Status    string          `json:"status,omitempty"`
	MessageID string          `json:"messageId"`
	Ack       json.RawMessage `json:"ack,omitempty"`
}

// ErrorFrame is the server->client {type:"error"} frame.
type ErrorFrame struct {
	Type      Type   `json:"type"`
	Message   string `json:"message"`
	PaneID    string `json:"paneId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Decode parses one raw WebSocket message into an Envelope carrying its Type.
// Frames that fail JSON parsing are not an error: they are reported back as
// a synthesized {type:"text", content:<raw>} envelope, per spec.
func Decode(raw []byte) Envelope {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{Type: TypeText, Content: string(raw)}
	}
	env.Type = Type(strings.TrimSpace(string(env.Type)))
	if env.Type == "" {
		return Envelope{Type: ""}
	}
	return env
}

// DecodeSend fully decodes a raw frame known (via Decode) to be a "send".
func DecodeSend(raw []byte) (Send, error) {
	var s Send
	err := json.Unmarshal(raw, &s)
	s.Target = strings.TrimSpace(s.Target)
	s.MessageID = strings.TrimSpace(s.MessageID)
	if s.Priority == "" {
		s.Priority = PriorityNormal
	}
	return s, err
}

// DecodeBroadcast fully decodes a raw frame known to be a "broadcast".
func DecodeBroadcast(raw []byte) (Broadcast, error) {
	var b Broadcast
	err := json.Unmarshal(raw, &b)
	b.MessageID = strings.TrimSpace(b.MessageID)
	return b, err
}

// DecodeRegister fully decodes a raw frame known to be a "register".
func DecodeRegister(raw []byte) (Register, error) {
	var r Register
	err := json.Unmarshal(raw, &r)
	r.Role = strings.TrimSpace(r.Role)
	r.PaneID = strings.TrimSpace(r.PaneID)
	return r, err
}

// DecodeHealthCheck fully decodes a raw frame known to be a "health-check".
func DecodeHealthCheck(raw []byte) (HealthCheck, error) {
	var h HealthCheck
	err := json.Unmarshal(raw, &h)
	h.Target = strings.TrimSpace(h.Target)
	return h, err
}

// DecodeDeliveryCheck fully decodes a raw frame known to be "delivery-check".
func DecodeDeliveryCheck(raw []byte) (DeliveryCheck, error) {
	var d DeliveryCheck
	err := json.Unmarshal(raw, &d)
	d.MessageID = strings.TrimSpace(d.MessageID)
	return d, err
}

// MaxFrameBytes is the hard per-frame size cap (§4 "frame size ≤ 256 KiB").
const MaxFrameBytes = 256 * 1024

// MaxContentBytes bounds Send.Content independent of full-frame overhead.
const MaxContentBytes = 256 * 1024
