package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer dials the relay over a real WebSocket connection.
type WSDialer struct {
	HandshakeTimeout time.Duration
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConnAdapter{conn: conn}, nil
}

// wsConnAdapter adapts *websocket.Conn to the Conn interface.
type wsConnAdapter struct {
	conn *websocket.Conn
}

func (w wsConnAdapter) WriteJSON(v any) error { return w.conn.WriteJSON(v) }
func (w wsConnAdapter) ReadJSON(v any) error   { return w.conn.ReadJSON(v) }
func (w wsConnAdapter) Close() error           { return w.conn.Close() }
