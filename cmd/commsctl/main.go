// Command commsctl is a thin CLI probe client for a running commsd
// instance: connect, register a pane, send a message, or run a health
// check against another pane, printing the resulting frame as JSON.
//
// Usage: commsctl <command> [options]
package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ambient-tools/commsbus/internal/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	flags "github.com/jessevdk/go-flags"
)

type globalOptions struct {
	Host string `long:"host" default:"127.0.0.1" description:"commsd host"`
	Port int    `long:"port" default:"7601" description:"commsd port"`
}

type sendCommand struct {
	Role    string `long:"role" required:"true" description:"this pane's role"`
	PaneID  string `long:"pane-id" required:"true" description:"this pane's id"`
	Target  string `long:"target" required:"true" description:"target pane id"`
	Content string `long:"content" required:"true" description:"message content"`
	Timeout int    `long:"timeout-ms" default:"5000" description:"how long to wait for the ack"`
}

type healthCommand struct {
	Role       string `long:"role" required:"true" description:"this pane's role"`
	PaneID     string `long:"pane-id" required:"true" description:"this pane's id"`
	Target     string `long:"target" required:"true" description:"pane id to check"`
	StaleAfter int64  `long:"stale-after-ms" default:"0" description:"override staleness threshold"`
	Timeout    int    `long:"timeout-ms" default:"5000" description:"how long to wait for the result"`
}

var global globalOptions

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	parser := flags.NewParser(&global, flags.Default)

	send := &sendCommand{}
	if _, err := parser.AddCommand("send", "Send a message to a pane and wait for its ack", "", send); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	health := &healthCommand{}
	if _, err := parser.AddCommand("health", "Run a health-check against a pane", "", health); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	switch parser.Active.Name {
	case "send":
		return runSend(send)
	case "health":
		return runHealth(health)
	default:
		fmt.Fprintln(os.Stderr, "Error: a command is required (send, health)")
		return 2
	}
}

func dial(role, paneID string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", global.Host, global.Port), Path: "/"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	reg := frame.Register{Type: frame.TypeRegister, Role: role, PaneID: paneID}
	if err := conn.WriteJSON(reg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	return conn, nil
}

func readUntil(conn *websocket.Conn, wantType frame.Type, timeout time.Duration) (json.RawMessage, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		env := frame.Decode(raw)
		if env.Type == wantType {
			return json.RawMessage(raw), nil
		}
	}
	return nil, fmt.Errorf("timed out waiting for %s", wantType)
}

func runSend(cmd *sendCommand) int {
	conn, err := dial(cmd.Role, cmd.PaneID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = conn.Close() }()

	msg := frame.Send{
		Type:        frame.TypeSend,
		Target:      cmd.Target,
		Content:     cmd.Content,
		MessageID:   uuid.NewString(),
		AckRequired: true,
	}
	if err := conn.WriteJSON(msg); err != nil {
		fmt.Fprintln(os.Stderr, "send:", err)
		return 1
	}

	raw, err := readUntil(conn, frame.TypeSendAck, time.Duration(cmd.Timeout)*time.Millisecond)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(string(raw))
	return 0
}

func runHealth(cmd *healthCommand) int {
	conn, err := dial(cmd.Role, cmd.PaneID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = conn.Close() }()

	req := frame.HealthCheck{
		Type:         frame.TypeHealthCheck,
		Target:       cmd.Target,
		StaleAfterMs: cmd.StaleAfter,
		RequestID:    uuid.NewString(),
	}
	if err := conn.WriteJSON(req); err != nil {
		fmt.Fprintln(os.Stderr, "health-check:", err)
		return 1
	}

	raw, err := readUntil(conn, frame.TypeHealthCheckResult, time.Duration(cmd.Timeout)*time.Millisecond)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(string(raw))
	return 0
}
