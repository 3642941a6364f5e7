// health.go — readiness probing for the worker-process Hub. Adapted from the
// teacher's internal/bridge/conn.go (error classification, HTTP readiness
// polling), generalized from "is the MCP daemon up" to "is the child's WS
// listener accepting yet".
package supervisor

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// IsConnectionError returns true if err indicates the child process is
// unreachable (not yet listening, or has exited).
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host")
}

// IsChildHealthy checks the worker's /health endpoint.
func IsChildHealthy(port int) bool {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port)) // #nosec G704 -- loopback-only health probe
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// WaitForChild blocks until the worker's /health endpoint answers or timeout
// elapses.
func WaitForChild(port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if IsChildHealthy(port) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
