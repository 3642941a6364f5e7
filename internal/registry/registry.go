// Package registry is the Client Registry: the only authority for "is
// anyone listening for target X". Adapted from the teacher's
// cmd/dev-console/client_registry.go (RWMutex + map + access-order slice),
// generalized from a CWD-keyed MCP client table to the spec's
// connectionId -> (role, paneId) registry with dual role/pane lookup.
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/ambient-tools/commsbus/internal/frame"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Socket is the minimal write surface the registry needs from a live
// connection, so this package never imports the websocket transport.
type Socket interface {
	WriteFrame(v any) error
	Writable() bool
}

// Source identifies what kind of inbound activity last touched a client.
type Source string

const (
	SourceMessage     Source = "message"
	SourceRegister    Source = "register"
	SourceHealthCheck Source = "health-check"
)

// Client is one connected pane. Identity is the ephemeral connectionId;
// paneId/role are filled in on the first register frame and are stable
// across reconnects (the pane, not the connection, owns them).
type Client struct {
	ConnID      string
	Socket      Socket
	Role        frame.Role
	PaneID      string
	ConnectedAt time.Time

	mu       sync.RWMutex
	lastSeen time.Time
}

func newClient(connID string, sock Socket) *Client {
	now := time.Now()
	return &Client{
		ConnID:      connID,
		Socket:      sock,
		ConnectedAt: now,
		lastSeen:    now,
	}
}

// LastSeen returns the last-activity timestamp, guarded independently of the
// registry's own lock (lock ordering: Registry.mu before Client.mu, never
// reverse — mirrors the teacher's documented ordering in client_registry.go).
func (c *Client) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

const (
	// staleEvictAfter bounds how long a connection may sit with no Touch
	// before it's dropped from the registry outright — a backstop for
	// connections whose readPump never observes the underlying socket dying
	// (e.g. a half-open TCP peer), distinct from RouteHealth's staleAfter
	// reporting threshold.
	staleEvictAfter = 10 * time.Minute
	// staleCacheSize bounds the LRU well above any realistic concurrent
	// connection count, so staleEvictAfter (not capacity) governs eviction.
	staleCacheSize = 10000
)

// Registry maps connections to (paneId, role) and back.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client // connId -> Client

	// stale tracks connIDs touched within staleEvictAfter; entries that age
	// out are reaped from clients by evictStale, running on the LRU's own
	// background janitor goroutine.
	stale *lru.LRU[string, struct{}]
}

// New creates an empty Client Registry.
func New() *Registry {
	r := &Registry{clients: make(map[string]*Client)}
	r.stale = lru.NewLRU[string, struct{}](staleCacheSize, r.evictStale, staleEvictAfter)
	return r
}

// evictStale drops a connection that has gone staleEvictAfter without any
// recorded activity. Runs on the LRU's background goroutine, never on a
// caller of Accept/Register/Touch, so taking r.mu here is safe.
func (r *Registry) evictStale(connID string, _ struct{}) {
	r.mu.Lock()
	delete(r.clients, connID)
	r.mu.Unlock()
}

// Accept creates a Client for a newly accepted connection. The client has
// no role/paneId until Register is called.
func (r *Registry) Accept(connID string, sock Socket) *Client {
	r.mu.Lock()
	c := newClient(connID, sock)
	r.clients[connID] = c
	r.mu.Unlock()
	r.stale.Add(connID, struct{}{})
	return c
}

// Register normalizes role/paneId and stores them on the client identified
// by connID. register never fails: unknown roles/panes are stored as "".
// If only one of role/paneId is supplied, the other is left as-is (the
// canonical map the spec describes for filling in the missing half lives at
// the pane-assignment layer above this registry, which is out of scope here
// — this registry only ever records what it is told).
func (r *Registry) Register(connID, rawRole, rawPaneID string) (frame.Role, string) {
	canonicalRole := frame.NormalizeRole(rawRole)
	canonicalPane := strings.TrimSpace(rawPaneID)

	r.mu.Lock()
	c, ok := r.clients[connID]
	r.mu.Unlock()
	if !ok {
		return canonicalRole, canonicalPane
	}

	c.mu.Lock()
	c.Role = canonicalRole
	c.PaneID = canonicalPane
	c.lastSeen = time.Now()
	c.mu.Unlock()
	r.stale.Add(connID, struct{}{})

	return canonicalRole, canonicalPane
}

// Touch records activity on a connection; source is informational only
// (used by callers for logging/metrics, not branched on here).
func (r *Registry) Touch(connID string, _ Source) {
	r.mu.RLock()
	c, ok := r.clients[connID]
	r.mu.RUnlock()
	if ok {
		c.touch()
		r.stale.Add(connID, struct{}{})
	}
}

// Lookup resolves target (a paneId or a role, case-insensitive) against
// every registered client. A target may match multiple clients (the same
// role held by several panes) — all matches are returned.
func (r *Registry) Lookup(target string) []*Client {
	needle := strings.ToLower(strings.TrimSpace(target))
	if needle == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []*Client
	for _, c := range r.clients {
		c.mu.RLock()
		role := strings.ToLower(string(c.Role))
		pane := strings.ToLower(c.PaneID)
		c.mu.RUnlock()
		if role == needle || pane == needle {
			matches = append(matches, c)
		}
	}
	return matches
}

// All returns every currently connected client, used by broadcast fan-out.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Close removes a client from the registry on disconnect.
func (r *Registry) Close(connID string) {
	r.mu.Lock()
	delete(r.clients, connID)
	r.mu.Unlock()
	r.stale.Remove(connID)
}

// HealthStatus is the result of a routeHealth lookup.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthStale        HealthStatus = "stale"
	HealthNoRoute      HealthStatus = "no_route"
	HealthInvalidTarget HealthStatus = "invalid_target"
)

// RouteHealth reports whether target currently resolves to a live,
// recently-active client. Among multiple matches the most recently active
// one determines the reported health.
func (r *Registry) RouteHealth(target string, staleAfter time.Duration) (status HealthStatus, lastSeen time.Time, role frame.Role, paneID string) {
	if strings.TrimSpace(target) == "" {
		return HealthInvalidTarget, time.Time{}, "", ""
	}
	matches := r.Lookup(target)
	if len(matches) == 0 {
		return HealthNoRoute, time.Time{}, "", ""
	}

	var newest *Client
	var newestSeen time.Time
	for _, c := range matches {
		seen := c.LastSeen()
		if newest == nil || seen.After(newestSeen) {
			newest = c
			newestSeen = seen
		}
	}

	age := time.Since(newestSeen)
	newest.mu.RLock()
	role, paneID = newest.Role, newest.PaneID
	newest.mu.RUnlock()

	if age <= staleAfter {
		return HealthHealthy, newestSeen, role, paneID
	}
	return HealthStale, newestSeen, role, paneID
}

// Summary is a read-only snapshot of one client, for status reporting.
type Summary struct {
	ConnID      string
	Role        frame.Role
	PaneID      string
	ConnectedAt time.Time
	LastSeen    time.Time
}

// Snapshot returns a point-in-time view of all registered clients.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Summary, 0, len(r.clients))
	for _, c := range r.clients {
		c.mu.RLock()
		out = append(out, Summary{
			ConnID:      c.ConnID,
			Role:        c.Role,
			PaneID:      c.PaneID,
			ConnectedAt: c.ConnectedAt,
			LastSeen:    c.lastSeen,
		})
		c.mu.RUnlock()
	}
	return out
}
