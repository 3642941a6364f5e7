package outbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	if cfg.FilePath == "" {
		cfg.FilePath = filepath.Join(t.TempDir(), "comms-outbound-queue.json")
	}
	return New(cfg, zerolog.Nop())
}

func TestEnqueueAndFlushForClient(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{SessionScopeID: "scope-1"})
	q.Enqueue("oracle", "read logs", Meta{Priority: "normal"}, "dispatcher")

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}

	delivered := q.FlushForClient("oracle", "pane-1", func(e Entry) bool { return true })
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() after flush = %d, want 0", q.Len())
	}
}

func TestFlushForClientIncrementsAttemptsOnFailure(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{SessionScopeID: "scope-1"})
	q.Enqueue("oracle", "read logs", Meta{}, "dispatcher")

	delivered := q.FlushForClient("oracle", "", func(e Entry) bool { return false })
	if delivered != 0 {
		t.Fatalf("delivered = %d, want 0", delivered)
	}
	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].Attempts != 1 {
		t.Fatalf("expected 1 entry with Attempts=1, got %#v", snap)
	}
}

func TestFlushForClientOnlyTouchesMatchingTarget(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{SessionScopeID: "scope-1"})
	q.Enqueue("oracle", "for oracle", Meta{}, "dispatcher")
	q.Enqueue("builder", "for builder", Meta{}, "dispatcher")

	q.FlushForClient("oracle", "", func(e Entry) bool { return true })

	snap := q.Snapshot()
	if len(snap) != 1 || snap[0].Target != "builder" {
		t.Fatalf("expected only builder entry to remain, got %#v", snap)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{SessionScopeID: "scope-1", MaxEntries: 2})
	q.Enqueue("oracle", "one", Meta{}, "dispatcher")
	q.Enqueue("oracle", "two", Meta{}, "dispatcher")
	q.Enqueue("oracle", "three", Meta{}, "dispatcher")

	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2", len(snap))
	}
	if snap[0].Content != "two" || snap[1].Content != "three" {
		t.Fatalf("expected oldest evicted, got %#v", snap)
	}
}

func TestLoadFromDiskDiscardsWrongSessionScope(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "queue.json")
	payload := fileFormat{
		Version:        2,
		SessionScopeID: "old-scope",
		Entries: []Entry{
			{ID: "oq-1", Target: "oracle", Content: "stale", CreatedAt: time.Now().UnixMilli(), SessionScopeID: "old-scope"},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	q := newTestQueue(t, Config{SessionScopeID: "new-scope", FilePath: path})
	if q.Len() != 0 {
		t.Fatalf("expected stale-scope entries discarded, got %d", q.Len())
	}

	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var reloaded fileFormat
	if err := json.Unmarshal(rewritten, &reloaded); err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Entries) != 0 {
		t.Fatalf("expected rewritten file to have no entries, got %d", len(reloaded.Entries))
	}
}

func TestLoadFromDiskDiscardsLegacyArrayFormat(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte(`[{"id":"oq-1","target":"oracle"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	q := newTestQueue(t, Config{SessionScopeID: "scope-1", FilePath: path})
	if q.Len() != 0 {
		t.Fatalf("expected legacy array format discarded, got %d entries", q.Len())
	}
}

func TestLoadFromDiskDropsEntriesOlderThanMaxAge(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "queue.json")
	old := time.Now().Add(-time.Hour).UnixMilli()
	payload := fileFormat{
		Version:        2,
		SessionScopeID: "scope-1",
		Entries: []Entry{
			{ID: "oq-1", Target: "oracle", CreatedAt: old, SessionScopeID: "scope-1"},
		},
	}
	data, _ := json.Marshal(payload)
	os.WriteFile(path, data, 0o644)

	q := newTestQueue(t, Config{SessionScopeID: "scope-1", FilePath: path, MaxAge: time.Minute})
	if q.Len() != 0 {
		t.Fatalf("expected aged-out entry dropped, got %d", q.Len())
	}
}

func TestPersistIsAtomicRename(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	q := newTestQueue(t, Config{SessionScopeID: "scope-1", FilePath: path})
	q.Enqueue("oracle", "hi", Meta{}, "dispatcher")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file after persist: %s", e.Name())
		}
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected queue file to exist: %v", err)
	}
}

func TestFlushAllRetriesEveryEntry(t *testing.T) {
	t.Parallel()
	q := newTestQueue(t, Config{SessionScopeID: "scope-1"})
	q.Enqueue("oracle", "a", Meta{}, "dispatcher")
	q.Enqueue("builder", "b", Meta{}, "dispatcher")

	delivered := q.FlushAll(func(e Entry) bool { return e.Target == "builder" })
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
}
