package state

import (
	"path/filepath"
	"testing"
)

func TestRootDirHonorsOverride(t *testing.T) {
	t.Setenv(StateDirEnv, "/tmp/commsbus-test-root")
	t.Setenv(xdgStateHomeEnv, "")
	root, err := RootDir()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if root != "/tmp/commsbus-test-root" {
		t.Errorf("root = %q, want override path", root)
	}
}

func TestRootDirHonorsXDG(t *testing.T) {
	t.Setenv(StateDirEnv, "")
	t.Setenv(xdgStateHomeEnv, "/tmp/xdg-state")
	root, err := RootDir()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join("/tmp/xdg-state", appName)
	if root != want {
		t.Errorf("root = %q, want %q", root, want)
	}
}

func TestQueueFilePath(t *testing.T) {
	t.Setenv(StateDirEnv, "/tmp/commsbus-test-root")
	path, err := QueueFilePath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.Join("/tmp/commsbus-test-root", "state", "comms-outbound-queue.json")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
}

func TestNormalizePathRejectsEmpty(t *testing.T) {
	if _, err := normalizePath(""); err == nil {
		t.Error("expected error for empty path")
	}
}
