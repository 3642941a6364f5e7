// Package state centralizes filesystem locations for commsbus runtime
// artifacts. Adapted from the teacher's internal/state/paths.go: same
// resolution order and normalizePath/InRoot helpers, renamed for this
// module's single coord-root concept (spec.md §4.5, §6).
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// StateDirEnv overrides the default runtime state root.
	StateDirEnv = "COMMSBUS_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "commsbus"
)

// RootDir returns the runtime state root (the spec's "<coord-root>").
// Resolution order:
//  1. COMMSBUS_STATE_DIR (if set)
//  2. XDG_STATE_HOME/commsbus (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/commsbus (cross-platform fallback)
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(StateDirEnv)); override != "" {
		return normalizePath(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

// InRoot returns a path rooted under RootDir with additional path elements.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
}

// QueueFilePath returns the Outbound Queue's durable JSON file path:
// <coord-root>/state/comms-outbound-queue.json (spec.md §4.5/§6).
func QueueFilePath() (string, error) {
	return InRoot("state", "comms-outbound-queue.json")
}

// ConfigFile returns the optional YAML config-reload file path
// (<coord-root>/commsd.yaml, see SPEC_FULL.md §13).
func ConfigFile() (string, error) {
	return InRoot("commsd.yaml")
}

// PIDFile returns the PID file path for the given daemon port.
func PIDFile(port int) (string, error) {
	return InRoot("run", "commsd-"+strconv.Itoa(port)+".pid")
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(absPath), nil
}
