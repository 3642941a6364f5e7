//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setDetachedProcess configures the worker child to run in its own session
// so it survives the parent's controlling terminal going away, while still
// exiting when the parent closes its stdio pipes (spec.md §4.8 "the child
// exits when the parent disconnects"). Adapted from the teacher's
// internal/util/proc_unix.go.
func setDetachedProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
