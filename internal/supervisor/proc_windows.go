//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setDetachedProcess configures the worker child as a new process group on
// Windows. Adapted from the teacher's internal/util/proc_windows.go.
func setDetachedProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
