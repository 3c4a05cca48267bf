//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// sysProcAttr puts the vendor process in its own group so signals can
// be scoped to it. The production host is Windows; this keeps dev and
// CI environments honest.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// sendBreak approximates Ctrl-Break with SIGINT to the process group.
func sendBreak(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
}
