//go:build windows

package proc

import (
	"os/exec"
	"syscall"
)

func groupAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow: true,
	}
}

func signalAll(cmds []*exec.Cmd, kill bool) {
	// Windows has no SIGTERM; Kill is the only escalation available.
	for _, cmd := range cmds {
		if cmd.Process == nil {
			continue
		}
		_ = cmd.Process.Kill()
	}
}
