//go:build !windows

package proc

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// groupAttrs puts every stage in its own process group so a pipeline teardown
// can signal the whole group a stage spawned (e.g. a shell-composed
// "lzop | mbuffer" stage), not just its immediate pid.
func groupAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func signalAll(cmds []*exec.Cmd, kill bool) {
	sig := unix.SIGTERM
	if kill {
		sig = unix.SIGKILL
	}
	for _, cmd := range cmds {
		if cmd.Process == nil {
			continue
		}
		// Negative pid targets the whole process group created by Setpgid.
		_ = unix.Kill(-cmd.Process.Pid, sig)
	}
}
