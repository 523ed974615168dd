//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the child into its own process group when group stop is
// requested, so terminate and kill can reach forked workers too.
func setProcAttr(cmd *exec.Cmd, group bool) {
	if group {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

func terminate(pid int, group bool) error {
	if group {
		return syscall.Kill(-pid, syscall.SIGTERM)
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}

func kill(pid int, group bool) error {
	if group {
		return syscall.Kill(-pid, syscall.SIGKILL)
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}
