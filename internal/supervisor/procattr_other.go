//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func setProcAttr(cmd *exec.Cmd, group bool) {}

func terminate(pid int, group bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func kill(pid int, group bool) error {
	return terminate(pid, group)
}
