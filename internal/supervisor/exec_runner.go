package supervisor

import (
	"bufio"
	"os"
	"os/exec"
	"sync"
)

// execRunner launches real OS processes and forwards their output line by
// line through onLine.
type execRunner struct{}

type execHandle struct {
	cmd      *exec.Cmd
	group    bool
	waitOnce sync.Once
	scanWG   *sync.WaitGroup
	code     int
}

func (r *execRunner) Start(spec LaunchSpec, onLine func(stream, line string)) (Handle, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcAttr(cmd, spec.ProcessGroup)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			onLine("stdout", sc.Text())
		}
	}()
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
		for sc.Scan() {
			onLine("stderr", sc.Text())
		}
	}()

	return &execHandle{cmd: cmd, group: spec.ProcessGroup, scanWG: &wg}, nil
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Wait() int {
	h.waitOnce.Do(func() {
		h.scanWG.Wait()
		err := h.cmd.Wait()
		if err == nil {
			h.code = 0
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			h.code = exitErr.ExitCode()
			return
		}
		h.code = -1
	})
	return h.code
}

func (h *execHandle) Terminate() error {
	if h.cmd.Process == nil {
		return nil
	}
	return terminate(h.cmd.Process.Pid, h.group)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return kill(h.cmd.Process.Pid, h.group)
}
