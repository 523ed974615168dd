// Package supervisor starts, monitors, restarts and stops one external OS
// process per managed role (ingest, distribution, relay, playback). Each
// process is watched by its own monitor goroutine; everyone else observes
// it only through published lifecycle events.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
)

// Managed-process role tags.
const (
	RoleIngest       = "ingest"
	RoleDistribution = "distribution"
	RoleRelay        = "relay"
	RolePlayback     = "playback"
)

// State is the observed state of a managed process. Transitions are
// monotonic per attempt: starting -> running -> {stopped | crashed}.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateCrashed  State = "crashed"
)

// LaunchSpec describes how to start an external program. Readiness is a
// caller-supplied predicate ("port accepting connections"); when nil the
// process counts as running once the grace period elapses without an early
// exit. The supervisor itself never understands media-specific readiness.
type LaunchSpec struct {
	Path      string
	Args      []string
	Dir       string
	Env       []string
	Readiness func(ctx context.Context) error
	Grace     time.Duration

	// ProcessGroup makes stop target the whole process tree. Needed for
	// programs that fork workers, like nginx.
	ProcessGroup bool
}

// RetryPolicy configures how unexpected exits are handled for one process.
type RetryPolicy struct {
	Mode        string // "infinite" | "bounded"
	Interval    time.Duration
	MaxAttempts int
	Backoff     bool
}

// Event is a lifecycle notification published by a monitor goroutine.
type Event struct {
	Name         string
	Role         string
	State        State
	RestartCount int
	ExitCode     int
	Err          error
}

// Sink receives process output lines. The supervisor only forwards; it
// never parses.
type Sink interface {
	Write(role, instance, stream, line string)
}

// Handle is a started OS process as seen by the monitor.
type Handle interface {
	PID() int
	// Wait blocks until exit and returns the exit code (-1 if unknown).
	Wait() int
	Terminate() error
	Kill() error
}

// Runner launches processes. The exec-backed implementation is the default;
// tests substitute their own.
type Runner interface {
	Start(spec LaunchSpec, onLine func(stream, line string)) (Handle, error)
}

type proc struct {
	name   string
	role   string
	spec   LaunchSpec
	policy RetryPolicy

	cancel context.CancelFunc
	done   chan struct{} // closed when the monitor goroutine returns

	mu           sync.Mutex
	desired      State // StateRunning | StateStopped
	state        State
	restartCount int
	lastExit     int
	handle       Handle
}

func (p *proc) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *proc) snapshot() (State, int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.restartCount, p.lastExit
}

// Supervisor owns all managed processes for one session.
type Supervisor struct {
	runner Runner
	sink   Sink

	mu     sync.Mutex
	procs  map[string]*proc
	events chan Event
	wg     sync.WaitGroup
}

// New creates a supervisor with a custom runner. Use NewExec for real
// processes.
func New(runner Runner, sink Sink) *Supervisor {
	return &Supervisor{
		runner: runner,
		sink:   sink,
		procs:  make(map[string]*proc),
		events: make(chan Event, 128),
	}
}

// NewExec creates a supervisor backed by os/exec.
func NewExec(sink Sink) *Supervisor {
	return New(&execRunner{}, sink)
}

// Events returns the lifecycle event stream. Events are dropped rather
// than letting a slow consumer stall a monitor.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Spawn launches the program under the given unique name and starts its
// monitor. Fails with domain.ErrProcessLaunch if the very first start
// attempt cannot even be issued; later failures go through the retry
// policy instead.
func (s *Supervisor) Spawn(ctx context.Context, name, role string, spec LaunchSpec, policy RetryPolicy) error {
	s.mu.Lock()
	if _, exists := s.procs[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("process %q already managed", name)
	}

	pctx, cancel := context.WithCancel(ctx)
	p := &proc{
		name:    name,
		role:    role,
		spec:    spec,
		policy:  policy,
		cancel:  cancel,
		done:    make(chan struct{}),
		desired: StateRunning,
		state:   StateStopped,
	}
	s.procs[name] = p
	s.wg.Add(1)
	s.mu.Unlock()

	go s.monitor(pctx, p)
	return nil
}

// Stop requests graceful termination and escalates to kill when the
// process has not exited within graceTimeout. The process always ends in
// StateStopped once the OS confirms exit.
func (s *Supervisor) Stop(name string, graceTimeout time.Duration) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("process %q not managed", name)
	}

	p.mu.Lock()
	p.desired = StateStopped
	h := p.handle
	p.mu.Unlock()

	// Abort any pending restart wait.
	p.cancel()

	if h != nil {
		_ = h.Terminate()
	}

	select {
	case <-p.done:
	case <-time.After(graceTimeout):
		if h != nil {
			_ = h.Kill()
		}
		<-p.done
	}

	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
	return nil
}

// StopAll stops every managed process, used at session teardown.
func (s *Supervisor) StopAll(graceTimeout time.Duration) {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		_ = s.Stop(name, graceTimeout)
	}
	s.wg.Wait()
}

// State returns the observed state of a managed process.
func (s *Supervisor) State(name string) (State, bool) {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return StateStopped, false
	}
	st, _, _ := p.snapshot()
	return st, true
}

// RestartCount returns how many times the process has been restarted.
func (s *Supervisor) RestartCount(name string) int {
	s.mu.Lock()
	p, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	_, rc, _ := p.snapshot()
	return rc
}

func (s *Supervisor) emit(p *proc, err error) {
	st, rc, exit := p.snapshot()
	ev := Event{
		Name:         p.name,
		Role:         p.role,
		State:        st,
		RestartCount: rc,
		ExitCode:     exit,
		Err:          err,
	}
	select {
	case s.events <- ev:
	default:
	}
}

// monitor owns the full lifecycle of one managed process: start attempts,
// readiness, exit detection and the restart policy. It is the only writer
// of the proc's state.
func (s *Supervisor) monitor(ctx context.Context, p *proc) {
	defer s.wg.Done()
	defer close(p.done)

	for {
		p.setState(StateStarting)
		s.emit(p, nil)

		onLine := func(stream, line string) {
			if s.sink != nil {
				s.sink.Write(p.role, p.name, stream, line)
			}
		}

		handle, err := s.runner.Start(p.spec, onLine)
		if err != nil {
			p.mu.Lock()
			p.lastExit = -1
			p.mu.Unlock()
			if !s.handleFailure(ctx, p, fmt.Errorf("%w: %v", domain.ErrProcessLaunch, err)) {
				return
			}
			continue
		}

		p.mu.Lock()
		p.handle = handle
		p.mu.Unlock()

		exited := make(chan int, 1)
		go func() { exited <- handle.Wait() }()

		if !s.awaitReady(ctx, p, exited) {
			// Early exit during startup, or teardown.
			if s.finalizeIfStopping(ctx, p) {
				return
			}
			if !s.handleFailure(ctx, p, fmt.Errorf("%w: exited during startup", domain.ErrProcessLaunch)) {
				return
			}
			continue
		}

		p.setState(StateRunning)
		s.emit(p, nil)

		select {
		case code := <-exited:
			p.mu.Lock()
			p.lastExit = code
			p.mu.Unlock()
			if s.finalizeIfStopping(ctx, p) {
				return
			}
			if !s.handleFailure(ctx, p, fmt.Errorf("process exited unexpectedly with code %d", code)) {
				return
			}

		case <-ctx.Done():
			_ = handle.Terminate()
			code := <-exited
			p.mu.Lock()
			p.lastExit = code
			p.state = StateStopped
			p.mu.Unlock()
			s.emit(p, nil)
			return
		}
	}
}

// awaitReady waits for readiness (predicate or grace period) while watching
// for an early exit. Returns false on early exit or cancellation.
func (s *Supervisor) awaitReady(ctx context.Context, p *proc, exited chan int) bool {
	grace := p.spec.Grace
	if grace <= 0 {
		grace = time.Second
	}

	ready := make(chan error, 1)
	if p.spec.Readiness != nil {
		rctx, rcancel := context.WithTimeout(ctx, grace)
		defer rcancel()
		go func() { ready <- p.spec.Readiness(rctx) }()
	} else {
		t := time.NewTimer(grace)
		defer t.Stop()
		go func() {
			<-t.C
			ready <- nil
		}()
	}

	select {
	case code := <-exited:
		p.mu.Lock()
		p.lastExit = code
		p.mu.Unlock()
		return false
	case err := <-ready:
		if err != nil {
			// Predicate failed within the grace window; the process is
			// still up, so treat it as running anyway and let the exit
			// monitor catch real failures.
			return true
		}
		return true
	case <-ctx.Done():
		p.mu.Lock()
		h := p.handle
		p.mu.Unlock()
		if h != nil {
			_ = h.Terminate()
		}
		<-exited
		return false
	}
}

// finalizeIfStopping transitions to stopped and reports true when the exit
// was requested (teardown or explicit Stop).
func (s *Supervisor) finalizeIfStopping(ctx context.Context, p *proc) bool {
	p.mu.Lock()
	stopping := p.desired == StateStopped
	p.mu.Unlock()

	if stopping || ctx.Err() != nil {
		p.setState(StateStopped)
		s.emit(p, nil)
		return true
	}
	return false
}

// handleFailure applies the retry policy after a crash. Returns false when
// the process has been finalized (budget exhausted or cancelled) and the
// monitor must exit.
func (s *Supervisor) handleFailure(ctx context.Context, p *proc, cause error) bool {
	p.setState(StateCrashed)
	s.emit(p, cause)

	p.mu.Lock()
	rc := p.restartCount
	p.mu.Unlock()

	if p.policy.Mode == "bounded" && rc >= p.policy.MaxAttempts {
		p.setState(StateStopped)
		s.emit(p, fmt.Errorf("restart budget exhausted after %d attempts: %w", rc, cause))
		return false
	}

	p.mu.Lock()
	p.restartCount++
	rc = p.restartCount
	p.mu.Unlock()

	wait := p.policy.Interval
	if wait <= 0 {
		wait = time.Second
	}
	if p.policy.Backoff {
		for i := 1; i < rc && wait < 30*time.Second; i++ {
			wait *= 2
		}
		if wait > 30*time.Second {
			wait = 30 * time.Second
		}
	}

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		p.setState(StateStopped)
		s.emit(p, nil)
		return false
	}
}
