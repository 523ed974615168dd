package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/handler"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/hub"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/logging"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/media"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/netutil"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/ports"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/registry"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/service"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/supervisor"
)

// Sender hosts a session: it runs the relay and ingest pipelines, serves
// signaling and chat, and hands each admitted viewer a distribution
// pipeline on a leased port.
type Sender struct {
	cfg      *config.Config
	nickname string

	machine  *Machine
	sup      *supervisor.Supervisor
	hub      *hub.Hub
	svc      service.TheatreService
	registry *registry.Registry
	alloc    *ports.Allocator
	httpSrv  *http.Server

	events chan domain.Event
	cancel context.CancelFunc

	failOnce sync.Once
	stopOnce sync.Once
}

func NewSender(cfg *config.Config, nickname string) *Sender {
	s := &Sender{
		cfg:      cfg,
		nickname: nickname,
		events:   make(chan domain.Event, 64),
	}
	s.machine = NewMachine(func(from, to State) {
		s.emit(domain.Event{
			Kind:      domain.EventState,
			Timestamp: time.Now(),
			State:     string(to),
		})
	})
	return s
}

// Events exposes chat, presence, roster and state changes to the
// presentation layer.
func (s *Sender) Events() <-chan domain.Event {
	return s.events
}

func (s *Sender) State() State {
	return s.machine.Current()
}

func (s *Sender) Members() []domain.Member {
	if s.svc == nil {
		return nil
	}
	return s.svc.Members()
}

// SendChat publishes a chat line under the host's nickname.
func (s *Sender) SendChat(content string) error {
	if s.svc == nil {
		return fmt.Errorf("session not started")
	}
	return s.svc.SendLocalChat(context.Background(), content)
}

// Start brings the whole sender side up: relay, ingest, signaling server
// and the optional local monitor. It returns once the session is Active.
func (s *Sender) Start(ctx context.Context) error {
	if err := s.machine.Transition(StateConfiguring); err != nil {
		return err
	}

	if s.cfg.Network.Isolation {
		s.alloc = ports.NewAllocator(s.cfg.Ports.Base, s.cfg.Ports.Size)
	} else {
		s.alloc = ports.NewShared(s.cfg.Ports.Base)
	}
	s.registry = registry.New(s.nickname, domain.RoleSender)
	s.sup = supervisor.NewExec(logging.NewProcessSink("media"))
	s.hub = hub.NewHub(s.cfg.WebSocket)

	serverIP := netutil.LocalIP(s.cfg.Network.PreferIPv6)
	s.svc = service.NewTheatreService(
		s.hub, s.alloc, newSupervisedProcesses(s.cfg, s.sup), s.registry, s.cfg, serverIP)

	// Claim the signaling port before touching any media process, so a
	// port conflict fails fast and cleanly.
	addr := netutil.HostPort(s.cfg.Network.BindAddress, s.cfg.Network.SignalingPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.machine.Transition(StateIdle)
		return fmt.Errorf("%w: signaling listener on %s: %v", domain.ErrBind, addr, err)
	}

	if err := s.machine.Transition(StateStarting); err != nil {
		ln.Close()
		return err
	}

	sctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run()
	s.svc.Start(sctx)

	mux := http.NewServeMux()
	handler.NewWSHandler(s.hub, s.svc, s.cfg.WebSocket).RegisterRoutes(mux)
	s.httpSrv = &http.Server{Handler: mux}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Fail(fmt.Errorf("%w: signaling server: %v", domain.ErrConnection, err))
		}
	}()

	rtmpAddr := netutil.HostPort("127.0.0.1", s.cfg.Network.RTMPPort)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error {
		if err := s.sup.Spawn(gctx, "relay", supervisor.RoleRelay,
			media.RelaySpec(s.cfg), media.Policy(s.cfg.Retry.Relay)); err != nil {
			return err
		}
		return netutil.WaitForListener(rtmpAddr, s.cfg.Playback.StopGrace)
	})
	g.Go(func() error {
		// FFmpeg reconnects to the relay on its own, so ingest does not
		// have to wait for the RTMP listener.
		return s.sup.Spawn(gctx, "ingest", supervisor.RoleIngest,
			media.IngestSpec(s.cfg), media.Policy(s.cfg.Retry.Ingest))
	})
	if err := g.Wait(); err != nil {
		s.teardown()
		s.machine.Transition(StateFailed)
		s.machine.Transition(StateIdle)
		return err
	}

	if s.cfg.Playback.EnableLocalPlay {
		if err := s.sup.Spawn(sctx, "playback", supervisor.RolePlayback,
			media.SenderPlaybackSpec(s.cfg), media.Policy(s.cfg.Retry.Playback)); err != nil {
			l := logging.L()
			l.Warn().Err(err).Msg("local playback unavailable, continuing without it")
		}
	}

	go s.watchSupervisor(sctx)
	go s.forwardServiceEvents(sctx)

	if err := s.machine.Transition(StateActive); err != nil {
		return err
	}

	l := logging.L()
	l.Info().
		Str("addr", addr).
		Str("server_ip", serverIP).
		Int(logging.FieldPort, s.cfg.Network.SRTInputPort).
		Msg("theatre session active")
	return nil
}

// Stop tears the session down in reverse bring-up order and returns it to
// Idle.
func (s *Sender) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.machine.Current() == StateIdle {
			return
		}
		if terr := s.machine.Transition(StateStopping); terr != nil {
			err = terr
			return
		}
		s.teardown()
		err = s.machine.Transition(StateIdle)
	})
	return err
}

// Fail marks the session Failed, releases everything it holds and settles
// back to Idle.
func (s *Sender) Fail(cause error) {
	s.failOnce.Do(func() {
		l := logging.L()
		l.Error().Err(cause).Msg("session failed")

		s.emit(domain.Event{
			Kind:      domain.EventState,
			Timestamp: time.Now(),
			State:     string(StateFailed),
			Cause:     cause.Error(),
		})
		s.machine.Transition(StateFailed)
		s.teardown()
		s.machine.Transition(StateIdle)
	})
}

func (s *Sender) teardown() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.svc != nil {
		s.svc.Stop()
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	if s.sup != nil {
		s.sup.StopAll(s.cfg.Playback.StopGrace)
	}
}

func (s *Sender) watchSupervisor(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.sup.Events():
			if !ok {
				return
			}
			s.handleProcessEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

// handleProcessEvent reacts to a managed process exhausting its restart
// budget. Local playback is best effort and never fatal, and a per-viewer
// distribution pipeline only costs that viewer their seat. Everything
// else takes the session down.
func (s *Sender) handleProcessEvent(ev supervisor.Event) {
	if ev.State != supervisor.StateStopped || ev.Err == nil {
		return
	}
	switch ev.Role {
	case supervisor.RolePlayback:
		return
	case supervisor.RoleDistribution:
		clientID := strings.TrimPrefix(ev.Name, "distribution-")
		if clientID != "shared" {
			l := logging.L()
			l.Warn().
				Err(ev.Err).
				Str(logging.FieldClientID, clientID).
				Msg("distribution pipeline gave up, dropping its viewer")
			s.hub.Kick(clientID)
			return
		}
	}
	s.Fail(fmt.Errorf("process %s: %w", ev.Name, ev.Err))
}

func (s *Sender) forwardServiceEvents(ctx context.Context) {
	for {
		select {
		case ev, ok := <-s.svc.Events():
			if !ok {
				return
			}
			s.emit(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) emit(ev domain.Event) {
	select {
	case s.events <- ev:
	default:
	}
}
