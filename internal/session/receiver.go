package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/client"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/logging"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/media"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/netutil"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/supervisor"
)

// Receiver joins a hosted session: it completes the signaling handshake,
// then starts local playback against the SRT port the host assigned.
type Receiver struct {
	cfg       *config.Config
	nickname  string
	serverURL string

	machine *Machine
	sup     *supervisor.Supervisor

	sigMu sync.Mutex
	sig   *client.Client

	events chan domain.Event
	cancel context.CancelFunc

	failOnce sync.Once
	stopOnce sync.Once
}

// NewReceiver builds a receiver for a host address like "10.0.0.5:10086"
// (IPv6 hosts bracketed).
func NewReceiver(cfg *config.Config, nickname, serverAddr string) *Receiver {
	r := &Receiver{
		cfg:       cfg,
		nickname:  nickname,
		serverURL: fmt.Sprintf("ws://%s/theatre/ws", serverAddr),
		events:    make(chan domain.Event, 64),
	}
	r.machine = NewMachine(func(from, to State) {
		r.emit(domain.Event{
			Kind:      domain.EventState,
			Timestamp: time.Now(),
			State:     string(to),
		})
	})
	return r
}

func (r *Receiver) Events() <-chan domain.Event {
	return r.events
}

func (r *Receiver) State() State {
	return r.machine.Current()
}

// SendChat publishes a chat line to the session.
func (r *Receiver) SendChat(content string) error {
	r.sigMu.Lock()
	sig := r.sig
	r.sigMu.Unlock()
	if sig == nil {
		return fmt.Errorf("session not started")
	}
	return sig.SendChat(content)
}

func (r *Receiver) newSignalingClient() *client.Client {
	return client.New(client.Options{
		URL:      r.serverURL,
		Nickname: r.nickname,
		Code:     r.cfg.Network.VerificationCode,
		Retries:  r.cfg.Reconnect.Retries,
		Interval: r.cfg.Reconnect.Interval,
		WS:       r.cfg.WebSocket,
	}, r)
}

// Start connects to the host and returns once the handshake was accepted.
// Playback starts on its own after the settle delay.
func (r *Receiver) Start(ctx context.Context) error {
	if err := r.machine.Transition(StateConfiguring); err != nil {
		return err
	}

	r.sup = supervisor.NewExec(logging.NewProcessSink("media"))
	r.sigMu.Lock()
	r.sig = r.newSignalingClient()
	sig := r.sig
	r.sigMu.Unlock()

	if err := r.machine.Transition(StateStarting); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := sig.Connect(ctx); err != nil {
		r.teardown()
		r.machine.Transition(StateFailed)
		r.machine.Transition(StateIdle)
		return err
	}

	go r.watchSupervisor(sctx)

	return r.machine.Transition(StateActive)
}

// Stop leaves the session and kills local playback.
func (r *Receiver) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		if r.machine.Current() == StateIdle {
			return
		}
		if terr := r.machine.Transition(StateStopping); terr != nil {
			err = terr
			return
		}
		r.teardown()
		err = r.machine.Transition(StateIdle)
	})
	return err
}

func (r *Receiver) fail(cause error) {
	r.failOnce.Do(func() {
		l := logging.L()
		l.Error().Err(cause).Msg("session failed")

		r.emit(domain.Event{
			Kind:      domain.EventState,
			Timestamp: time.Now(),
			State:     string(StateFailed),
			Cause:     cause.Error(),
		})
		r.machine.Transition(StateFailed)
		r.teardown()
		r.machine.Transition(StateIdle)
	})
}

func (r *Receiver) teardown() {
	if r.cancel != nil {
		r.cancel()
	}
	r.sigMu.Lock()
	sig := r.sig
	r.sigMu.Unlock()
	if sig != nil {
		sig.Close()
	}
	if r.sup != nil {
		r.sup.StopAll(r.cfg.Playback.StopGrace)
	}
}

func (r *Receiver) emit(ev domain.Event) {
	select {
	case r.events <- ev:
	default:
	}
}

func (r *Receiver) watchSupervisor(ctx context.Context) {
	for {
		select {
		case ev, ok := <-r.sup.Events():
			if !ok {
				return
			}
			if ev.State == supervisor.StateStopped && ev.Err != nil {
				r.fail(fmt.Errorf("process %s: %w", ev.Name, ev.Err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// OnStreamReady schedules playback once the distribution pipeline has had
// time to settle. Starting mpv immediately tends to race the first SRT
// handshake and stall.
func (r *Receiver) OnStreamReady(nickname, host string, port int) {
	l := logging.L()
	l.Info().
		Str(logging.FieldNickname, nickname).
		Str(logging.FieldRemote, netutil.HostPort(host, port)).
		Msg("stream ready, playback starts after settle delay")

	if !r.cfg.Playback.EnableLocalPlay {
		return
	}

	time.AfterFunc(r.cfg.Playback.SettleDelay, func() {
		if r.machine.Current() != StateActive && r.machine.Current() != StateStarting {
			return
		}
		// After a reconnect the host may assign a different port, so any
		// playback from the previous connection is replaced.
		if _, ok := r.sup.State("playback"); ok {
			r.sup.Stop("playback", r.cfg.Playback.StopGrace)
		}
		if err := r.sup.Spawn(context.Background(), "playback", supervisor.RolePlayback,
			media.ReceiverPlaybackSpec(r.cfg, host, port),
			media.Policy(r.cfg.Retry.Playback)); err != nil {
			r.fail(err)
		}
	})
}

func (r *Receiver) OnChat(nickname, content string, at time.Time) {
	r.emit(domain.Event{
		Kind:      domain.EventChat,
		Timestamp: at,
		Nickname:  nickname,
		Content:   content,
	})
}

func (r *Receiver) OnPresence(nickname, kind string) {
	r.emit(domain.Event{
		Kind:         domain.EventPresence,
		Timestamp:    time.Now(),
		Nickname:     nickname,
		PresenceKind: kind,
	})
}

func (r *Receiver) OnMembers(members []domain.Member) {
	r.emit(domain.Event{
		Kind:      domain.EventMembers,
		Timestamp: time.Now(),
		Members:   members,
	})
}

func (r *Receiver) OnServerError(code, message string) {
	l := logging.L()
	l.Warn().Str("code", code).Msg(message)
}

// OnDisconnect tries to rejoin when the connection drops mid-session. A
// deliberate local Stop closes the socket too, in which case the state
// machine is already past Active and nothing happens.
func (r *Receiver) OnDisconnect(err error) {
	st := r.machine.Current()
	if st == StateStopping || st == StateIdle {
		return
	}
	if err == nil {
		err = fmt.Errorf("%w: host closed the session", domain.ErrConnection)
	}
	go r.reconnect(err)
}

// reconnect redials and redoes the handshake; the retry budget lives in
// the client's Connect. A fresh handshake means a fresh lease, so the
// stream-ready callback restarts playback on whatever port comes back.
func (r *Receiver) reconnect(cause error) {
	l := logging.L()
	l.Warn().Err(cause).Msg("signaling connection lost, rejoining")

	sig := r.newSignalingClient()
	if err := sig.Connect(context.Background()); err != nil {
		r.fail(fmt.Errorf("rejoin failed: %w", err))
		return
	}

	r.sigMu.Lock()
	r.sig = sig
	r.sigMu.Unlock()
}
