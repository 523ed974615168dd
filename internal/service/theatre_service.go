package service

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/hub"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/logging"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/ports"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/registry"
)

type theatreService struct {
	hub      *hub.Hub
	alloc    *ports.Allocator
	procs    ProcessManager
	registry *registry.Registry
	cfg      *config.Config
	serverIP string

	events chan domain.Event

	mu     sync.Mutex
	timers map[string]*time.Timer // clientID -> handshake deadline

	// Verification rate limiting, keyed by peer address.
	lockMu    sync.Mutex
	failures  map[string]int
	lockedOut map[string]time.Time
}

func NewTheatreService(
	h *hub.Hub,
	alloc *ports.Allocator,
	procs ProcessManager,
	reg *registry.Registry,
	cfg *config.Config,
	serverIP string,
) TheatreService {
	return &theatreService{
		hub:       h,
		alloc:     alloc,
		procs:     procs,
		registry:  reg,
		cfg:       cfg,
		serverIP:  serverIP,
		events:    make(chan domain.Event, 64),
		timers:    make(map[string]*time.Timer),
		failures:  make(map[string]int),
		lockedOut: make(map[string]time.Time),
	}
}

func (s *theatreService) Events() <-chan domain.Event {
	return s.events
}

func (s *theatreService) Members() []domain.Member {
	return s.registry.Members()
}

// WatchHandshake disconnects clients that never complete verification.
func (s *theatreService) WatchHandshake(c *hub.Client) {
	t := time.AfterFunc(s.cfg.WebSocket.HandshakeTimeout, func() {
		if !c.State.IsPending() {
			return
		}
		l := logging.L()
		l.Warn().Str(logging.FieldClientID, c.ID).Msg("handshake deadline expired, dropping client")
		c.SendMessage(domain.NewErrorMessage(domain.ErrCodeVerification, "handshake timed out"))
		s.hub.Unregister(c)
	})

	s.mu.Lock()
	s.timers[c.ID] = t
	s.mu.Unlock()
}

func (s *theatreService) cancelHandshakeTimer(id string) {
	s.mu.Lock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *theatreService) HandleHandshake(ctx context.Context, c *hub.Client, msg *domain.HandshakeMessage) error {
	if !c.State.IsPending() {
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "handshake already completed"))
	}

	peer := peerHost(c)
	if s.isLockedOut(peer) {
		c.State.Reject()
		s.cancelHandshakeTimer(c.ID)
		c.SendMessage(&domain.HandshakeResultMessage{
			Type:     domain.MsgTypeHandshakeResult,
			Accepted: false,
			Reason:   "too many failed attempts, try again later",
		})
		s.hub.Unregister(c)
		return fmt.Errorf("%w: peer %s is locked out", domain.ErrVerification, peer)
	}

	if msg.Code != s.cfg.Network.VerificationCode {
		s.recordFailedCode(peer)
		c.State.Reject()
		s.cancelHandshakeTimer(c.ID)
		c.SendMessage(&domain.HandshakeResultMessage{
			Type:     domain.MsgTypeHandshakeResult,
			Accepted: false,
			Reason:   "verification failed",
		})
		// The queued result and a close frame drain before the socket drops.
		s.hub.Unregister(c)
		return fmt.Errorf("%w: client %s presented a wrong code", domain.ErrVerification, c.ID)
	}
	s.clearFailedCode(peer)

	lease, err := s.alloc.Acquire(c.ID)
	if err != nil {
		c.State.Reject()
		s.cancelHandshakeTimer(c.ID)
		c.SendMessage(&domain.HandshakeResultMessage{
			Type:     domain.MsgTypeHandshakeResult,
			Accepted: false,
			Reason:   "no distribution capacity left",
		})
		s.hub.Unregister(c)
		return err
	}

	procName := s.processNameFor(c.ID)
	if lease.First() {
		if err := s.procs.StartDistribution(ctx, procName, lease.Port); err != nil {
			s.alloc.Release(lease)
			c.State.Reject()
			s.cancelHandshakeTimer(c.ID)
			c.SendMessage(&domain.HandshakeResultMessage{
				Type:     domain.MsgTypeHandshakeResult,
				Accepted: false,
				Reason:   "distribution pipeline failed to start",
			})
			s.hub.Unregister(c)
			return err
		}
	}

	nickname, err := s.registry.Admit(c.ID, msg.Nickname, domain.RoleReceiver, lease, procName)
	if err != nil {
		s.procs.StopProcess(procName)
		s.alloc.Release(lease)
		c.State.Reject()
		s.cancelHandshakeTimer(c.ID)
		s.hub.Unregister(c)
		return err
	}

	c.State.Verify(nickname)
	s.cancelHandshakeTimer(c.ID)

	l := logging.L()
	l.Info().
		Str(logging.FieldClientID, c.ID).
		Str(logging.FieldNickname, nickname).
		Int(logging.FieldPort, lease.Port).
		Msg("client admitted")

	if err := c.SendMessage(&domain.HandshakeResultMessage{
		Type:       domain.MsgTypeHandshakeResult,
		Accepted:   true,
		Nickname:   nickname,
		IngestPort: lease.Port,
		ServerIP:   s.serverIP,
	}); err != nil {
		return err
	}

	s.hub.Broadcast(&domain.PresenceMessage{
		Type:     domain.MsgTypePresence,
		Nickname: nickname,
		Kind:     domain.PresenceJoined,
	}, c.ID)
	s.broadcastMembers()

	s.emit(domain.Event{
		Kind:         domain.EventPresence,
		Timestamp:    time.Now(),
		Nickname:     nickname,
		PresenceKind: domain.PresenceJoined,
	})
	return nil
}

func (s *theatreService) HandleChat(ctx context.Context, c *hub.Client, content string) error {
	if !c.State.IsVerified() {
		c.SendMessage(domain.NewErrorMessage(domain.ErrCodeUnauthorized, "complete the handshake first"))
		return fmt.Errorf("%w: chat from unverified client %s", domain.ErrUnauthorized, c.ID)
	}
	if content == "" {
		return c.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "empty chat message"))
	}
	s.touchLease(c.ID)

	now := time.Now()
	out := &domain.ChatMessageOut{
		Type:      domain.MsgTypeChat,
		Nickname:  c.State.GetNickname(),
		Content:   content,
		Timestamp: now.UnixMilli(),
	}

	exclude := ""
	if !s.cfg.Network.ChatEcho {
		exclude = c.ID
	}
	if err := s.hub.Broadcast(out, exclude); err != nil {
		return err
	}

	s.emit(domain.Event{
		Kind:      domain.EventChat,
		Timestamp: now,
		Nickname:  out.Nickname,
		Content:   content,
	})
	return nil
}

func (s *theatreService) HandleHeartbeat(c *hub.Client) error {
	s.touchLease(c.ID)
	return c.SendMessage(&domain.HeartbeatMessage{Type: domain.MsgTypeHeartbeat})
}

func (s *theatreService) HandleDisconnect(ctx context.Context, c *hub.Client) error {
	s.cancelHandshakeTimer(c.ID)

	entry := s.registry.Remove(c.ID)
	if entry == nil {
		return nil
	}

	last := false
	if entry.Lease != nil {
		last = s.alloc.Release(entry.Lease)
	}
	// In isolation mode the viewer's pipeline always dies with them, even
	// when the idle sweep released the lease first. In shared mode the
	// release that removed the last holder stops the pipeline.
	if s.cfg.Network.Isolation || last {
		if err := s.procs.StopProcess(entry.ProcessName); err != nil {
			l := logging.L()
			l.Warn().Err(err).Str(logging.FieldProcess, entry.ProcessName).Msg("failed to stop distribution process")
		}
	}

	s.hub.Broadcast(&domain.PresenceMessage{
		Type:     domain.MsgTypePresence,
		Nickname: entry.Nickname,
		Kind:     domain.PresenceLeft,
	}, c.ID)
	s.broadcastMembers()

	s.emit(domain.Event{
		Kind:         domain.EventPresence,
		Timestamp:    time.Now(),
		Nickname:     entry.Nickname,
		PresenceKind: domain.PresenceLeft,
	})
	return nil
}

func (s *theatreService) SendLocalChat(ctx context.Context, content string) error {
	if content == "" {
		return nil
	}

	now := time.Now()
	out := &domain.ChatMessageOut{
		Type:      domain.MsgTypeChat,
		Nickname:  s.registry.HostNickname(),
		Content:   content,
		Timestamp: now.UnixMilli(),
	}
	if err := s.hub.Broadcast(out, ""); err != nil {
		return err
	}

	s.emit(domain.Event{
		Kind:      domain.EventChat,
		Timestamp: now,
		Nickname:  out.Nickname,
		Content:   content,
	})
	return nil
}

// Start runs the idle sweep: leases with no chat or heartbeat activity for
// the idle timeout are reclaimed and their owners disconnected.
func (s *theatreService) Start(ctx context.Context) {
	if s.cfg.WebSocket.IdleTimeout <= 0 {
		return
	}
	go s.sweepLoop(ctx)
}

func (s *theatreService) sweepLoop(ctx context.Context) {
	interval := s.cfg.WebSocket.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, l := range s.alloc.ReapIdle(s.cfg.WebSocket.IdleTimeout) {
				lg := logging.L()
				lg.Info().
					Str(logging.FieldClientID, l.Owner).
					Int(logging.FieldPort, l.Port).
					Msg("reclaiming idle lease")
				s.hub.Kick(l.Owner)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *theatreService) touchLease(clientID string) {
	if e := s.registry.Get(clientID); e != nil && e.Lease != nil {
		e.Lease.Touch()
	}
}

func (s *theatreService) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

func (s *theatreService) broadcastMembers() {
	s.hub.Broadcast(&domain.MembersMessage{
		Type:    domain.MsgTypeMembers,
		Members: s.registry.Members(),
	}, "")

	s.emit(domain.Event{
		Kind:      domain.EventMembers,
		Timestamp: time.Now(),
		Members:   s.registry.Members(),
	})
}

// In isolation mode every viewer gets a pipeline of its own. In shared
// mode a single pipeline serves everyone, started by whichever lease the
// allocator marked First and stopped by the release that drops the last
// holder.
func (s *theatreService) processNameFor(clientID string) string {
	if s.cfg.Network.Isolation {
		return "distribution-" + clientID
	}
	return "distribution-shared"
}

func peerHost(c *hub.Client) string {
	if c.Conn == nil {
		return ""
	}
	addr := c.Conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (s *theatreService) isLockedOut(peer string) bool {
	if peer == "" || s.cfg.Network.MaxFailedAttempts <= 0 {
		return false
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	until, ok := s.lockedOut[peer]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.lockedOut, peer)
		delete(s.failures, peer)
		return false
	}
	return true
}

func (s *theatreService) recordFailedCode(peer string) {
	if peer == "" || s.cfg.Network.MaxFailedAttempts <= 0 {
		return
	}
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	s.failures[peer]++
	if s.failures[peer] >= s.cfg.Network.MaxFailedAttempts {
		s.lockedOut[peer] = time.Now().Add(s.cfg.Network.Lockout)
		l := logging.L()
		l.Warn().
			Str(logging.FieldRemote, peer).
			Int("attempts", s.failures[peer]).
			Msg("verification lockout engaged")
	}
}

func (s *theatreService) clearFailedCode(peer string) {
	if peer == "" {
		return
	}
	s.lockMu.Lock()
	delete(s.failures, peer)
	delete(s.lockedOut, peer)
	s.lockMu.Unlock()
}

func (s *theatreService) emit(ev domain.Event) {
	select {
	case s.events <- ev:
	default:
	}
}
