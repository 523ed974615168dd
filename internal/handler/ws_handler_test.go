package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/hub"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/ports"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/registry"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/service"
)

type fakeProcs struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeProcs) StartDistribution(_ context.Context, name string, port int) error {
	f.mu.Lock()
	f.started = append(f.started, fmt.Sprintf("%s:%d", name, port))
	f.mu.Unlock()
	return nil
}

func (f *fakeProcs) StopProcess(name string) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeProcs) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func (f *fakeProcs) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func (f *fakeProcs) startedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Network.VerificationCode = "114514"
	cfg.Network.Isolation = true
	cfg.Network.ChatEcho = true
	cfg.WebSocket = config.WebSocketConfig{
		PingInterval:     20 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
		IdleTimeout:      time.Minute,
		MaxMessageSize:   4096,
	}
	return cfg
}

type testEnv struct {
	srv   *httptest.Server
	url   string
	alloc *ports.Allocator
	reg   *registry.Registry
	procs *fakeProcs
	svc   service.TheatreService
}

func newTestEnv(t *testing.T, cfg *config.Config, poolBase, poolSize int) *testEnv {
	t.Helper()

	h := hub.NewHub(cfg.WebSocket)
	go h.Run()

	// Same allocator choice the session makes from the isolation flag.
	var alloc *ports.Allocator
	if cfg.Network.Isolation {
		alloc = ports.NewAllocator(poolBase, poolSize)
	} else {
		alloc = ports.NewShared(poolBase)
	}
	reg := registry.New("host", domain.RoleSender)
	procs := &fakeProcs{}
	svc := service.NewTheatreService(h, alloc, procs, reg, cfg, "192.0.2.1")

	mux := http.NewServeMux()
	NewWSHandler(h, svc, cfg.WebSocket).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		svc.Stop()
		srv.Close()
	})

	return &testEnv{
		srv:   srv,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/theatre/ws",
		alloc: alloc,
		reg:   reg,
		procs: procs,
		svc:   svc,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendHandshake(t *testing.T, conn *websocket.Conn, nickname, code string) {
	t.Helper()
	err := conn.WriteJSON(&domain.HandshakeMessage{
		Type:     domain.MsgTypeHandshake,
		Version:  domain.ProtocolVersion,
		Nickname: nickname,
		Code:     code,
	})
	if err != nil {
		t.Fatalf("write handshake: %v", err)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m map[string]interface{}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return m
}

// nextOfType drains messages until one of the wanted type arrives.
func nextOfType(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		m := readMsg(t, conn)
		if m["type"] == msgType {
			return m
		}
	}
	t.Fatalf("no %s message within 20 reads", msgType)
	return nil
}

func join(t *testing.T, env *testEnv, nickname string) (*websocket.Conn, map[string]interface{}) {
	t.Helper()
	conn := dial(t, env.url)
	sendHandshake(t, conn, nickname, "114514")
	result := nextOfType(t, conn, domain.MsgTypeHandshakeResult)
	if result["accepted"] != true {
		t.Fatalf("handshake rejected: %v", result["reason"])
	}
	return conn, result
}

func TestHandshakeWrongCodeRejected(t *testing.T) {
	env := newTestEnv(t, testConfig(), 9001, 10)

	conn := dial(t, env.url)
	sendHandshake(t, conn, "mallory", "000000")

	result := nextOfType(t, conn, domain.MsgTypeHandshakeResult)
	if result["accepted"] != false {
		t.Fatal("wrong code must be rejected")
	}

	// The server drops the connection after the rejection.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for i := 0; i < 5; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	if env.reg.Len() != 0 {
		t.Errorf("rejected client must not be registered")
	}
	if env.alloc.ActiveCount() != 0 {
		t.Errorf("rejected client must not hold a port lease")
	}
	if env.procs.startedCount() != 0 {
		t.Errorf("rejected client must not get a distribution process")
	}
}

func TestVerificationLockoutRefusesPeer(t *testing.T) {
	cfg := testConfig()
	cfg.Network.MaxFailedAttempts = 2
	cfg.Network.Lockout = time.Minute
	env := newTestEnv(t, cfg, 9001, 10)

	for i := 0; i < 2; i++ {
		conn := dial(t, env.url)
		sendHandshake(t, conn, "mallory", "000000")
		result := nextOfType(t, conn, domain.MsgTypeHandshakeResult)
		if result["accepted"] != false {
			t.Fatal("wrong code must be rejected")
		}
		conn.Close()
	}

	// Even the right code is refused while the lockout holds.
	conn := dial(t, env.url)
	sendHandshake(t, conn, "mallory", "114514")
	result := nextOfType(t, conn, domain.MsgTypeHandshakeResult)
	if result["accepted"] != false {
		t.Fatal("locked-out peer must be refused")
	}
	if reason, _ := result["reason"].(string); !strings.Contains(reason, "too many failed attempts") {
		t.Errorf("expected lockout reason, got %v", result["reason"])
	}
	if env.reg.Len() != 0 {
		t.Errorf("locked-out peer must not be registered")
	}
}

func TestHandshakeAcceptedAssignsPort(t *testing.T) {
	env := newTestEnv(t, testConfig(), 9001, 10)

	conn, result := join(t, env, "alice")
	defer conn.Close()

	if int(result["ingest_port"].(float64)) != 9001 {
		t.Errorf("expected lowest pool port 9001, got %v", result["ingest_port"])
	}
	if result["server_ip"] != "192.0.2.1" {
		t.Errorf("expected advertised server ip, got %v", result["server_ip"])
	}
	if result["nickname"] != "alice" {
		t.Errorf("expected nickname alice, got %v", result["nickname"])
	}

	members := nextOfType(t, conn, domain.MsgTypeMembers)
	list := members["members"].([]interface{})
	if len(list) != 2 {
		t.Errorf("roster should have host and alice, got %d entries", len(list))
	}

	if env.procs.startedCount() != 1 {
		t.Errorf("expected one distribution process, got %d", env.procs.startedCount())
	}
}

func TestDuplicateNicknameGetsSuffix(t *testing.T) {
	env := newTestEnv(t, testConfig(), 9001, 10)

	c1, _ := join(t, env, "saber")
	defer c1.Close()

	_, result := join(t, env, "saber")
	if result["nickname"] != "saber_2" {
		t.Errorf("expected deduplicated nickname saber_2, got %v", result["nickname"])
	}
}

func TestChatBroadcastOrderAndEcho(t *testing.T) {
	env := newTestEnv(t, testConfig(), 9001, 10)

	bob, _ := join(t, env, "bob")
	alice, _ := join(t, env, "alice")

	for _, content := range []string{"m1", "m2", "m3"} {
		if err := alice.WriteJSON(&domain.ChatMessageIn{Type: domain.MsgTypeChat, Content: content}); err != nil {
			t.Fatalf("write chat: %v", err)
		}
	}

	// Bob sees alice's messages in send order.
	for _, want := range []string{"m1", "m2", "m3"} {
		msg := nextOfType(t, bob, domain.MsgTypeChat)
		if msg["content"] != want || msg["nickname"] != "alice" {
			t.Fatalf("expected %q from alice, got %v from %v", want, msg["content"], msg["nickname"])
		}
	}

	// Echo is enabled, so alice sees her own messages too.
	msg := nextOfType(t, alice, domain.MsgTypeChat)
	if msg["content"] != "m1" {
		t.Errorf("expected echoed m1, got %v", msg["content"])
	}
}

func TestChatBeforeHandshakeUnauthorized(t *testing.T) {
	env := newTestEnv(t, testConfig(), 9001, 10)

	conn := dial(t, env.url)
	if err := conn.WriteJSON(&domain.ChatMessageIn{Type: domain.MsgTypeChat, Content: "sneaky"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	msg := nextOfType(t, conn, domain.MsgTypeError)
	if msg["code"] != domain.ErrCodeUnauthorized {
		t.Errorf("expected %s, got %v", domain.ErrCodeUnauthorized, msg["code"])
	}
}

func TestDisconnectReleasesPortForReuse(t *testing.T) {
	env := newTestEnv(t, testConfig(), 9001, 10)

	alice, result := join(t, env, "alice")
	if int(result["ingest_port"].(float64)) != 9001 {
		t.Fatalf("expected port 9001, got %v", result["ingest_port"])
	}

	bob, _ := join(t, env, "bob")
	defer bob.Close()

	alice.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && env.alloc.ActiveCount() != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if env.alloc.ActiveCount() != 1 {
		t.Fatal("alice's lease was never released")
	}

	presence := nextOfType(t, bob, domain.MsgTypePresence)
	for presence["kind"] != domain.PresenceLeft {
		presence = nextOfType(t, bob, domain.MsgTypePresence)
	}
	if presence["nickname"] != "alice" {
		t.Errorf("expected left presence for alice, got %v", presence["nickname"])
	}

	// The freed port is the lowest again and goes to the next viewer.
	_, result = join(t, env, "carol")
	if int(result["ingest_port"].(float64)) != 9001 {
		t.Errorf("expected reclaimed port 9001, got %v", result["ingest_port"])
	}
}

func TestPoolExhaustedRejectsViewer(t *testing.T) {
	env := newTestEnv(t, testConfig(), 9001, 1)

	c1, _ := join(t, env, "first")
	defer c1.Close()

	conn := dial(t, env.url)
	sendHandshake(t, conn, "second", "114514")
	result := nextOfType(t, conn, domain.MsgTypeHandshakeResult)
	if result["accepted"] != false {
		t.Fatal("expected rejection when the pool is exhausted")
	}
}

func TestSharedModeSingleProcessLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Network.Isolation = false
	env := newTestEnv(t, cfg, 9001, 0)

	alice, result := join(t, env, "alice")
	if int(result["ingest_port"].(float64)) != 9001 {
		t.Fatalf("shared mode must hand out the configured port, got %v", result["ingest_port"])
	}
	bob, _ := join(t, env, "bob")

	// One pipeline serves both viewers.
	if got := env.procs.startedNames(); len(got) != 1 || got[0] != "distribution-shared:9001" {
		t.Fatalf("expected a single shared process start, got %v", got)
	}

	// The first viewer leaving keeps the pipeline alive for the second.
	alice.Close()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && env.alloc.ActiveCount() != 1 {
		time.Sleep(5 * time.Millisecond)
	}
	if env.procs.stoppedCount() != 0 {
		t.Fatal("shared process stopped while a viewer remained")
	}

	bob.Close()
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && env.procs.stoppedCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if env.procs.stoppedCount() != 1 {
		t.Fatal("shared process should stop with the last viewer")
	}
}

func TestSharedModeConcurrentJoinsStartOneProcess(t *testing.T) {
	cfg := testConfig()
	cfg.Network.Isolation = false
	env := newTestEnv(t, cfg, 9001, 0)

	const viewers = 8
	var wg sync.WaitGroup
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(env.url, nil)
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()
			if err := conn.WriteJSON(&domain.HandshakeMessage{
				Type:     domain.MsgTypeHandshake,
				Version:  domain.ProtocolVersion,
				Nickname: fmt.Sprintf("viewer%d", n),
				Code:     "114514",
			}); err != nil {
				t.Errorf("write handshake: %v", err)
				return
			}
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			var m map[string]interface{}
			for {
				if err := conn.ReadJSON(&m); err != nil {
					t.Errorf("read: %v", err)
					return
				}
				if m["type"] == domain.MsgTypeHandshakeResult {
					break
				}
			}
			if m["accepted"] != true {
				t.Errorf("handshake rejected: %v", m["reason"])
			}
		}(i)
	}
	wg.Wait()

	if env.procs.startedCount() != 1 {
		t.Fatalf("racing first connects must start exactly one process, got %d", env.procs.startedCount())
	}
}

func TestHandshakeDeadlineDropsSilentClient(t *testing.T) {
	cfg := testConfig()
	cfg.WebSocket.HandshakeTimeout = 100 * time.Millisecond
	env := newTestEnv(t, cfg, 9001, 10)

	conn := dial(t, env.url)

	// Say nothing and let the deadline fire.
	msg := nextOfType(t, conn, domain.MsgTypeError)
	if msg["code"] != domain.ErrCodeVerification {
		t.Errorf("expected %s, got %v", domain.ErrCodeVerification, msg["code"])
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	closed := false
	for i := 0; i < 5; i++ {
		if _, _, err := conn.ReadMessage(); err != nil {
			closed = true
			break
		}
	}
	if !closed {
		t.Fatal("server should drop the connection after the deadline")
	}

	if env.reg.Len() != 0 {
		t.Errorf("silent client must not be registered")
	}
	if env.alloc.ActiveCount() != 0 {
		t.Errorf("silent client must not hold a port lease")
	}
}

func TestHeartbeatEchoed(t *testing.T) {
	env := newTestEnv(t, testConfig(), 9001, 10)

	conn, _ := join(t, env, "alice")
	if err := conn.WriteJSON(&domain.HeartbeatMessage{Type: domain.MsgTypeHeartbeat}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	nextOfType(t, conn, domain.MsgTypeHeartbeat)
}
