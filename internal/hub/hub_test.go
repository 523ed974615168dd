package hub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
)

func testCfg() config.WebSocketConfig {
	return config.WebSocketConfig{
		PingInterval:   20 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 4096,
	}
}

func recv(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case data := <-c.Send:
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return m["v"]
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return ""
	}
}

func TestBroadcastPreservesOrder(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	a := NewClient("a", h, nil, testCfg())
	b := NewClient("b", h, nil, testCfg())
	h.Register(a)
	h.Register(b)

	for _, v := range []string{"m1", "m2", "m3"} {
		if err := h.Broadcast(map[string]string{"v": v}, ""); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}

	for _, c := range []*Client{a, b} {
		for _, want := range []string{"m1", "m2", "m3"} {
			if got := recv(t, c); got != want {
				t.Fatalf("client %s: want %q, got %q", c.ID, want, got)
			}
		}
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	a := NewClient("a", h, nil, testCfg())
	b := NewClient("b", h, nil, testCfg())
	h.Register(a)
	h.Register(b)

	h.Broadcast(map[string]string{"v": "private"}, "a")
	h.Broadcast(map[string]string{"v": "marker"}, "")

	if got := recv(t, b); got != "private" {
		t.Errorf("b should get the excluded broadcast, got %q", got)
	}
	// a skips straight to the marker.
	if got := recv(t, a); got != "marker" {
		t.Errorf("a should only see the marker, got %q", got)
	}
}

func TestSendToTargetsOneClient(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	a := NewClient("a", h, nil, testCfg())
	b := NewClient("b", h, nil, testCfg())
	h.Register(a)
	h.Register(b)

	h.SendTo("b", map[string]string{"v": "direct"})
	h.Broadcast(map[string]string{"v": "marker"}, "")

	if got := recv(t, b); got != "direct" {
		t.Errorf("b should get the direct message first, got %q", got)
	}
	if got := recv(t, a); got != "marker" {
		t.Errorf("a should only see the marker, got %q", got)
	}
}

func TestSendAfterUnregisterDoesNotPanic(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	c := NewClient("a", h, nil, testCfg())
	h.Register(c)
	h.Unregister(c)

	select {
	case <-c.Send:
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed")
	}

	// A handshake timer or other goroutine may still hold the client.
	if err := c.SendMessage(map[string]string{"v": "late"}); err != nil {
		t.Fatalf("late send: %v", err)
	}
	if c.trySend([]byte("{}")) {
		t.Error("send to a gone client should report failure")
	}
}

func TestConcurrentSendAndUnregister(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := NewHub(testCfg())
		go h.Run()

		c := NewClient("a", h, nil, testCfg())
		h.Register(c)

		done := make(chan struct{})
		go func() {
			for j := 0; j < 100; j++ {
				c.SendMessage(map[string]string{"v": "x"})
			}
			close(done)
		}()

		h.Unregister(c)
		<-done
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	h := NewHub(testCfg())
	go h.Run()

	a := NewClient("a", h, nil, testCfg())
	h.Register(a)
	h.Unregister(a)

	select {
	case _, ok := <-a.Send:
		if ok {
			t.Error("expected closed channel, got a message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel never closed")
	}

	if h.ClientCount() != 0 {
		t.Errorf("client count = %d after unregister", h.ClientCount())
	}
}
