// Package client implements the receiver side of the signaling protocol:
// it dials the host, completes the verification handshake and surfaces
// chat, presence and stream readiness through a Handler.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/logging"
)

// Handler receives client-side protocol events. All callbacks run on the
// read loop goroutine, so they must not block.
type Handler interface {
	OnStreamReady(nickname, host string, port int)
	OnChat(nickname, content string, at time.Time)
	OnPresence(nickname, kind string)
	OnMembers(members []domain.Member)
	OnServerError(code, message string)
	OnDisconnect(err error)
}

// Options configures one signaling connection attempt.
type Options struct {
	URL      string
	Nickname string
	Code     string
	Retries  int
	Interval time.Duration
	WS       config.WebSocketConfig
}

type Client struct {
	opts    Options
	handler Handler

	writeMu sync.Mutex
	conn    *websocket.Conn

	resultCh  chan *domain.HandshakeResultMessage
	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options, h Handler) *Client {
	return &Client{
		opts:     opts,
		handler:  h,
		resultCh: make(chan *domain.HandshakeResultMessage, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the signaling endpoint with bounded retries, then performs
// the verification handshake. It returns domain.ErrConnection when every
// dial attempt fails, domain.ErrVerification on rejection and
// domain.ErrHandshakeTimeout when the host never answers.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn

	go c.readLoop()
	go c.heartbeatLoop()

	if err := c.sendJSON(&domain.HandshakeMessage{
		Type:     domain.MsgTypeHandshake,
		Version:  domain.ProtocolVersion,
		Nickname: c.opts.Nickname,
		Code:     c.opts.Code,
	}); err != nil {
		c.Close()
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}

	timeout := c.opts.WS.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	select {
	case result := <-c.resultCh:
		if !result.Accepted {
			c.Close()
			return fmt.Errorf("%w: %s", domain.ErrVerification, result.Reason)
		}
		host := result.ServerIP
		if host == "" {
			host = hostFromURL(c.opts.URL)
		}
		c.handler.OnStreamReady(result.Nickname, host, result.IngestPort)
		return nil
	case <-time.After(timeout):
		c.Close()
		return fmt.Errorf("%w: no handshake result within %s", domain.ErrHandshakeTimeout, timeout)
	case <-c.done:
		return fmt.Errorf("%w: connection closed during handshake", domain.ErrConnection)
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	retries := c.opts.Retries
	if retries <= 0 {
		retries = 1
	}
	interval := c.opts.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		dialer := websocket.Dialer{HandshakeTimeout: c.opts.WS.HandshakeTimeout}
		conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		l := logging.L()
		l.Warn().
			Err(err).
			Int("attempt", attempt).
			Str(logging.FieldRemote, c.opts.URL).
			Msg("signaling dial failed")

		if attempt == retries {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: dialing %s failed after %d attempts: %v",
		domain.ErrConnection, c.opts.URL, retries, lastErr)
}

// SendChat publishes a chat line to the session.
func (c *Client) SendChat(content string) error {
	return c.sendJSON(&domain.ChatMessageIn{
		Type:    domain.MsgTypeChat,
		Content: content,
	})
}

// Done is closed once the connection is gone for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.writeMu.Lock()
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			c.conn.Close()
		}
		close(c.done)
	})
	return nil
}

func (c *Client) sendJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.opts.WS.WriteWait > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.opts.WS.WriteWait))
	}
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer func() {
		c.Close()
	}()

	if c.opts.WS.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.opts.WS.MaxMessageSize)
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.handler.OnDisconnect(fmt.Errorf("%w: %v", domain.ErrConnection, err))
			} else {
				c.handler.OnDisconnect(nil)
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return
	}

	switch base.Type {
	case domain.MsgTypeHandshakeResult:
		var msg domain.HandshakeResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		select {
		case c.resultCh <- &msg:
		default:
		}

	case domain.MsgTypeChat:
		var msg domain.ChatMessageOut
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handler.OnChat(msg.Nickname, msg.Content, time.UnixMilli(msg.Timestamp))

	case domain.MsgTypePresence:
		var msg domain.PresenceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handler.OnPresence(msg.Nickname, msg.Kind)

	case domain.MsgTypeMembers:
		var msg domain.MembersMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handler.OnMembers(msg.Members)

	case domain.MsgTypeHeartbeat:
		// Liveness echo, nothing to do.

	case domain.MsgTypeError:
		var msg domain.ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handler.OnServerError(msg.Code, msg.Message)
	}
}

// heartbeatLoop keeps the connection visibly alive for the host's idle
// sweep.
func (c *Client) heartbeatLoop() {
	interval := c.opts.WS.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sendJSON(&domain.HeartbeatMessage{Type: domain.MsgTypeHeartbeat}); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func hostFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
