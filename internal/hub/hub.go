// Package hub fans messages out to connected websocket clients. All
// membership changes and broadcasts funnel through one goroutine so every
// client observes messages in the same order.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/logging"
)

type Hub struct {
	clients    map[string]*Client // clientID -> client
	register   chan *Client
	unregister chan *Client
	broadcast  chan *OutboundMessage
	mu         sync.RWMutex
	config     config.WebSocketConfig
}

type OutboundMessage struct {
	Message []byte
	Exclude string // Client ID to exclude
	Only    string // When set, deliver to this client only
}

func NewHub(cfg config.WebSocketConfig) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *OutboundMessage, 256),
		config:     cfg,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			l := logging.L()
			l.Debug().Str(logging.FieldClientID, client.ID).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				client.closeSend()
			}
			h.mu.Unlock()
			l := logging.L()
			l.Debug().Str(logging.FieldClientID, client.ID).Msg("client unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for clientID, client := range h.clients {
				if msg.Only != "" && clientID != msg.Only {
					continue
				}
				if clientID == msg.Exclude {
					continue
				}
				if !client.trySend(msg.Message) {
					go h.removeClient(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast marshals the message and queues it for every client except the
// excluded one. Delivery order matches queueing order for all recipients.
func (h *Hub) Broadcast(message interface{}, exclude string) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.broadcast <- &OutboundMessage{Message: data, Exclude: exclude}
	return nil
}

// SendTo queues the message for one specific client. Using the same
// broadcast channel keeps targeted and broadcast messages in a single
// order per recipient.
func (h *Hub) SendTo(clientID string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	h.broadcast <- &OutboundMessage{Message: data, Only: clientID}
	return nil
}

// Kick force-closes a client's connection. The read pump notices and runs
// the normal disconnect path.
func (h *Hub) Kick(clientID string) {
	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if ok && c.Conn != nil {
		c.Conn.Close()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.unregister <- client
}
