package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/hub"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WSHandler struct {
	hub     *hub.Hub
	service service.TheatreService
	wsCfg   config.WebSocketConfig
}

func NewWSHandler(h *hub.Hub, svc service.TheatreService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		hub:     h,
		service: svc,
		wsCfg:   wsCfg,
	}
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := hub.NewClient(uuid.New().String(), h.hub, conn, h.wsCfg)

	h.hub.Register(client)
	h.service.WatchHandshake(client)

	go client.WritePump()
	go func() {
		client.ReadPump(h.handleMessage)
		if err := h.service.HandleDisconnect(context.Background(), client); err != nil {
			log.Printf("Disconnect cleanup failed for client %s: %v", client.ID, err)
		}
	}()
}

func (h *WSHandler) handleMessage(client *hub.Client, message []byte) {
	var base domain.BaseMessage
	if err := json.Unmarshal(message, &base); err != nil {
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid message format"))
		return
	}

	ctx := context.Background()

	switch base.Type {
	case domain.MsgTypeHandshake:
		var msg domain.HandshakeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid handshake message"))
			return
		}
		if err := h.service.HandleHandshake(ctx, client, &msg); err != nil {
			log.Printf("Handshake failed for client %s: %v", client.ID, err)
		}

	case domain.MsgTypeChat:
		var msg domain.ChatMessageIn
		if err := json.Unmarshal(message, &msg); err != nil {
			client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Invalid chat message"))
			return
		}
		if err := h.service.HandleChat(ctx, client, msg.Content); err != nil {
			log.Printf("Chat message failed for client %s: %v", client.ID, err)
		}

	case domain.MsgTypeHeartbeat:
		h.service.HandleHeartbeat(client)

	default:
		client.SendMessage(domain.NewErrorMessage(domain.ErrCodeBadRequest, "Unknown message type"))
	}
}

func (h *WSHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/theatre/ws", h.HandleWebSocket)
}
