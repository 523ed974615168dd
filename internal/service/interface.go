package service

import (
	"context"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/hub"
)

// TheatreService handles signaling messages for one hosted session.
type TheatreService interface {
	HandleHandshake(ctx context.Context, client *hub.Client, msg *domain.HandshakeMessage) error
	HandleChat(ctx context.Context, client *hub.Client, content string) error
	HandleHeartbeat(client *hub.Client) error
	HandleDisconnect(ctx context.Context, client *hub.Client) error

	// WatchHandshake arms the handshake deadline for a fresh connection.
	WatchHandshake(client *hub.Client)

	// SendLocalChat publishes a chat line authored by the hosting operator.
	SendLocalChat(ctx context.Context, content string) error

	// Start launches background maintenance (the idle-lease sweeper).
	Start(ctx context.Context)

	Members() []domain.Member
	Events() <-chan domain.Event
	Stop()
}

// ProcessManager starts and stops the per-viewer distribution pipelines.
// The session layer implements it on top of the supervisor; tests inject
// fakes.
type ProcessManager interface {
	StartDistribution(ctx context.Context, name string, port int) error
	StopProcess(name string) error
}
