package domain

// Signaling protocol version carried on the handshake.
const ProtocolVersion = "1"

// WebSocket message types from client.
const (
	MsgTypeHandshake = "handshake"
	MsgTypeChat      = "chat"
	MsgTypeHeartbeat = "heartbeat"
)

// WebSocket message types to client.
const (
	MsgTypeHandshakeResult = "handshake_result"
	MsgTypePresence        = "presence"
	MsgTypeMembers         = "members"
	MsgTypeError           = "error"
)

// Presence kinds.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// Roles.
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Error codes.
const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeBadRequest    = "BAD_REQUEST"
	ErrCodeVerification  = "VERIFICATION_FAILED"
	ErrCodePoolExhausted = "POOL_EXHAUSTED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// BaseMessage is the base structure for all WebSocket messages.
type BaseMessage struct {
	Type string `json:"type"`
}

// Client -> Server messages

type HandshakeMessage struct {
	Type     string `json:"type"`
	Version  string `json:"version"`
	Nickname string `json:"nickname"`
	Code     string `json:"code"`
}

type ChatMessageIn struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type HeartbeatMessage struct {
	Type string `json:"type"`
}

// Server -> Client messages

// HandshakeResultMessage tells the client whether it was admitted. On
// acceptance it carries the assigned nickname (which may have been
// deduplicated) and the ingest endpoint the sender will stream to it on.
type HandshakeResultMessage struct {
	Type       string `json:"type"`
	Accepted   bool   `json:"accepted"`
	Nickname   string `json:"nickname,omitempty"`
	IngestPort int    `json:"ingest_port,omitempty"`
	ServerIP   string `json:"server_ip,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ChatMessageOut struct {
	Type      string `json:"type"`
	Nickname  string `json:"nickname"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type PresenceMessage struct {
	Type     string `json:"type"`
	Nickname string `json:"nickname"`
	Kind     string `json:"kind"`
	Content  string `json:"content"`
}

type Member struct {
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
}

type MembersMessage struct {
	Type    string   `json:"type"`
	Members []Member `json:"members"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) *ErrorMessage {
	return &ErrorMessage{
		Type:    MsgTypeError,
		Code:    code,
		Message: message,
	}
}
