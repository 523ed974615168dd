package domain

import "time"

// EventKind identifies the session events delivered to the presentation
// layer's subscription.
type EventKind string

const (
	EventChat     EventKind = "chat"
	EventPresence EventKind = "presence"
	EventMembers  EventKind = "members"
	EventState    EventKind = "state"
)

// Event is pushed to the presentation subscriber. Exactly one of the
// payload fields is set, according to Kind.
type Event struct {
	Kind      EventKind
	Timestamp time.Time

	// EventChat
	Nickname string
	Content  string

	// EventPresence
	PresenceKind string

	// EventMembers
	Members []Member

	// EventState
	State string
	Cause string
}
