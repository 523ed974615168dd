package domain

import (
	"sync"
	"time"
)

// Verification status of a connected peer.
type Verification string

const (
	VerificationPending  Verification = "pending"
	VerificationVerified Verification = "verified"
	VerificationRejected Verification = "rejected"
)

// ClientState is the per-connection record tracked for each peer. The
// connection ID is assigned by the server; the nickname is settled during
// the handshake (it may be deduplicated against other members).
type ClientState struct {
	ID           string
	Nickname     string
	Role         string
	Verification Verification
	CreatedAt    time.Time
	LastActiveAt time.Time
	mu           sync.RWMutex
}

func NewClientState(id string) *ClientState {
	now := time.Now()
	return &ClientState{
		ID:           id,
		Role:         RoleReceiver,
		Verification: VerificationPending,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Verify marks the client as verified under its final nickname.
func (s *ClientState) Verify(nickname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Nickname = nickname
	s.Verification = VerificationVerified
	s.LastActiveAt = time.Now()
}

// Reject marks the handshake as definitively failed.
func (s *ClientState) Reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Verification = VerificationRejected
}

func (s *ClientState) IsVerified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Verification == VerificationVerified
}

func (s *ClientState) IsPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Verification == VerificationPending
}

func (s *ClientState) GetNickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Nickname
}

func (s *ClientState) UpdateActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActiveAt = time.Now()
}

func (s *ClientState) GetLastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastActiveAt
}
