// Package registry holds the authoritative in-memory view of the session:
// who is connected, which port lease they own, and which distribution
// process serves them. It is the single serialization point for admission
// and removal, so two simultaneous connects can never duplicate a record.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/ports"
)

// Entry is one admitted client with its resources.
type Entry struct {
	ID          string
	Nickname    string
	Role        string
	Lease       *ports.Lease
	ProcessName string
	AdmittedAt  time.Time
}

// Registry tracks admitted clients and reserved nicknames. The host's own
// nickname is reserved at construction so guests can never shadow it.
type Registry struct {
	mu        sync.Mutex
	byID      map[string]*Entry
	nicknames map[string]struct{}

	hostNickname string
	hostRole     string
}

func New(hostNickname, hostRole string) *Registry {
	r := &Registry{
		byID:         make(map[string]*Entry),
		nicknames:    make(map[string]struct{}),
		hostNickname: hostNickname,
		hostRole:     hostRole,
	}
	if hostNickname != "" {
		r.nicknames[hostNickname] = struct{}{}
	}
	return r
}

// Admit inserts a client record, deduplicating the requested nickname by
// numeric suffix ("Saber" -> "Saber_2") when it is already in use. Returns
// the final nickname.
func (r *Registry) Admit(id, nickname, role string, lease *ports.Lease, processName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byID[id]; dup {
		return "", fmt.Errorf("client %s already registered", id)
	}

	final := nickname
	if _, used := r.nicknames[final]; used {
		for n := 2; ; n++ {
			final = fmt.Sprintf("%s_%d", nickname, n)
			if _, used := r.nicknames[final]; !used {
				break
			}
		}
	}

	r.byID[id] = &Entry{
		ID:          id,
		Nickname:    final,
		Role:        role,
		Lease:       lease,
		ProcessName: processName,
		AdmittedAt:  time.Now(),
	}
	r.nicknames[final] = struct{}{}
	return final, nil
}

// Remove deletes the record and frees its nickname. Returns the removed
// entry, or nil if the client was never admitted.
func (r *Registry) Remove(id string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	delete(r.nicknames, e.Nickname)
	return e
}

// Get returns the entry for id, or nil.
func (r *Registry) Get(id string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// HostNickname returns the reserved nickname of the hosting operator.
func (r *Registry) HostNickname() string {
	return r.hostNickname
}

// Len returns the number of admitted clients (excluding the host).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Members returns the roster: the host first, then admitted clients sorted
// by admission time.
func (r *Registry) Members() []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AdmittedAt.Before(entries[j].AdmittedAt)
	})

	members := make([]domain.Member, 0, len(entries)+1)
	if r.hostNickname != "" {
		members = append(members, domain.Member{Nickname: r.hostNickname, Role: r.hostRole})
	}
	for _, e := range entries {
		members = append(members, domain.Member{Nickname: e.Nickname, Role: e.Role})
	}
	return members
}

// Entries returns a snapshot of all admitted clients.
func (r *Registry) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	return out
}
