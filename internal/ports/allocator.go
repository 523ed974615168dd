// Package ports hands out exclusive per-client ingest port leases from a
// bounded pool, or reference-counted leases on a single shared port when
// per-connection isolation is disabled.
package ports

import (
	"fmt"
	"sync"
	"time"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
)

// LeaseState tracks whether a lease still owns its port.
type LeaseState string

const (
	LeaseActive   LeaseState = "active"
	LeaseReleased LeaseState = "released"
)

// Lease is a temporary exclusive (or, in shared mode, counted) claim on one
// port. All mutation goes through the Allocator that issued it.
type Lease struct {
	Port       int
	Owner      string
	AcquiredAt time.Time

	// first is fixed at acquire time: whether this lease brought the
	// port from zero holders to one. Exclusive leases always do; a
	// shared lease only when it raised the reference count to 1.
	first bool

	mu         sync.Mutex
	state      LeaseState
	lastActive time.Time
}

// First reports whether this lease was the one that put the port in use.
// Callers key "start the downstream pipeline" decisions on it so that
// concurrent acquires agree on exactly one starter.
func (l *Lease) First() bool {
	return l.first
}

// State returns the lease state.
func (l *Lease) State() LeaseState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Touch records activity on the lease, deferring idle reclamation.
func (l *Lease) Touch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastActive = time.Now()
}

func (l *Lease) idleSince() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActive
}

func (l *Lease) markReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == LeaseReleased {
		return false
	}
	l.state = LeaseReleased
	return true
}

// Allocator owns the port range. The free set and the active lease set
// partition [base, base+size); no port is ever in both.
type Allocator struct {
	mu     sync.Mutex
	base   int
	size   int
	leased map[int]*Lease // port -> active lease

	// Shared mode: one well-known port handed to every caller.
	shared     bool
	sharedPort int
	refs       int
}

// NewAllocator creates an exclusive-mode allocator over [base, base+size).
func NewAllocator(base, size int) *Allocator {
	return &Allocator{
		base:   base,
		size:   size,
		leased: make(map[int]*Lease),
	}
}

// NewShared creates an allocator that leases the single configured port to
// every client, with reference counting instead of exclusivity. Used when
// per-connection isolation is disabled.
func NewShared(port int) *Allocator {
	return &Allocator{
		shared:     true,
		sharedPort: port,
		leased:     make(map[int]*Lease),
	}
}

// Acquire claims the lowest free port for owner. In shared mode every call
// succeeds and bumps the reference count. Fails with domain.ErrPoolExhausted
// when the range has no free port.
func (a *Allocator) Acquire(owner string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()

	if a.shared {
		a.refs++
		l := &Lease{Port: a.sharedPort, Owner: owner, AcquiredAt: now, first: a.refs == 1, state: LeaseActive, lastActive: now}
		return l, nil
	}

	for port := a.base; port < a.base+a.size; port++ {
		if _, taken := a.leased[port]; taken {
			continue
		}
		l := &Lease{Port: port, Owner: owner, AcquiredAt: now, first: true, state: LeaseActive, lastActive: now}
		a.leased[port] = l
		return l, nil
	}

	return nil, fmt.Errorf("no free port in [%d,%d): %w", a.base, a.base+a.size, domain.ErrPoolExhausted)
}

// Release returns the lease's port to the free set and reports whether
// this call removed the port's last holder. Idempotent: releasing a
// released lease is a no-op and reports false.
func (a *Allocator) Release(l *Lease) bool {
	if l == nil || !l.markReleased() {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.shared {
		if a.refs > 0 {
			a.refs--
		}
		return a.refs == 0
	}

	// Only remove the mapping if it is still this lease; the port may
	// have been re-leased after an earlier release.
	if cur, ok := a.leased[l.Port]; ok && cur == l {
		delete(a.leased, l.Port)
		return true
	}
	return false
}

// ActiveCount returns the number of active leases (the reference count in
// shared mode).
func (a *Allocator) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shared {
		return a.refs
	}
	return len(a.leased)
}

// ReapIdle releases leases with no activity for longer than maxIdle and
// returns them so the caller can tear down the attached client resources.
// Shared-mode leases are not tracked and never reaped here.
func (a *Allocator) ReapIdle(maxIdle time.Duration) []*Lease {
	a.mu.Lock()
	var stale []*Lease
	cutoff := time.Now().Add(-maxIdle)
	for _, l := range a.leased {
		if l.idleSince().Before(cutoff) {
			stale = append(stale, l)
		}
	}
	a.mu.Unlock()

	for _, l := range stale {
		a.Release(l)
	}
	return stale
}
