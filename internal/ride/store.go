package ride

import (
	"context"
	"sync"
	"time"
)

// Update carries the fields a transition is allowed to set alongside the
// status change.
type Update struct {
	DriverID     string // only honored on the transition into Accepted
	CancelReason string // only honored on the transition into Cancelled
}

// Store is durable storage for rides. Transition is the compare-and-set
// primitive: it applies from->to only if the stored status still equals from,
// atomically with respect to all other callers. This is the sole
// synchronization point protecting the single-assignment invariant, so a
// distributed deployment needs a backend with atomic conditional updates
// (see PostgresStore).
type Store interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id string) (*Ride, error)
	// Transition returns ErrInvalidTransition when from->to is not a
	// lifecycle edge, ErrStaleState when the stored status is no longer
	// from, and ErrNotFound when the ride does not exist.
	Transition(ctx context.Context, id string, from, to Status, up Update) (*Ride, error)
}

// MemoryStore keeps rides in a map behind a mutex. The mutex makes each
// Transition atomic within the process; it exists for tests and single-node
// runs.
type MemoryStore struct {
	mu    sync.Mutex
	rides map[string]*Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*Ride)}
}

func (m *MemoryStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to Status, up Update) (*Ride, error) {
	if !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrStaleState
	}
	r.Status = to
	if to == StatusAccepted && r.DriverID == "" {
		r.DriverID = up.DriverID
	}
	if to == StatusCancelled {
		r.CancelReason = up.CancelReason
	}
	r.stamp(to, time.Now())
	cp := *r
	return &cp, nil
}
