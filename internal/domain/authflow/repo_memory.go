package authflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStateRepo is a thread-safe, in-memory StateRepository used by
// tests and the development server.
type InMemoryStateRepo struct {
	mu     sync.Mutex
	states map[uuid.UUID]*State
}

// NewInMemoryStateRepo creates an empty in-memory state repository.
func NewInMemoryStateRepo() *InMemoryStateRepo {
	return &InMemoryStateRepo{states: make(map[uuid.UUID]*State)}
}

func (r *InMemoryStateRepo) Create(_ context.Context, st *State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *st
	r.states[st.ID] = &cp
	return nil
}

func (r *InMemoryStateRepo) Consume(_ context.Context, id uuid.UUID, now time.Time) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok || st.ConsumedAt != nil || now.After(st.ExpiresAt) {
		return nil, ErrInvalidOrExpiredState
	}
	consumed := now
	st.ConsumedAt = &consumed
	cp := *st
	return &cp, nil
}

func (r *InMemoryStateRepo) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, st := range r.states {
		if st.ExpiresAt.Before(cutoff) {
			delete(r.states, id)
			n++
		}
	}
	return n, nil
}
