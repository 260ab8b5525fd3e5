package linktoken

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryWidgetRepo is a thread-safe, in-memory widget token repository.
type InMemoryWidgetRepo struct {
	mu     sync.Mutex
	byID   map[uuid.UUID]*WidgetToken
	byHash map[string]uuid.UUID
}

func NewInMemoryWidgetRepo() *InMemoryWidgetRepo {
	return &InMemoryWidgetRepo{
		byID:   make(map[uuid.UUID]*WidgetToken),
		byHash: make(map[string]uuid.UUID),
	}
}

func (r *InMemoryWidgetRepo) Create(_ context.Context, wt *WidgetToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *wt
	r.byID[wt.ID] = &cp
	r.byHash[wt.TokenHash] = wt.ID
	return nil
}

func (r *InMemoryWidgetRepo) GetByHash(_ context.Context, hash string) (*WidgetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byHash[hash]
	if !ok {
		return nil, ErrInvalidToken
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemoryWidgetRepo) Consume(_ context.Context, id uuid.UUID, now time.Time) (*WidgetToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wt, ok := r.byID[id]
	if !ok || wt.ConsumedAt != nil || now.After(wt.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	consumed := now
	wt.ConsumedAt = &consumed
	cp := *wt
	return &cp, nil
}

func (r *InMemoryWidgetRepo) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, wt := range r.byID {
		if wt.ExpiresAt.Before(cutoff) {
			delete(r.byHash, wt.TokenHash)
			delete(r.byID, id)
			n++
		}
	}
	return n, nil
}

// InMemoryPublicRepo is a thread-safe, in-memory public token repository.
type InMemoryPublicRepo struct {
	mu     sync.Mutex
	byHash map[string]*PublicToken
}

func NewInMemoryPublicRepo() *InMemoryPublicRepo {
	return &InMemoryPublicRepo{byHash: make(map[string]*PublicToken)}
}

func (r *InMemoryPublicRepo) Create(_ context.Context, pt *PublicToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *pt
	r.byHash[pt.TokenHash] = &cp
	return nil
}

func (r *InMemoryPublicRepo) Consume(_ context.Context, hash string, now time.Time) (*PublicToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pt, ok := r.byHash[hash]
	if !ok || pt.ConsumedAt != nil || now.After(pt.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	consumed := now
	pt.ConsumedAt = &consumed
	cp := *pt
	return &cp, nil
}

func (r *InMemoryPublicRepo) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, pt := range r.byHash {
		if pt.ExpiresAt.Before(cutoff) {
			delete(r.byHash, hash)
			n++
		}
	}
	return n, nil
}
