package connection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type identityKey struct {
	subject    string
	providerID string
	patientID  string
}

// InMemoryRepo is a thread-safe, in-memory Repository used by tests and the
// development server.
type InMemoryRepo struct {
	mu         sync.Mutex
	byID       map[uuid.UUID]*Connection
	byIdentity map[identityKey]uuid.UUID
}

// NewInMemoryRepo creates an empty in-memory connection repository.
func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		byID:       make(map[uuid.UUID]*Connection),
		byIdentity: make(map[identityKey]uuid.UUID),
	}
}

func (r *InMemoryRepo) Upsert(_ context.Context, conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := identityKey{conn.Subject, conn.ProviderID, conn.ExternalPatientID}
	if existingID, ok := r.byIdentity[key]; ok {
		existing := r.byID[existingID]
		conn.ID = existing.ID
		conn.CreatedAt = existing.CreatedAt
	}
	cp := *conn
	r.byID[conn.ID] = &cp
	r.byIdentity[key] = conn.ID
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *InMemoryRepo) ListBySubject(_ context.Context, subject string) ([]*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Connection
	for _, c := range r.byID {
		if c.Subject == subject {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryRepo) ListExpiringBefore(_ context.Context, cutoff time.Time) ([]*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Connection
	for _, c := range r.byID {
		if c.Status == StatusActive && c.TokenExpiresAt.Before(cutoff) && c.RefreshTokenCiphertext != "" {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenExpiresAt.Before(out[j].TokenExpiresAt) })
	return out, nil
}

func (r *InMemoryRepo) UpdateTokens(_ context.Context, id uuid.UUID, accessCiphertext, refreshCiphertext string, expiresAt, refreshedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.AccessTokenCiphertext = accessCiphertext
	c.RefreshTokenCiphertext = refreshCiphertext
	c.TokenExpiresAt = expiresAt
	refreshed := refreshedAt
	c.LastRefreshedAt = &refreshed
	c.Status = StatusActive
	c.UpdatedAt = refreshedAt
	return nil
}

func (r *InMemoryRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}
