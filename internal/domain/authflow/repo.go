package authflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StateRepository persists authorization states across the redirect
// round-trip. Consume must be an atomic test-and-set: of two concurrent
// callers presenting the same id, exactly one succeeds.
type StateRepository interface {
	Create(ctx context.Context, st *State) error
	// Consume marks the state consumed and returns it. It fails with
	// ErrInvalidOrExpiredState when the id is unknown, the state expired,
	// or it was already consumed.
	Consume(ctx context.Context, id uuid.UUID, now time.Time) (*State, error)
	// DeleteExpired removes states whose expiry passed before the cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
