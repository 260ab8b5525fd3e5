package connection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound means no connection matches the lookup.
var ErrNotFound = errors.New("connection not found")

// Repository persists connections. Upsert keys on (subject, provider,
// external patient id): re-authorizing an existing link overwrites its grant
// in place, last writer wins.
type Repository interface {
	Upsert(ctx context.Context, conn *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	ListBySubject(ctx context.Context, subject string) ([]*Connection, error)
	// ListExpiringBefore returns active connections whose token expires
	// before the cutoff and which hold a refresh token.
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*Connection, error)
	// UpdateTokens replaces the grant material after a refresh.
	UpdateTokens(ctx context.Context, id uuid.UUID, accessCiphertext, refreshCiphertext string, expiresAt, refreshedAt time.Time) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
}
