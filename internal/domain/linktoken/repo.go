package linktoken

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WidgetTokenRepository persists widget tokens. Consume must be an atomic
// test-and-set.
type WidgetTokenRepository interface {
	Create(ctx context.Context, wt *WidgetToken) error
	// GetByHash returns the token matching the digest, consumed or not.
	GetByHash(ctx context.Context, hash string) (*WidgetToken, error)
	// Consume marks the token consumed. It fails with ErrInvalidToken when
	// the id is unknown, the token expired, or it was already consumed.
	Consume(ctx context.Context, id uuid.UUID, now time.Time) (*WidgetToken, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// PublicTokenRepository persists public tokens. Consume must be an atomic
// test-and-set keyed by digest.
type PublicTokenRepository interface {
	Create(ctx context.Context, pt *PublicToken) error
	Consume(ctx context.Context, hash string, now time.Time) (*PublicToken, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
