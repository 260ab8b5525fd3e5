package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound means no webhook matches the lookup.
var ErrNotFound = errors.New("webhook not found")

// Repository persists webhook subscriptions.
type Repository interface {
	Create(ctx context.Context, wh *Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*Webhook, error)
	ListActive(ctx context.Context) ([]*Webhook, error)
	ListBySubject(ctx context.Context, subject string) ([]*Webhook, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// DeliveryRepository persists delivery attempts. ClaimDue must hand each due
// delivery to at most one worker.
type DeliveryRepository interface {
	Create(ctx context.Context, d *Delivery) error
	Update(ctx context.Context, d *Delivery) error
	// ClaimDue returns pending deliveries whose retry time has arrived,
	// clearing their retry time so a concurrent worker cannot claim them
	// again.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Delivery, error)
	ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*Delivery, error)
}
