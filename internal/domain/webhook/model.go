// Package webhook delivers signed event notifications to subscriber
// endpoints with at-least-once semantics and a bounded, escalating retry
// schedule.
package webhook

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types published by the service.
const (
	EventConnectionCreated   = "connection.created"
	EventConnectionRefreshed = "connection.refreshed"
	EventConnectionReauth    = "connection.reauthorization_required"
	EventConnectionRevoked   = "connection.revoked"
)

// Webhook is one subscriber endpoint, owned by the subject that registered
// it. An empty EventTypes list subscribes to everything; an entry may be an
// exact type, the bare wildcard "*", or a prefix pattern like
// "connection.*".
type Webhook struct {
	ID         uuid.UUID `json:"id"`
	Subject    string    `json:"subject"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	EventTypes []string  `json:"event_types,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Wants reports whether the webhook subscribes to the given event type.
func (w *Webhook) Wants(eventType string) bool {
	if len(w.EventTypes) == 0 {
		return true
	}
	for _, t := range w.EventTypes {
		switch {
		case t == eventType || t == "*":
			return true
		case strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, t[:len(t)-1]):
			return true
		}
	}
	return false
}

// AppliesTo reports whether an event owned by the given subject reaches this
// webhook. An event without an owner fans out to every subscriber; a webhook
// without a subject is platform-wide and sees everything.
func (w *Webhook) AppliesTo(owner string) bool {
	return w.Subject == "" || owner == "" || w.Subject == owner
}

// DeliveryStatus tracks one event's journey to one subscriber.
type DeliveryStatus string

const (
	// StatusPending means the delivery has attempts remaining.
	StatusPending DeliveryStatus = "pending"
	// StatusDelivered means the subscriber acknowledged with a 2xx.
	StatusDelivered DeliveryStatus = "delivered"
	// StatusFailed is terminal: the retry schedule is exhausted.
	StatusFailed DeliveryStatus = "failed"
)

// Delivery is one (event, webhook) pair and its attempt history.
type Delivery struct {
	ID        uuid.UUID `json:"id"`
	WebhookID uuid.UUID `json:"webhook_id"`
	EventID   uuid.UUID `json:"event_id"`
	EventType string    `json:"event_type"`
	Payload   []byte    `json:"-"`

	Status   DeliveryStatus `json:"status"`
	Attempts int            `json:"attempts"`

	ResponseStatus  int    `json:"response_status,omitempty"`
	ResponseExcerpt string `json:"response_excerpt,omitempty"`
	LastError       string `json:"last_error,omitempty"`

	// NextRetryAt is nil once the delivery reaches a terminal status.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
