package webhook

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepo is a thread-safe, in-memory webhook repository used by tests
// and the development server.
type InMemoryRepo struct {
	mu       sync.Mutex
	webhooks map[uuid.UUID]*Webhook
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{webhooks: make(map[uuid.UUID]*Webhook)}
}

func (r *InMemoryRepo) Create(_ context.Context, wh *Webhook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *wh
	r.webhooks[wh.ID] = &cp
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wh, ok := r.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *wh
	return &cp, nil
}

func (r *InMemoryRepo) ListActive(_ context.Context) ([]*Webhook, error) {
	return r.filter(func(wh *Webhook) bool { return wh.Active }), nil
}

func (r *InMemoryRepo) ListBySubject(_ context.Context, subject string) ([]*Webhook, error) {
	return r.filter(func(wh *Webhook) bool { return wh.Subject == subject }), nil
}

func (r *InMemoryRepo) filter(keep func(*Webhook) bool) []*Webhook {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Webhook, 0, len(r.webhooks))
	for _, wh := range r.webhooks {
		if keep(wh) {
			cp := *wh
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *InMemoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.webhooks[id]; !ok {
		return ErrNotFound
	}
	delete(r.webhooks, id)
	return nil
}

// InMemoryDeliveryRepo is a thread-safe, in-memory delivery repository.
type InMemoryDeliveryRepo struct {
	mu         sync.Mutex
	deliveries map[uuid.UUID]*Delivery
}

func NewInMemoryDeliveryRepo() *InMemoryDeliveryRepo {
	return &InMemoryDeliveryRepo{deliveries: make(map[uuid.UUID]*Delivery)}
}

func (r *InMemoryDeliveryRepo) Create(_ context.Context, d *Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *d
	r.deliveries[d.ID] = &cp
	return nil
}

func (r *InMemoryDeliveryRepo) Update(_ context.Context, d *Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deliveries[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	r.deliveries[d.ID] = &cp
	return nil
}

func (r *InMemoryDeliveryRepo) ClaimDue(_ context.Context, now time.Time, limit int) ([]*Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Delivery
	for _, d := range r.deliveries {
		if len(out) >= limit {
			break
		}
		if d.Status == StatusPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			d.NextRetryAt = nil
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryDeliveryRepo) ListByWebhook(_ context.Context, webhookID uuid.UUID, limit int) ([]*Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Delivery
	for _, d := range r.deliveries {
		if d.WebhookID == webhookID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
