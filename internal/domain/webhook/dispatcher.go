package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// retrySchedule holds the delay before each attempt. Attempt 1 is immediate;
// after the last entry the delivery is terminally failed.
var retrySchedule = []time.Duration{0, time.Minute, 5 * time.Minute, time.Hour, 24 * time.Hour}

const (
	attemptTimeout     = 30 * time.Second
	responseExcerptMax = 1024
)

// envelope is the wire format delivered to subscribers.
type envelope struct {
	ID      uuid.UUID       `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// Dispatcher fans one event out to every matching subscriber. Subscribers
// are isolated from each other: one slow or failing endpoint never delays or
// fails the others.
type Dispatcher struct {
	webhooks   Repository
	deliveries DeliveryRepository
	client     *http.Client
	logger     zerolog.Logger
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(webhooks Repository, deliveries DeliveryRepository, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		client:     &http.Client{Timeout: attemptTimeout},
		logger:     logger.With().Str("component", "webhook_dispatcher").Logger(),
	}
}

// SetHTTPClient replaces the HTTP client used for deliveries.
func (d *Dispatcher) SetHTTPClient(c *http.Client) { d.client = c }

// Dispatch publishes an event to every active subscriber that wants its
// type and belongs to the owning subject. Each subscriber gets its own
// delivery record and first attempt; the call returns after all first
// attempts settle.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, owner string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", eventType).Msg("marshal event data")
		return
	}
	env := envelope{
		ID:      uuid.New(),
		Type:    eventType,
		Created: time.Now().Unix(),
		Data:    raw,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", eventType).Msg("marshal event envelope")
		return
	}

	subs, err := d.webhooks.ListActive(ctx)
	if err != nil {
		d.logger.Error().Err(err).Str("event_type", eventType).Msg("list subscribers")
		return
	}

	var wg sync.WaitGroup
	for _, wh := range subs {
		if !wh.Wants(eventType) || !wh.AppliesTo(owner) {
			continue
		}
		now := time.Now().UTC()
		delivery := &Delivery{
			ID:        uuid.New(),
			WebhookID: wh.ID,
			EventID:   env.ID,
			EventType: eventType,
			Payload:   payload,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.deliveries.Create(ctx, delivery); err != nil {
			d.logger.Error().Err(err).Str("webhook_id", wh.ID.String()).Msg("create delivery record")
			continue
		}

		wg.Add(1)
		go func(wh *Webhook, delivery *Delivery) {
			defer wg.Done()
			d.Attempt(ctx, wh, delivery)
		}(wh, delivery)
	}
	wg.Wait()
}

// Attempt performs one delivery attempt and records its outcome: delivered
// on a 2xx, otherwise pending with the next retry scheduled, or terminally
// failed once the schedule is exhausted.
func (d *Dispatcher) Attempt(ctx context.Context, wh *Webhook, delivery *Delivery) {
	delivery.Attempts++
	status, excerpt, err := d.send(ctx, wh, delivery.Payload)

	now := time.Now().UTC()
	delivery.UpdatedAt = now
	delivery.ResponseStatus = status
	delivery.ResponseExcerpt = excerpt

	if err == nil && status >= 200 && status < 300 {
		delivery.Status = StatusDelivered
		delivery.LastError = ""
		delivery.NextRetryAt = nil
	} else {
		if err != nil {
			delivery.LastError = err.Error()
		} else {
			delivery.LastError = fmt.Sprintf("subscriber returned status %d", status)
		}
		if delivery.Attempts >= len(retrySchedule) {
			delivery.Status = StatusFailed
			delivery.NextRetryAt = nil
		} else {
			delivery.Status = StatusPending
			next := now.Add(retrySchedule[delivery.Attempts])
			delivery.NextRetryAt = &next
		}
	}

	if uerr := d.deliveries.Update(ctx, delivery); uerr != nil {
		d.logger.Error().Err(uerr).Str("delivery_id", delivery.ID.String()).Msg("record delivery outcome")
	}

	ev := d.logger.Info()
	if delivery.Status != StatusDelivered {
		ev = d.logger.Warn()
	}
	ev.Str("delivery_id", delivery.ID.String()).
		Str("webhook_id", wh.ID.String()).
		Str("event_type", delivery.EventType).
		Int("attempt", delivery.Attempts).
		Str("status", string(delivery.Status)).
		Msg("webhook delivery attempt")
}

func (d *Dispatcher) send(ctx context.Context, wh *Webhook, payload []byte) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	ts := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderSignature, Sign(wh.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, responseExcerptMax))
	return resp.StatusCode, string(excerpt), nil
}
