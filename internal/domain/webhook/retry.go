package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const claimBatchSize = 100

// RetryWorker periodically re-attempts pending deliveries whose retry time
// has arrived.
type RetryWorker struct {
	webhooks   Repository
	deliveries DeliveryRepository
	dispatcher *Dispatcher
	interval   time.Duration
	logger     zerolog.Logger
}

// NewRetryWorker creates a retry worker ticking at the given interval.
func NewRetryWorker(webhooks Repository, deliveries DeliveryRepository, dispatcher *Dispatcher, interval time.Duration, logger zerolog.Logger) *RetryWorker {
	return &RetryWorker{
		webhooks:   webhooks,
		deliveries: deliveries,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.With().Str("component", "webhook_retry").Logger(),
	}
}

// Run blocks until the context is cancelled, retrying due deliveries every
// tick.
func (w *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("webhook retry worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("webhook retry worker stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one retry pass. Exported so tests and the scheduler can drive it
// without real time.
func (w *RetryWorker) Tick(ctx context.Context) {
	due, err := w.deliveries.ClaimDue(ctx, time.Now().UTC(), claimBatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("claim due deliveries")
		return
	}
	for _, delivery := range due {
		wh, err := w.webhooks.GetByID(ctx, delivery.WebhookID)
		if err != nil {
			// Subscriber deleted since the event fired; nothing to deliver to.
			delivery.Status = StatusFailed
			delivery.LastError = "webhook no longer exists"
			delivery.NextRetryAt = nil
			delivery.UpdatedAt = time.Now().UTC()
			if uerr := w.deliveries.Update(ctx, delivery); uerr != nil {
				w.logger.Error().Err(uerr).Str("delivery_id", delivery.ID.String()).Msg("mark orphaned delivery")
			}
			continue
		}
		w.dispatcher.Attempt(ctx, wh, delivery)
	}
}
