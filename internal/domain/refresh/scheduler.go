// Package refresh renews vault grants before they expire, so callers rarely
// hit an expired token on the read path.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/audit"
	"github.com/carelink/carelink/internal/domain/authflow"
	"github.com/carelink/carelink/internal/domain/connection"
	"github.com/carelink/carelink/internal/domain/provider"
	"github.com/carelink/carelink/internal/domain/webhook"
)

const attemptTimeout = 30 * time.Second

// Refresher exchanges a refresh token for a new grant. Satisfied by
// authflow.Engine.
type Refresher interface {
	Refresh(ctx context.Context, cfg provider.Config, refreshToken string) (*authflow.TokenGrant, error)
}

// EventPublisher fans domain events out to webhook subscribers. Satisfied by
// webhook.Dispatcher. owner scopes the event to one subject's webhooks.
type EventPublisher interface {
	Dispatch(ctx context.Context, eventType, owner string, data interface{})
}

// Scheduler periodically scans for connections whose token expires within
// the window and refreshes them. One tick's connections refresh in parallel
// and settle independently: a provider outage affecting one never blocks or
// fails the others.
type Scheduler struct {
	vault     *connection.Vault
	registry  *provider.Registry
	refresher Refresher
	events    EventPublisher
	auditor   audit.Recorder
	interval  time.Duration
	window    time.Duration
	logger    zerolog.Logger
}

// NewScheduler creates a refresh scheduler. window is the look-ahead: a
// connection expiring within it is refreshed on the next tick.
func NewScheduler(vault *connection.Vault, registry *provider.Registry, refresher Refresher, events EventPublisher, auditor audit.Recorder, interval, window time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		vault:     vault,
		registry:  registry,
		refresher: refresher,
		events:    events,
		auditor:   auditor,
		interval:  interval,
		window:    window,
		logger:    logger.With().Str("component", "refresh_scheduler").Logger(),
	}
}

// Run blocks until the context is cancelled, ticking at the configured
// interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("interval", s.interval).
		Dur("window", s.window).
		Msg("refresh scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("refresh scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one refresh pass. Exported so tests can drive it without real
// time.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.vault.DueForRefresh(ctx, time.Now().UTC(), s.window)
	if err != nil {
		s.logger.Error().Err(err).Msg("list connections due for refresh")
		return
	}
	if len(due) == 0 {
		return
	}
	s.logger.Info().Int("due", len(due)).Msg("refreshing expiring connections")

	var wg sync.WaitGroup
	for _, conn := range due {
		wg.Add(1)
		go func(conn *connection.Connection) {
			defer wg.Done()
			s.refreshOne(ctx, conn)
		}(conn)
	}
	wg.Wait()
}

func (s *Scheduler) refreshOne(ctx context.Context, conn *connection.Connection) {
	logger := s.logger.With().
		Str("connection_id", conn.ID.String()).
		Str("provider_id", conn.ProviderID).
		Logger()

	cfg, ok := s.registry.Get(conn.ProviderID)
	if !ok {
		// Provider removed from the catalog; leave the connection alone.
		logger.Warn().Msg("provider no longer in catalog, skipping refresh")
		s.auditor.Record(ctx, audit.Entry{
			Action:       audit.ActionTokenRefreshSkipped,
			Outcome:      audit.OutcomeFailure,
			Subject:      conn.Subject,
			ProviderID:   conn.ProviderID,
			ConnectionID: &conn.ID,
			Detail:       "provider no longer in catalog",
		})
		return
	}

	view, err := s.vault.View(ctx, conn.ID)
	if err != nil {
		logger.Error().Err(err).Msg("decrypt grant for refresh")
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	grant, err := s.refresher.Refresh(attemptCtx, cfg, view.RefreshToken)
	if err != nil {
		s.auditor.Record(ctx, audit.Entry{
			Action:       audit.ActionTokenRefreshFailed,
			Outcome:      audit.OutcomeFailure,
			Subject:      conn.Subject,
			ProviderID:   conn.ProviderID,
			ConnectionID: &conn.ID,
			Detail:       err.Error(),
		})

		if errors.Is(err, authflow.ErrTokenExchangeFailed) || errors.Is(err, authflow.ErrNoRefreshToken) {
			// The provider rejected the refresh token itself; only the user can
			// fix this. Transport failures and 5xx answers never take this
			// branch and fall through to the next tick.
			logger.Warn().Err(err).Msg("refresh rejected, connection needs reauthorization")
			if merr := s.vault.MarkReauthRequired(ctx, conn.ID); merr != nil {
				logger.Error().Err(merr).Msg("mark reauth required")
			}
			s.events.Dispatch(ctx, webhook.EventConnectionReauth, conn.Subject, map[string]interface{}{
				"connection_id": conn.ID,
				"provider_id":   conn.ProviderID,
				"subject":       conn.Subject,
			})
			return
		}
		logger.Warn().Err(err).Msg("refresh attempt failed, will retry next tick")
		return
	}

	expiresAt := grant.ExpiresAt(time.Now().UTC())
	if err := s.vault.StoreRefreshedTokens(ctx, conn, grant.AccessToken, grant.RefreshToken, expiresAt); err != nil {
		logger.Error().Err(err).Msg("store refreshed grant")
		return
	}

	s.auditor.Record(ctx, audit.Entry{
		Action:       audit.ActionTokenRefreshed,
		Outcome:      audit.OutcomeSuccess,
		Subject:      conn.Subject,
		ProviderID:   conn.ProviderID,
		ConnectionID: &conn.ID,
	})
	s.events.Dispatch(ctx, webhook.EventConnectionRefreshed, conn.Subject, map[string]interface{}{
		"connection_id":    conn.ID,
		"provider_id":      conn.ProviderID,
		"token_expires_at": expiresAt,
	})
}
