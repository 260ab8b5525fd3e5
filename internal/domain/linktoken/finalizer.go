package linktoken

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/audit"
	"github.com/carelink/carelink/internal/domain/authflow"
	"github.com/carelink/carelink/internal/domain/connection"
	"github.com/carelink/carelink/internal/domain/webhook"
)

// anonymousSubject labels connections created without a widget token, which
// only happens on development flows started directly against the connect
// endpoint.
const anonymousSubject = "anonymous"

// EventPublisher fans domain events out to webhook subscribers. Satisfied by
// webhook.Dispatcher. owner scopes the event to one subject's webhooks.
type EventPublisher interface {
	Dispatch(ctx context.Context, eventType, owner string, data interface{})
}

// Finalizer turns a completed authorization into a stored connection plus a
// public token. It implements authflow.ConnectionFinalizer.
type Finalizer struct {
	vault   *connection.Vault
	tokens  *Service
	events  EventPublisher
	auditor audit.Recorder
	logger  zerolog.Logger
}

// NewFinalizer creates a flow finalizer.
func NewFinalizer(vault *connection.Vault, tokens *Service, events EventPublisher, auditor audit.Recorder, logger zerolog.Logger) *Finalizer {
	return &Finalizer{
		vault:   vault,
		tokens:  tokens,
		events:  events,
		auditor: auditor,
		logger:  logger.With().Str("component", "finalizer").Logger(),
	}
}

// Finalize consumes the widget token, stores the encrypted grant, mints the
// public token, and announces the new connection. The widget token is
// consumed first: a flow whose widget token expired mid-redirect fails here
// rather than creating an unowned connection.
func (f *Finalizer) Finalize(ctx context.Context, st *authflow.State, grant *authflow.TokenGrant) (*authflow.FinalizationResult, error) {
	subject := anonymousSubject
	var products []string
	if st.WidgetTokenID != nil {
		wt, err := f.tokens.ConsumeWidgetToken(ctx, *st.WidgetTokenID)
		if err != nil {
			return nil, fmt.Errorf("consume widget token: %w", err)
		}
		subject = wt.Subject
		products = wt.Products
	}

	externalPatientID := grant.Patient
	if externalPatientID == "" {
		// Providers that omit the launch context still get a stable identity
		// per authorization state.
		externalPatientID = st.ID.String()
	}

	conn, err := f.vault.Store(ctx, connection.StoreInput{
		Subject:           subject,
		ProviderID:        st.ProviderID,
		ExternalPatientID: externalPatientID,
		Scope:             grant.Scope,
		Products:          products,
		AccessToken:       grant.AccessToken,
		RefreshToken:      grant.RefreshToken,
		ExpiresAt:         grant.ExpiresAt(time.Now().UTC()),
	})
	if err != nil {
		return nil, err
	}

	publicToken, _, err := f.tokens.MintPublicToken(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	f.auditor.Record(ctx, audit.Entry{
		Action:       audit.ActionAuthorizationGranted,
		Outcome:      audit.OutcomeSuccess,
		Subject:      subject,
		ProviderID:   conn.ProviderID,
		ConnectionID: &conn.ID,
	})
	f.events.Dispatch(ctx, webhook.EventConnectionCreated, subject, map[string]interface{}{
		"connection_id": conn.ID,
		"provider_id":   conn.ProviderID,
		"subject":       subject,
		"status":        conn.Status,
	})

	return &authflow.FinalizationResult{
		ConnectionID: conn.ID,
		PublicToken:  publicToken,
	}, nil
}
