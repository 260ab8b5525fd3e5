package linktoken

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service mints and redeems widget and public tokens.
type Service struct {
	widgets   WidgetTokenRepository
	publics   PublicTokenRepository
	widgetTTL time.Duration
	publicTTL time.Duration
	logger    zerolog.Logger
}

// NewService creates a link token service.
func NewService(widgets WidgetTokenRepository, publics PublicTokenRepository, widgetTTL, publicTTL time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		widgets:   widgets,
		publics:   publics,
		widgetTTL: widgetTTL,
		publicTTL: publicTTL,
		logger:    logger.With().Str("component", "linktoken").Logger(),
	}
}

// MintWidgetToken issues a widget token for a subject, optionally scoped to
// a set of products. The secret is returned exactly once; only its digest is
// stored.
func (s *Service) MintWidgetToken(ctx context.Context, subject string, products []string) (string, *WidgetToken, error) {
	token, hash, err := generateToken(widgetTokenPrefix)
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC()
	wt := &WidgetToken{
		ID:        uuid.New(),
		TokenHash: hash,
		Subject:   subject,
		Products:  products,
		ExpiresAt: now.Add(s.widgetTTL),
		CreatedAt: now,
	}
	if err := s.widgets.Create(ctx, wt); err != nil {
		return "", nil, fmt.Errorf("store widget token: %w", err)
	}
	s.logger.Info().Str("widget_token_id", wt.ID.String()).Str("subject", subject).Msg("widget token minted")
	return token, wt, nil
}

// Resolve validates a widget token without consuming it and returns its id.
// The connect endpoint calls this; consumption happens once the flow
// completes, so an abandoned redirect does not burn the token.
func (s *Service) Resolve(ctx context.Context, token string) (uuid.UUID, error) {
	if !hasPrefix(token, widgetTokenPrefix) {
		return uuid.Nil, ErrInvalidToken
	}
	wt, err := s.widgets.GetByHash(ctx, hashToken(token))
	if err != nil {
		return uuid.Nil, err
	}
	if wt.ConsumedAt != nil || time.Now().UTC().After(wt.ExpiresAt) {
		return uuid.Nil, ErrInvalidToken
	}
	return wt.ID, nil
}

// ConsumeWidgetToken atomically consumes a widget token by id and returns
// it, including the subject it was minted for.
func (s *Service) ConsumeWidgetToken(ctx context.Context, id uuid.UUID) (*WidgetToken, error) {
	return s.widgets.Consume(ctx, id, time.Now().UTC())
}

// MintPublicToken issues a single-use public token for a connection.
func (s *Service) MintPublicToken(ctx context.Context, connectionID uuid.UUID) (string, *PublicToken, error) {
	token, hash, err := generateToken(publicTokenPrefix)
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC()
	pt := &PublicToken{
		ID:           uuid.New(),
		TokenHash:    hash,
		ConnectionID: connectionID,
		ExpiresAt:    now.Add(s.publicTTL),
		CreatedAt:    now,
	}
	if err := s.publics.Create(ctx, pt); err != nil {
		return "", nil, fmt.Errorf("store public token: %w", err)
	}
	return token, pt, nil
}

// ExchangePublicToken redeems a public token for its connection id. Exactly
// one concurrent exchange of the same token succeeds.
func (s *Service) ExchangePublicToken(ctx context.Context, token string) (*PublicToken, error) {
	if !hasPrefix(token, publicTokenPrefix) {
		return nil, ErrInvalidToken
	}
	pt, err := s.publics.Consume(ctx, hashToken(token), time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("public_token_id", pt.ID.String()).
		Str("connection_id", pt.ConnectionID.String()).
		Msg("public token exchanged")
	return pt, nil
}

// PurgeExpired removes expired tokens of both kinds.
func (s *Service) PurgeExpired(ctx context.Context) {
	now := time.Now().UTC()
	if n, err := s.widgets.DeleteExpired(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("purge widget tokens")
	} else if n > 0 {
		s.logger.Debug().Int64("count", n).Msg("expired widget tokens purged")
	}
	if n, err := s.publics.DeleteExpired(ctx, now); err != nil {
		s.logger.Error().Err(err).Msg("purge public tokens")
	} else if n > 0 {
		s.logger.Debug().Int64("count", n).Msg("expired public tokens purged")
	}
}
