package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/crypto"
)

// ErrReauthorizationRequired means the vault cannot produce a usable access
// token: the grant expired with no refresh token, a refresh was rejected, or
// the connection was disconnected. Only a new authorization flow recovers.
var ErrReauthorizationRequired = errors.New("reauthorization required")

// Vault stores and retrieves connection grants, encrypting token material
// before it reaches the repository and decrypting on the way out. Concurrent
// writers for the same identity resolve last writer wins.
type Vault struct {
	repo   Repository
	cipher *crypto.Rotator
	logger zerolog.Logger
}

// NewVault creates a token vault over the given repository and cipher.
func NewVault(repo Repository, cipher *crypto.Rotator, logger zerolog.Logger) *Vault {
	return &Vault{
		repo:   repo,
		cipher: cipher,
		logger: logger.With().Str("component", "vault").Logger(),
	}
}

// StoreInput carries the plaintext grant captured from a completed
// authorization.
type StoreInput struct {
	Subject           string
	ProviderID        string
	ExternalPatientID string
	Scope             string
	Products          []string
	AccessToken       string
	RefreshToken      string
	ExpiresAt         time.Time
}

// Store encrypts the grant and upserts the connection. Re-authorizing an
// existing (subject, provider, patient) identity overwrites the stored grant
// and revives a reauth_required connection.
func (v *Vault) Store(ctx context.Context, in StoreInput) (*Connection, error) {
	accessCt, err := v.cipher.Encrypt(in.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshCt string
	if in.RefreshToken != "" {
		if refreshCt, err = v.cipher.Encrypt(in.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	now := time.Now().UTC()
	conn := &Connection{
		ID:                     uuid.New(),
		Subject:                in.Subject,
		ProviderID:             in.ProviderID,
		ExternalPatientID:      in.ExternalPatientID,
		Scope:                  in.Scope,
		Products:               in.Products,
		Status:                 StatusActive,
		AccessTokenCiphertext:  accessCt,
		RefreshTokenCiphertext: refreshCt,
		TokenExpiresAt:         in.ExpiresAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := v.repo.Upsert(ctx, conn); err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}

	v.logger.Info().
		Str("connection_id", conn.ID.String()).
		Str("provider_id", conn.ProviderID).
		Bool("has_refresh_token", conn.HasRefreshToken()).
		Time("token_expires_at", conn.TokenExpiresAt).
		Msg("grant stored")
	return conn, nil
}

// View decrypts a connection's grant without judging its freshness. Callers
// that need a usable access token should prefer AccessToken.
func (v *Vault) View(ctx context.Context, id uuid.UUID) (*TokenView, error) {
	conn, err := v.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return v.decryptView(conn)
}

// AccessToken returns a decrypted view with a still-valid access token. An
// expired grant without a refresh token marks the connection reauth_required
// and fails with ErrReauthorizationRequired; an expired grant with a refresh
// token is reported via the view so the caller can refresh inline.
func (v *Vault) AccessToken(ctx context.Context, id uuid.UUID, now time.Time) (*TokenView, *Connection, error) {
	conn, err := v.repo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if conn.Status != StatusActive {
		return nil, conn, ErrReauthorizationRequired
	}

	view, err := v.decryptView(conn)
	if err != nil {
		return nil, conn, err
	}
	if view.ExpiredAt(now) && !conn.HasRefreshToken() {
		if err := v.repo.UpdateStatus(ctx, conn.ID, StatusReauthRequired); err != nil {
			v.logger.Error().Err(err).Str("connection_id", conn.ID.String()).Msg("mark reauth required")
		}
		return nil, conn, ErrReauthorizationRequired
	}
	return view, conn, nil
}

// DueForRefresh lists active connections whose access token expires within
// the horizon and which hold a refresh token.
func (v *Vault) DueForRefresh(ctx context.Context, now time.Time, horizon time.Duration) ([]*Connection, error) {
	return v.repo.ListExpiringBefore(ctx, now.Add(horizon))
}

// StoreRefreshedTokens replaces the grant after a successful refresh. When
// the provider did not rotate the refresh token, the previous one is kept.
func (v *Vault) StoreRefreshedTokens(ctx context.Context, conn *Connection, accessToken, refreshToken string, expiresAt time.Time) error {
	accessCt, err := v.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refreshCt := conn.RefreshTokenCiphertext
	if refreshToken != "" {
		if refreshCt, err = v.cipher.Encrypt(refreshToken); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	now := time.Now().UTC()
	if err := v.repo.UpdateTokens(ctx, conn.ID, accessCt, refreshCt, expiresAt, now); err != nil {
		return err
	}
	v.logger.Info().
		Str("connection_id", conn.ID.String()).
		Str("provider_id", conn.ProviderID).
		Bool("refresh_token_rotated", refreshToken != "").
		Time("token_expires_at", expiresAt).
		Msg("grant refreshed")
	return nil
}

// MarkReauthRequired downgrades a connection after a terminal refresh
// failure.
func (v *Vault) MarkReauthRequired(ctx context.Context, id uuid.UUID) error {
	return v.repo.UpdateStatus(ctx, id, StatusReauthRequired)
}

// Disconnect revokes a connection. Its ciphertexts stay in place but the
// vault refuses to decrypt them afterwards.
func (v *Vault) Disconnect(ctx context.Context, id uuid.UUID) error {
	return v.repo.UpdateStatus(ctx, id, StatusDisconnected)
}

// Get returns a connection's metadata without decrypting anything.
func (v *Vault) Get(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return v.repo.GetByID(ctx, id)
}

// ListBySubject returns a subject's connections, metadata only.
func (v *Vault) ListBySubject(ctx context.Context, subject string) ([]*Connection, error) {
	return v.repo.ListBySubject(ctx, subject)
}

func (v *Vault) decryptView(conn *Connection) (*TokenView, error) {
	access, err := v.cipher.Decrypt(conn.AccessTokenCiphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	var refresh string
	if conn.RefreshTokenCiphertext != "" {
		if refresh, err = v.cipher.Decrypt(conn.RefreshTokenCiphertext); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return &TokenView{
		ConnectionID: conn.ID,
		ProviderID:   conn.ProviderID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    conn.TokenExpiresAt,
	}, nil
}
