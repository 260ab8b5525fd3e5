// Package connection owns patient-to-provider links and the encrypted token
// vault behind them. Token material is AES-256-GCM encrypted at rest with a
// versioned key; plaintext tokens exist only in memory, inside decrypted
// views handed to callers.
package connection

import (
	"time"

	"github.com/google/uuid"
)

// Status describes a connection's usability.
type Status string

const (
	// StatusActive means the vault holds a usable or refreshable grant.
	StatusActive Status = "active"
	// StatusReauthRequired means the grant expired with no refresh token, or
	// the provider rejected a refresh. The user must run the flow again.
	StatusReauthRequired Status = "reauth_required"
	// StatusDisconnected means the user revoked the connection.
	StatusDisconnected Status = "disconnected"
)

// Connection links one subject to one provider patient record.
type Connection struct {
	ID                uuid.UUID `json:"id"`
	Subject           string    `json:"subject"`
	ProviderID        string    `json:"provider_id"`
	ExternalPatientID string    `json:"external_patient_id"`
	Scope             string    `json:"scope,omitempty"`
	Status            Status    `json:"status"`

	// Products narrows which resource types a fetch covers by default. Empty
	// means unrestricted.
	Products []string `json:"products,omitempty"`

	// Ciphertexts never serialize. RefreshTokenCiphertext is empty when the
	// provider issued no refresh token.
	AccessTokenCiphertext  string `json:"-"`
	RefreshTokenCiphertext string `json:"-"`

	TokenExpiresAt  time.Time  `json:"token_expires_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// HasRefreshToken reports whether the vault can renew this grant without
// user interaction.
func (c *Connection) HasRefreshToken() bool {
	return c.RefreshTokenCiphertext != ""
}

// TokenView is a decrypted snapshot of a connection's grant. It is built on
// demand and never persisted.
type TokenView struct {
	ConnectionID uuid.UUID
	ProviderID   string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ExpiredAt reports whether the access token is past its expiry at the given
// instant.
func (v *TokenView) ExpiredAt(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}
