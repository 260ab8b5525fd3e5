// Package linktoken implements the two-token handshake around the
// authorization flow: short-lived widget tokens authorize opening the
// connect flow for a subject, and single-use public tokens hand the
// resulting connection back to the API consumer. Only SHA-256 digests of
// token secrets are stored.
package linktoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidToken covers every token failure: bad format, unknown digest,
// expiry, or reuse.
var ErrInvalidToken = errors.New("invalid or expired token")

const (
	widgetTokenPrefix = "wt_"
	publicTokenPrefix = "pt_"
)

// WidgetToken authorizes one subject to open the connect flow. Products
// optionally narrows which resource types the resulting connection covers.
type WidgetToken struct {
	ID         uuid.UUID  `json:"id"`
	TokenHash  string     `json:"-"`
	Subject    string     `json:"subject"`
	Products   []string   `json:"products,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// PublicToken is the single-use receipt for a completed authorization. The
// API consumer exchanges it server-side for the connection id.
type PublicToken struct {
	ID           uuid.UUID  `json:"id"`
	TokenHash    string     `json:"-"`
	ConnectionID uuid.UUID  `json:"connection_id"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// generateToken mints a prefixed opaque secret and its storage digest.
func generateToken(prefix string) (token, hash string, err error) {
	b := make([]byte, 32)
	if _, err = rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token = prefix + base64.RawURLEncoding.EncodeToString(b)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func hasPrefix(token, prefix string) bool {
	return strings.HasPrefix(token, prefix) && len(token) > len(prefix)
}
