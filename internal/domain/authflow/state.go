package authflow

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// State is the ephemeral correlation record for one redirect round-trip.
// The PKCE verifier and return URL stay server-side in shared storage; only
// the correlation id travels through the browser inside the signed state
// token, so the verifier is never exposed to the user agent.
type State struct {
	ID            uuid.UUID  `json:"id"`
	ProviderID    string     `json:"provider_id"`
	CodeVerifier  string     `json:"-"`
	ReturnURL     string     `json:"return_url,omitempty"`
	WidgetTokenID *uuid.UUID `json:"widget_token_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
}

// StateSigner serializes state ids into tamper-evident tokens suitable for
// the OAuth state parameter. The token is self-describing, so the callback
// can land on any instance; one-time consumption lives in shared storage
// keyed by the embedded id.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewStateSigner creates a signer. ttl bounds how long an issued state
// token is accepted.
func NewStateSigner(secret string, ttl time.Duration) *StateSigner {
	return &StateSigner{secret: []byte(secret), ttl: ttl}
}

// TTL returns the signer's state lifetime.
func (s *StateSigner) TTL() time.Duration { return s.ttl }

type stateClaims struct {
	ProviderID string `json:"pvd"`
	jwt.RegisteredClaims
}

// Sign produces the state parameter for a stored State.
func (s *StateSigner) Sign(st *State) (string, error) {
	claims := stateClaims{
		ProviderID: st.ProviderID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        st.ID.String(),
			IssuedAt:  jwt.NewNumericDate(st.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(st.ExpiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign state token: %w", err)
	}
	return signed, nil
}

// Verify parses a state parameter and returns the embedded correlation id
// and provider id. Any failure maps to ErrInvalidOrExpiredState.
func (s *StateSigner) Verify(tokenStr string) (uuid.UUID, string, error) {
	claims := &stateClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, "", ErrInvalidOrExpiredState
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		return uuid.Nil, "", ErrInvalidOrExpiredState
	}
	return id, claims.ProviderID, nil
}
