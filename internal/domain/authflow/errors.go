package authflow

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnknownProvider means the provider id resolves to nothing in the
	// registry. Configuration error; never retried.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrProviderMisconfigured means the provider exists but lacks required
	// endpoint or client values. Configuration error; never retried.
	ErrProviderMisconfigured = errors.New("provider is not configured")

	// ErrInvalidOrExpiredState covers every state-token failure: bad
	// signature, expiry, unknown correlation id, or replay. The caller must
	// restart the flow.
	ErrInvalidOrExpiredState = errors.New("invalid or expired state")

	// ErrTokenExchangeFailed means the provider's token endpoint rejected
	// the exchange or returned a malformed response.
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrNoRefreshToken means a refresh was requested for a grant that never
	// carried a refresh token. Terminal; the user must re-authorize.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// ExchangeError is a non-2xx answer from a provider token endpoint. Only a
// terminal rejection unwraps to ErrTokenExchangeFailed; a 5xx or any other
// transient status does not, so schedulers retry it on a later tick instead
// of demanding reauthorization.
type ExchangeError struct {
	Status int
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token endpoint returned status %d", e.Status)
}

// Terminal reports whether the provider rejected the grant itself, as
// opposed to failing to answer. 400/401/403 are invalid_grant-class
// rejections; everything else is treated as transient.
func (e *ExchangeError) Terminal() bool {
	switch e.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func (e *ExchangeError) Unwrap() error {
	if e.Terminal() {
		return ErrTokenExchangeFailed
	}
	return nil
}
