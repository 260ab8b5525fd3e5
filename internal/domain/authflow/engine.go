package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/provider"
)

// defaultTokenExpiry is assumed when a token endpoint omits expires_in.
const defaultTokenExpiry = 3600

// TokenGrant is the parsed result of a successful token endpoint response.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scope        string
	// Patient carries the launch context patient identifier some servers
	// return alongside the tokens.
	Patient string
}

// ExpiresAt converts the relative expiry into an absolute instant.
func (g *TokenGrant) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(g.ExpiresIn) * time.Second)
}

// InitiateOptions carries per-request inputs for starting an authorization.
type InitiateOptions struct {
	ReturnURL     string
	WidgetTokenID *uuid.UUID
}

// Initiation is the outcome of starting an authorization flow.
type Initiation struct {
	AuthorizationURL string
	StateToken       string
	State            *State
}

// Engine drives the authorization code flow against heterogeneous provider
// authorization servers.
type Engine struct {
	registry    *provider.Registry
	states      StateRepository
	signer      *StateSigner
	client      *http.Client
	redirectURI string
	logger      zerolog.Logger
}

// NewEngine creates an authorization engine. redirectURI is this service's
// callback endpoint, registered with every provider.
func NewEngine(registry *provider.Registry, states StateRepository, signer *StateSigner, redirectURI string, logger zerolog.Logger) *Engine {
	return &Engine{
		registry:    registry,
		states:      states,
		signer:      signer,
		client:      &http.Client{Timeout: 30 * time.Second},
		redirectURI: redirectURI,
		logger:      logger.With().Str("component", "authflow").Logger(),
	}
}

// SetHTTPClient replaces the HTTP client used for token exchange.
func (e *Engine) SetHTTPClient(c *http.Client) { e.client = c }

// Initiate creates a fresh authorization state, persists it, and builds the
// provider authorization URL. The PKCE verifier never leaves server-side
// storage; only its S256 challenge appears in the URL.
func (e *Engine) Initiate(ctx context.Context, providerID string, opts InitiateOptions) (*Initiation, error) {
	cfg, ok := e.registry.Get(providerID)
	if !ok {
		return nil, ErrUnknownProvider
	}
	if !cfg.Configured() {
		return nil, fmt.Errorf("%w: %s", ErrProviderMisconfigured, providerID)
	}

	now := time.Now().UTC()
	st := &State{
		ID:            uuid.New(),
		ProviderID:    cfg.ID,
		ReturnURL:     opts.ReturnURL,
		WidgetTokenID: opts.WidgetTokenID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.signer.TTL()),
	}

	var challenge string
	if cfg.UsesPKCE() {
		verifier, ch, err := GeneratePKCE()
		if err != nil {
			return nil, err
		}
		st.CodeVerifier = verifier
		challenge = ch
	}

	if err := e.states.Create(ctx, st); err != nil {
		return nil, fmt.Errorf("persist authorization state: %w", err)
	}

	stateToken, err := e.signer.Sign(st)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", e.redirectURI)
	q.Set("scope", cfg.Scopes)
	q.Set("state", stateToken)
	if challenge != "" {
		q.Set("code_challenge", challenge)
		q.Set("code_challenge_method", "S256")
	}
	if cfg.RequiresAudience {
		q.Set("aud", cfg.EffectiveAudience())
	}

	sep := "?"
	if strings.Contains(cfg.AuthorizeURL, "?") {
		sep = "&"
	}

	e.logger.Info().
		Str("provider_id", cfg.ID).
		Str("state_id", st.ID.String()).
		Msg("authorization initiated")

	return &Initiation{
		AuthorizationURL: cfg.AuthorizeURL + sep + q.Encode(),
		StateToken:       stateToken,
		State:            st,
	}, nil
}

// Complete verifies and consumes the state, then exchanges the authorization
// code for tokens at the provider's token endpoint. The state is consumed
// before any network call, so a replayed callback fails fast without hitting
// the provider.
func (e *Engine) Complete(ctx context.Context, stateToken, code string) (*TokenGrant, *State, error) {
	id, _, err := e.signer.Verify(stateToken)
	if err != nil {
		return nil, nil, err
	}

	st, err := e.states.Consume(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}

	cfg, ok := e.registry.Get(st.ProviderID)
	if !ok {
		// The provider was removed between initiation and callback.
		return nil, nil, ErrUnknownProvider
	}

	grant, err := e.exchangeCode(ctx, cfg, code, st.CodeVerifier)
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("provider_id", cfg.ID).
			Str("state_id", st.ID.String()).
			Msg("token exchange failed")
		return nil, st, err
	}

	e.logger.Info().
		Str("provider_id", cfg.ID).
		Str("state_id", st.ID.String()).
		Bool("has_refresh_token", grant.RefreshToken != "").
		Msg("authorization completed")

	return grant, st, nil
}

// Refresh exchanges a refresh token for a new grant. It fails with
// ErrNoRefreshToken before any network activity when no token is available.
func (e *Engine) Refresh(ctx context.Context, cfg provider.Config, refreshToken string) (*TokenGrant, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if cfg.AuthStyle == provider.AuthStylePKCE {
		form.Set("client_id", cfg.ClientID)
	}

	return e.postTokenEndpoint(ctx, cfg, form)
}

func (e *Engine) exchangeCode(ctx context.Context, cfg provider.Config, code, verifier string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", e.redirectURI)

	switch cfg.AuthStyle {
	case provider.AuthStyleBasic:
		// Credentials travel in the Authorization header, set below.
	default:
		form.Set("client_id", cfg.ClientID)
		if verifier != "" {
			form.Set("code_verifier", verifier)
		}
		// Some PKCE servers additionally require a confidential client
		// secret in the body.
		if cfg.ClientSecret != "" {
			form.Set("client_secret", cfg.ClientSecret)
		}
	}

	return e.postTokenEndpoint(ctx, cfg, form)
}

func (e *Engine) postTokenEndpoint(ctx context.Context, cfg provider.Config, form url.Values) (*TokenGrant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if cfg.AuthStyle == provider.AuthStyleBasic {
		req.SetBasicAuth(cfg.ClientID, cfg.ClientSecret)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Transport failures stay distinguishable from a provider rejection:
		// callers retry the former and re-authorize on the latter.
		return nil, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTokenExchangeFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ExchangeError{Status: resp.StatusCode}
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
		Patient      string `json:"patient"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrTokenExchangeFailed, err)
	}
	if payload.AccessToken == "" {
		return nil, fmt.Errorf("%w: response missing access_token", ErrTokenExchangeFailed)
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = defaultTokenExpiry
	}

	return &TokenGrant{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresIn:    payload.ExpiresIn,
		Scope:        payload.Scope,
		Patient:      payload.Patient,
	}, nil
}
