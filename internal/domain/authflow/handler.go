package authflow

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// FinalizationResult is what the connection layer hands back after a
// successful callback: the persisted connection and the one-time public
// token the caller exchanges for an access grant.
type FinalizationResult struct {
	ConnectionID uuid.UUID `json:"connection_id"`
	PublicToken  string    `json:"public_token"`
}

// ConnectionFinalizer turns a completed authorization into a stored
// connection. Implemented by the link token layer to avoid a dependency
// cycle between the two packages.
type ConnectionFinalizer interface {
	Finalize(ctx context.Context, st *State, grant *TokenGrant) (*FinalizationResult, error)
}

// WidgetTokenResolver validates a widget token presented on the connect
// endpoint and returns its id for correlation.
type WidgetTokenResolver interface {
	Resolve(ctx context.Context, token string) (uuid.UUID, error)
}

// Handler exposes the authorization flow endpoints.
type Handler struct {
	engine    *Engine
	finalizer ConnectionFinalizer
	widgets   WidgetTokenResolver
	logger    zerolog.Logger
}

// NewHandler creates an authorization flow handler. widgets may be nil when
// widget tokens are not enforced on the connect endpoint.
func NewHandler(engine *Engine, finalizer ConnectionFinalizer, widgets WidgetTokenResolver, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:    engine,
		finalizer: finalizer,
		widgets:   widgets,
		logger:    logger.With().Str("component", "authflow_handler").Logger(),
	}
}

// RegisterRoutes binds the flow routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/connect/:provider", h.Connect)
	g.GET("/callback", h.Callback)
}

// Connect handles GET /v1/connect/:provider. It starts an authorization
// flow and redirects the browser to the provider's authorization server.
// Clients that prefer JSON receive the authorization URL instead.
func (h *Handler) Connect(c echo.Context) error {
	opts := InitiateOptions{ReturnURL: c.QueryParam("return_url")}

	if token := c.QueryParam("widget_token"); token != "" && h.widgets != nil {
		id, err := h.widgets.Resolve(c.Request().Context(), token)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorBody("invalid or expired widget token", "INVALID_WIDGET_TOKEN"))
		}
		opts.WidgetTokenID = &id
	}

	init, err := h.engine.Initiate(c.Request().Context(), c.Param("provider"), opts)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownProvider):
			return c.JSON(http.StatusNotFound, errorBody("unknown provider", "UNKNOWN_PROVIDER"))
		case errors.Is(err, ErrProviderMisconfigured):
			return c.JSON(http.StatusServiceUnavailable, errorBody("provider is not configured", "PROVIDER_MISCONFIGURED"))
		default:
			h.logger.Error().Err(err).Msg("initiate authorization")
			return c.JSON(http.StatusInternalServerError, errorBody("failed to start authorization", "INTERNAL"))
		}
	}

	if wantsJSON(c) {
		return c.JSON(http.StatusOK, map[string]string{
			"authorization_url": init.AuthorizationURL,
		})
	}
	return c.Redirect(http.StatusFound, init.AuthorizationURL)
}

// Callback handles GET /v1/callback, the redirect target registered with
// every provider. The state is consumed exactly once; a replayed callback
// fails with INVALID_STATE regardless of which instance serves it.
func (h *Handler) Callback(c echo.Context) error {
	ctx := c.Request().Context()
	stateToken := c.QueryParam("state")

	if provErr := c.QueryParam("error"); provErr != "" {
		// The user denied access or the provider refused the request. Consume
		// the state anyway so the token cannot be replayed later.
		id, _, err := h.engine.signer.Verify(stateToken)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("invalid or expired state", "INVALID_STATE"))
		}
		st, err := h.engine.states.Consume(ctx, id, time.Now().UTC())
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody("invalid or expired state", "INVALID_STATE"))
		}
		h.logger.Info().
			Str("provider_id", st.ProviderID).
			Str("oauth_error", provErr).
			Msg("authorization declined by provider")
		return h.respondError(c, st.ReturnURL, provErr, "AUTHORIZATION_DECLINED")
	}

	code := c.QueryParam("code")
	if code == "" || stateToken == "" {
		return c.JSON(http.StatusBadRequest, errorBody("missing code or state", "INVALID_CALLBACK"))
	}

	grant, st, err := h.engine.Complete(ctx, stateToken, code)
	if err != nil {
		var xerr *ExchangeError
		switch {
		case errors.Is(err, ErrInvalidOrExpiredState):
			return c.JSON(http.StatusBadRequest, errorBody("invalid or expired state", "INVALID_STATE"))
		case errors.Is(err, ErrTokenExchangeFailed), errors.As(err, &xerr):
			var returnURL string
			if st != nil {
				returnURL = st.ReturnURL
			}
			return h.respondError(c, returnURL, "token exchange failed", "TOKEN_EXCHANGE_FAILED")
		case errors.Is(err, ErrUnknownProvider):
			return c.JSON(http.StatusNotFound, errorBody("unknown provider", "UNKNOWN_PROVIDER"))
		default:
			h.logger.Error().Err(err).Msg("complete authorization")
			return c.JSON(http.StatusInternalServerError, errorBody("failed to complete authorization", "INTERNAL"))
		}
	}

	result, err := h.finalizer.Finalize(ctx, st, grant)
	if err != nil {
		h.logger.Error().Err(err).Str("provider_id", st.ProviderID).Msg("finalize connection")
		return h.respondError(c, st.ReturnURL, "failed to store connection", "INTERNAL")
	}

	if st.ReturnURL != "" {
		return c.Redirect(http.StatusFound, appendQuery(st.ReturnURL, url.Values{
			"public_token":  {result.PublicToken},
			"connection_id": {result.ConnectionID.String()},
		}))
	}
	return c.JSON(http.StatusOK, result)
}

// respondError redirects to the caller's return URL with error details when
// one was captured at initiation, otherwise answers with a JSON body.
func (h *Handler) respondError(c echo.Context, returnURL, message, code string) error {
	if returnURL != "" {
		return c.Redirect(http.StatusFound, appendQuery(returnURL, url.Values{
			"error":      {message},
			"error_code": {code},
		}))
	}
	return c.JSON(http.StatusBadGateway, errorBody(message, code))
}

func errorBody(message, code string) map[string]string {
	return map[string]string{"error": message, "code": code}
}

func wantsJSON(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMEApplicationJSON)
}

func appendQuery(rawURL string, q url.Values) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + q.Encode()
}
