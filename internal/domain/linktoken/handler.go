package linktoken

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/audit"
	"github.com/carelink/carelink/internal/domain/connection"
)

// Handler exposes the token handshake endpoints.
type Handler struct {
	tokens  *Service
	vault   *connection.Vault
	auditor audit.Recorder
	logger  zerolog.Logger
}

// NewHandler creates a link token handler.
func NewHandler(tokens *Service, vault *connection.Vault, auditor audit.Recorder, logger zerolog.Logger) *Handler {
	return &Handler{
		tokens:  tokens,
		vault:   vault,
		auditor: auditor,
		logger:  logger.With().Str("component", "linktoken_handler").Logger(),
	}
}

// RegisterRoutes binds the handshake routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/widget-tokens", h.CreateWidgetToken)
	g.POST("/public-tokens/exchange", h.ExchangePublicToken)
}

type createWidgetTokenRequest struct {
	Subject  string   `json:"subject"`
	Products []string `json:"products"`
}

// CreateWidgetToken handles POST /v1/widget-tokens.
func (h *Handler) CreateWidgetToken(c echo.Context) error {
	var req createWidgetTokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}

	token, wt, err := h.tokens.MintWidgetToken(c.Request().Context(), req.Subject, req.Products)
	if err != nil {
		h.logger.Error().Err(err).Msg("mint widget token")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create widget token")
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"widget_token": token,
		"expires_at":   wt.ExpiresAt,
	})
}

type exchangeRequest struct {
	PublicToken string `json:"public_token"`
}

// ExchangePublicToken handles POST /v1/public-tokens/exchange. The token is
// single-use; a second exchange fails regardless of which instance served
// the first.
func (h *Handler) ExchangePublicToken(c echo.Context) error {
	var req exchangeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PublicToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "public_token is required")
	}

	ctx := c.Request().Context()
	pt, err := h.tokens.ExchangePublicToken(ctx, req.PublicToken)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return c.JSON(http.StatusUnauthorized, map[string]string{
				"error": "invalid or expired public token",
				"code":  "INVALID_PUBLIC_TOKEN",
			})
		}
		h.logger.Error().Err(err).Msg("exchange public token")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to exchange public token")
	}

	conn, err := h.vault.Get(ctx, pt.ConnectionID)
	if err != nil {
		h.logger.Error().Err(err).Str("connection_id", pt.ConnectionID.String()).Msg("load exchanged connection")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load connection")
	}

	h.auditor.Record(ctx, audit.Entry{
		Action:       audit.ActionPublicTokenExchanged,
		Outcome:      audit.OutcomeSuccess,
		Subject:      conn.Subject,
		ProviderID:   conn.ProviderID,
		ConnectionID: &conn.ID,
	})
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connection": conn,
	})
}
