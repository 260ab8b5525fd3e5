package webhook

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler exposes webhook subscription management.
type Handler struct {
	webhooks   Repository
	deliveries DeliveryRepository
	logger     zerolog.Logger
}

// NewHandler creates a webhook management handler.
func NewHandler(webhooks Repository, deliveries DeliveryRepository, logger zerolog.Logger) *Handler {
	return &Handler{
		webhooks:   webhooks,
		deliveries: deliveries,
		logger:     logger.With().Str("component", "webhook_handler").Logger(),
	}
}

// RegisterRoutes binds webhook routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.CreateWebhook)
	g.GET("", h.ListWebhooks)
	g.GET("/:id", h.GetWebhook)
	g.DELETE("/:id", h.DeleteWebhook)
	g.GET("/:id/deliveries", h.ListDeliveries)
}

type createWebhookRequest struct {
	Subject    string   `json:"subject"`
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types,omitempty"`
}

// createWebhookResponse carries the signing secret exactly once, at
// creation. It is never retrievable afterwards.
type createWebhookResponse struct {
	*Webhook
	Secret string `json:"secret"`
}

// CreateWebhook handles POST /v1/webhooks.
func (h *Handler) CreateWebhook(c echo.Context) error {
	var req createWebhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url must be a valid http(s) URL")
	}

	secret, err := generateSecret()
	if err != nil {
		h.logger.Error().Err(err).Msg("generate webhook secret")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create webhook")
	}
	wh := &Webhook{
		ID:         uuid.New(),
		Subject:    req.Subject,
		URL:        req.URL,
		Secret:     secret,
		EventTypes: req.EventTypes,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.webhooks.Create(c.Request().Context(), wh); err != nil {
		h.logger.Error().Err(err).Msg("create webhook")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create webhook")
	}
	return c.JSON(http.StatusCreated, createWebhookResponse{Webhook: wh, Secret: secret})
}

// ListWebhooks handles GET /v1/webhooks. Results are scoped to the subject
// given in the query; one subject never sees another's endpoints.
func (h *Handler) ListWebhooks(c echo.Context) error {
	subject := c.QueryParam("subject")
	if subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}
	whs, err := h.webhooks.ListBySubject(c.Request().Context(), subject)
	if err != nil {
		h.logger.Error().Err(err).Msg("list webhooks")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list webhooks")
	}
	if whs == nil {
		whs = []*Webhook{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  whs,
		"total": len(whs),
	})
}

// getOwned loads a webhook and verifies it belongs to the subject named in
// the query. Another subject's webhook reads as not found rather than
// forbidden, so ids stay unguessable.
func (h *Handler) getOwned(c echo.Context) (*Webhook, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid webhook id")
	}
	subject := c.QueryParam("subject")
	if subject == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}
	wh, err := h.webhooks.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, echo.NewHTTPError(http.StatusNotFound, "webhook not found")
		}
		h.logger.Error().Err(err).Msg("get webhook")
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to get webhook")
	}
	if wh.Subject != subject {
		return nil, echo.NewHTTPError(http.StatusNotFound, "webhook not found")
	}
	return wh, nil
}

// GetWebhook handles GET /v1/webhooks/:id.
func (h *Handler) GetWebhook(c echo.Context) error {
	wh, err := h.getOwned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wh)
}

// DeleteWebhook handles DELETE /v1/webhooks/:id.
func (h *Handler) DeleteWebhook(c echo.Context) error {
	wh, err := h.getOwned(c)
	if err != nil {
		return err
	}
	if err := h.webhooks.Delete(c.Request().Context(), wh.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "webhook not found")
		}
		h.logger.Error().Err(err).Msg("delete webhook")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to delete webhook")
	}
	return c.NoContent(http.StatusNoContent)
}

// ListDeliveries handles GET /v1/webhooks/:id/deliveries.
func (h *Handler) ListDeliveries(c echo.Context) error {
	wh, err := h.getOwned(c)
	if err != nil {
		return err
	}
	ds, err := h.deliveries.ListByWebhook(c.Request().Context(), wh.ID, 100)
	if err != nil {
		h.logger.Error().Err(err).Msg("list deliveries")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list deliveries")
	}
	if ds == nil {
		ds = []*Delivery{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  ds,
		"total": len(ds),
	})
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
