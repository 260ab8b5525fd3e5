package connection

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler exposes connection metadata over HTTP. Token material is never
// serialized by any of these endpoints.
type Handler struct {
	vault  *Vault
	logger zerolog.Logger
}

// NewHandler creates a connection handler.
func NewHandler(vault *Vault, logger zerolog.Logger) *Handler {
	return &Handler{vault: vault, logger: logger.With().Str("component", "connection_handler").Logger()}
}

// RegisterRoutes binds connection routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.ListConnections)
	g.GET("/:id", h.GetConnection)
	g.DELETE("/:id", h.Disconnect)
}

// ListConnections handles GET /v1/connections?subject=...
func (h *Handler) ListConnections(c echo.Context) error {
	subject := c.QueryParam("subject")
	if subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject query parameter is required")
	}
	conns, err := h.vault.ListBySubject(c.Request().Context(), subject)
	if err != nil {
		h.logger.Error().Err(err).Msg("list connections")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list connections")
	}
	if conns == nil {
		conns = []*Connection{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  conns,
		"total": len(conns),
	})
}

// GetConnection handles GET /v1/connections/:id.
func (h *Handler) GetConnection(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	conn, err := h.vault.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		h.logger.Error().Err(err).Msg("get connection")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get connection")
	}
	return c.JSON(http.StatusOK, conn)
}

// Disconnect handles DELETE /v1/connections/:id.
func (h *Handler) Disconnect(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}
	if err := h.vault.Disconnect(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		h.logger.Error().Err(err).Msg("disconnect connection")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to disconnect connection")
	}
	return c.NoContent(http.StatusNoContent)
}
