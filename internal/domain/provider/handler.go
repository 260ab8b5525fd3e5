package provider

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the provider catalog over HTTP.
type Handler struct {
	registry *Registry
}

// NewHandler creates a provider catalog handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes binds the provider routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.ListProviders)
	g.GET("/:id", h.GetProvider)
}

// providerView is the outward representation of a provider; secrets never
// leave the process and the configured flag replaces them.
type providerView struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Category    Category `json:"category"`
	UsesPKCE    bool     `json:"uses_pkce"`
	Configured  bool     `json:"configured"`
}

func toView(cfg Config) providerView {
	return providerView{
		ID:          cfg.ID,
		DisplayName: cfg.DisplayName,
		Category:    cfg.Category,
		UsesPKCE:    cfg.UsesPKCE(),
		Configured:  cfg.Configured(),
	}
}

// ListProviders handles GET /v1/providers.
func (h *Handler) ListProviders(c echo.Context) error {
	configs := h.registry.List()
	views := make([]providerView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, toView(cfg))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  views,
		"total": len(views),
	})
}

// GetProvider handles GET /v1/providers/:id.
func (h *Handler) GetProvider(c echo.Context) error {
	cfg, ok := h.registry.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "provider not found")
	}
	return c.JSON(http.StatusOK, toView(cfg))
}
