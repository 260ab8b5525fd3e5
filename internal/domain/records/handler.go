package records

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/domain/audit"
	"github.com/carelink/carelink/internal/domain/connection"
)

// Handler exposes record retrieval over HTTP.
type Handler struct {
	fetcher *Fetcher
	auditor audit.Recorder
	logger  zerolog.Logger
}

// NewHandler creates a records handler.
func NewHandler(fetcher *Fetcher, auditor audit.Recorder, logger zerolog.Logger) *Handler {
	return &Handler{
		fetcher: fetcher,
		auditor: auditor,
		logger:  logger.With().Str("component", "records_handler").Logger(),
	}
}

// RegisterRoutes binds record routes to the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/:id/records", h.GetRecords)
}

// GetRecords handles GET /v1/connections/:id/records. The optional types
// query narrows the fetch to a comma-separated list of resource types.
func (h *Handler) GetRecords(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid connection id")
	}

	var types []string
	if raw := c.QueryParam("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	ctx := c.Request().Context()
	result, err := h.fetcher.FetchAll(ctx, id, types)
	if err != nil {
		switch {
		case errors.Is(err, connection.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "connection not found")
		case errors.Is(err, connection.ErrReauthorizationRequired):
			h.auditor.Record(ctx, audit.Entry{
				Action:       audit.ActionRecordsFetched,
				Outcome:      audit.OutcomeFailure,
				ConnectionID: &id,
				Detail:       "reauthorization required",
			})
			return c.JSON(http.StatusConflict, map[string]string{
				"error": "connection requires reauthorization",
				"code":  "REAUTHORIZATION_REQUIRED",
			})
		case errors.Is(err, ErrPatientUnavailable):
			h.auditor.Record(ctx, audit.Entry{
				Action:       audit.ActionRecordsFetched,
				Outcome:      audit.OutcomeFailure,
				ConnectionID: &id,
				Detail:       "patient resource unavailable",
			})
			return c.JSON(http.StatusBadGateway, map[string]string{
				"error": "provider cannot serve the patient record",
				"code":  "PATIENT_UNAVAILABLE",
			})
		default:
			h.logger.Error().Err(err).Str("connection_id", id.String()).Msg("fetch records")
			return echo.NewHTTPError(http.StatusInternalServerError, "failed to fetch records")
		}
	}

	h.auditor.Record(ctx, audit.Entry{
		Action:       audit.ActionRecordsFetched,
		Outcome:      audit.OutcomeSuccess,
		ConnectionID: &id,
	})
	return c.JSON(http.StatusOK, result)
}
