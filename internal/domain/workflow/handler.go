package workflow

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Handler exposes workflow runs over HTTP.
type Handler struct {
	engine *Engine
	logger zerolog.Logger
}

func NewHandler(engine *Engine, logger zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		logger: logger.With().Str("component", "workflow_handler").Logger(),
	}
}

// RegisterRoutes mounts the workflow routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/workflows/:id", h.Get)
	g.GET("/results/:id/workflows", h.ListByResult)
}

// Get returns one workflow run.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid workflow run id")
	}
	run, err := h.engine.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow run not found")
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id.String()).Msg("get workflow run")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load workflow run")
	}
	return c.JSON(http.StatusOK, run)
}

// ListByResult returns the runs referencing a result.
func (h *Handler) ListByResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid result id")
	}
	runs, err := h.engine.ListByResult(c.Request().Context(), id)
	if err != nil {
		h.logger.Error().Err(err).Str("result_id", id.String()).Msg("list workflow runs")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list workflow runs")
	}
	if runs == nil {
		runs = []*Run{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": runs,
		"total": len(runs),
	})
}
