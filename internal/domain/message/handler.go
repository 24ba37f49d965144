package message

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/platform/hl7"
	"github.com/lims/lims/pkg/pagination"
)

// Handler exposes the message pipeline over HTTP.
type Handler struct {
	service *Service
	logger  zerolog.Logger
}

func NewHandler(service *Service, logger zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With().Str("component", "message_handler").Logger(),
	}
}

// RegisterRoutes mounts the message routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/messages", h.Ingest)
	g.GET("/messages", h.List)
	g.GET("/messages/stats", h.Stats)
	g.GET("/messages/:id", h.Get)
	g.POST("/messages/:id/retry", h.Retry)
	g.POST("/messages/:id/reprocess", h.Reprocess)
}

// Ingest accepts a raw wire message in the request body.
func (h *Handler) Ingest(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	msg, err := h.service.Ingest(c.Request().Context(), raw)
	switch {
	case errors.Is(err, hl7.ErrEmptyMessage):
		return echo.NewHTTPError(http.StatusBadRequest, "empty message body")
	case errors.Is(err, ErrMissingControlID):
		// The rejected message is persisted; report it with the reason.
		return c.JSON(http.StatusUnprocessableEntity, msg)
	case err != nil:
		h.logger.Error().Err(err).Msg("ingest failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to ingest message")
	}
	return c.JSON(http.StatusAccepted, msg)
}

// Get returns one message.
func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}
	msg, err := h.service.Get(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	}
	if err != nil {
		h.logger.Error().Err(err).Str("id", id.String()).Msg("get message")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load message")
	}
	return c.JSON(http.StatusOK, msg)
}

// List returns messages, newest first, optionally filtered by status.
func (h *Handler) List(c echo.Context) error {
	status := Status(c.QueryParam("status"))
	p := pagination.FromContext(c)

	items, total, err := h.service.List(c.Request().Context(), status, p.Limit, p.Offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("list messages")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list messages")
	}
	if items == nil {
		items = []*InboundMessage{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

// Stats reports processing counts.
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.service.Stats(c.Request().Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("message stats")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute stats")
	}
	return c.JSON(http.StatusOK, stats)
}

// Retry schedules one more attempt for a message in error.
func (h *Handler) Retry(c echo.Context) error {
	return h.lifecycle(c, h.service.Retry)
}

// Reprocess resets a settled message and runs it again.
func (h *Handler) Reprocess(c echo.Context) error {
	return h.lifecycle(c, h.service.Reprocess)
}

func (h *Handler) lifecycle(c echo.Context, op func(ctx context.Context, id uuid.UUID) (*InboundMessage, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}

	msg, err := op(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "message not found")
	case errors.Is(err, ErrRetriesExhausted):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		h.logger.Error().Err(err).Str("id", id.String()).Msg("message lifecycle action")
		return echo.NewHTTPError(http.StatusInternalServerError, "operation failed")
	}
	return c.JSON(http.StatusAccepted, msg)
}
