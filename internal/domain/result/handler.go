package result

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/pkg/pagination"
)

// Handler exposes the result HTTP API.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers result endpoints on the provided route group.
//
//	GET  /api/v1/results/critical      - Results in the critical band
//	GET  /api/v1/results/abnormal      - Results outside normal
//	GET  /api/v1/results/:id           - One result
//	POST /api/v1/results/:id/validate  - Mark validated
//	POST /api/v1/results/:id/approve   - Release for reporting
//	POST /api/v1/results/:id/reject    - Reject
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/results/critical", h.ListCritical)
	g.GET("/results/abnormal", h.ListAbnormal)
	g.GET("/results/:id", h.Get)
	g.POST("/results/:id/validate", h.Validate)
	g.POST("/results/:id/approve", h.Approve)
	g.POST("/results/:id/reject", h.Reject)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid result id")
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListCritical(c echo.Context) error {
	return h.list(c, h.svc.ListCritical)
}

func (h *Handler) ListAbnormal(c echo.Context) error {
	return h.list(c, h.svc.ListAbnormal)
}

func (h *Handler) list(c echo.Context, fn func(ctx context.Context, limit, offset int) ([]*Record, int, error)) error {
	p := pagination.FromContext(c)
	items, total, err := fn(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

type reviewRequest struct {
	PerformedBy string `json:"performed_by"`
}

func (h *Handler) Validate(c echo.Context) error {
	return h.review(c, h.svc.Validate)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.review(c, h.svc.Approve)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.review(c, h.svc.Reject)
}

func (h *Handler) review(c echo.Context, fn func(ctx context.Context, id uuid.UUID, performedBy string) (*Record, error)) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid result id")
	}
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	rec, err := fn(c.Request().Context(), id, req.PerformedBy)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "result not found")
	case errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
