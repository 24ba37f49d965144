package ldt

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler provides HTTP endpoints for LDT file parsing.
type Handler struct{}

// NewHandler creates a new LDT handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers LDT endpoints on the provided route group.
//
//	POST /api/v1/ldt/parse - Parse an LDT file and return the assembled structure
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/ldt/parse", h.ParseFile)
}

// parseResponse is the JSON shape returned by ParseFile.
type parseResponse struct {
	File             *ParsedFile `json:"file"`
	ValidationErrors []string    `json:"validation_errors"`
	Statistics       Statistics  `json:"statistics"`
}

// ParseFile handles POST /api/v1/ldt/parse. The request body is the raw LDT
// file in ISO 8859-1.
func (h *Handler) ParseFile(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	content, err := DecodeLatin1(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to decode file encoding: " + err.Error(),
		})
	}

	parsed := ParseFile(content)
	resp := parseResponse{
		File:             parsed,
		ValidationErrors: parsed.Validate(),
		Statistics:       parsed.Statistics(),
	}
	return c.JSON(http.StatusOK, resp)
}
