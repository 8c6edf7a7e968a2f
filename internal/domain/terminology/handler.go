package terminology

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// maxBatchCodes bounds a single batch request.
const maxBatchCodes = 500

// Handler provides REST endpoints for concept resolution.
type Handler struct {
	svc *Service
}

// NewHandler creates a new terminology handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers concept routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/concepts/resolve", h.Resolve)
	g.POST("/concepts/resolve", h.ResolveBatch)
}

// Resolve handles GET /concepts/resolve?code=...&domain=...
func (h *Handler) Resolve(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'code' is required")
	}
	domain := c.QueryParam("domain")
	if domain == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query parameter 'domain' is required")
	}

	res, err := h.svc.Resolve(c.Request().Context(), code, domain)
	if err != nil {
		return resolveError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// BatchRequest is the body of POST /concepts/resolve.
type BatchRequest struct {
	Domain string   `json:"domain"`
	Codes  []string `json:"codes"`
}

// ResolveBatch handles POST /concepts/resolve
func (h *Handler) ResolveBatch(c echo.Context) error {
	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Codes) > maxBatchCodes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "too many codes in one request")
	}

	results, err := h.svc.ResolveBatch(c.Request().Context(), req.Codes, req.Domain)
	if err != nil {
		return resolveError(err)
	}
	return c.JSON(http.StatusOK, results)
}

// resolveError maps validation failures to 400 and lookup failures to 502.
func resolveError(err error) error {
	if errors.Is(err, ErrInvalidRequest) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}
