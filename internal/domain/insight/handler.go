package insight

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/middleware"
	"github.com/jeeva/jeeva/pkg/pagination"
)

type Handler struct {
	svc          *Service
	maxBodyBytes int64
}

// NewHandler sizes the analyze body limit so an image of up to
// imageMaxBytes still fits once base64 encoded inside the JSON body.
func NewHandler(svc *Service, imageMaxBytes int64) *Handler {
	return &Handler{svc: svc, maxBodyBytes: (imageMaxBytes+2)/3*4 + 64<<10}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/ai/insights")
	g.GET("", h.List, middleware.NoStore())
	g.POST("/analyze", h.Analyze, middleware.BodyLimit(h.maxBodyBytes))
	g.GET("/:id", h.Get, middleware.NoStore())
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.List(ctx, identity.PrincipalFromContext(ctx), ListInput{
		Role:         c.QueryParam("role"),
		PatientEmail: c.QueryParam("patient_email"),
		Limit:        pg.Limit,
		Offset:       pg.Offset,
	})
	if err != nil {
		return apperr.HTTP(err)
	}
	if items == nil {
		items = []*Insight{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	ins, err := h.svc.Get(ctx, identity.PrincipalFromContext(ctx), c.QueryParam("role"), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, ins)
}

func (h *Handler) Analyze(c echo.Context) error {
	var in AnalyzeInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	ins, err := h.svc.Analyze(ctx, identity.PrincipalFromContext(ctx), in)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, ins)
}
