package audit

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/middleware"
	"github.com/jeeva/jeeva/pkg/pagination"
)

type Handler struct {
	auditor *Auditor
}

func NewHandler(auditor *Auditor) *Handler {
	return &Handler{auditor: auditor}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/access-logs", h.List, middleware.NoStore())
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.auditor.List(ctx, identity.PrincipalFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTP(err)
	}
	if items == nil {
		items = []*AccessLog{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
