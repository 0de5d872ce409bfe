package records

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/jeeva/jeeva/internal/domain/identity"
	"github.com/jeeva/jeeva/internal/platform/apperr"
	"github.com/jeeva/jeeva/internal/platform/blobstore"
	"github.com/jeeva/jeeva/internal/platform/middleware"
	"github.com/jeeva/jeeva/pkg/pagination"
)

type Handler struct {
	svc            *Service
	uploadMaxBytes int64
}

func NewHandler(svc *Service, uploadMaxBytes int64) *Handler {
	return &Handler{svc: svc, uploadMaxBytes: uploadMaxBytes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/records")
	g.GET("", h.List, middleware.NoStore())
	g.POST("", h.Create)
	// Multipart framing adds a little on top of the file itself.
	g.POST("/upload", h.Upload, middleware.BodyLimit(h.uploadMaxBytes+64<<10))
	g.GET("/:id", h.Get, middleware.NoStore())
	g.GET("/:id/file", h.Download, middleware.NoStore())
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.List(ctx, identity.PrincipalFromContext(ctx), ListInput{
		Role:         c.QueryParam("role"),
		PatientEmail: c.QueryParam("patient_email"),
		RecordType:   c.QueryParam("record_type"),
		Limit:        pg.Limit,
		Offset:       pg.Offset,
	})
	if err != nil {
		return apperr.HTTP(err)
	}
	if items == nil {
		items = []*HealthRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Create(ctx, identity.PrincipalFromContext(ctx), in)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Get(ctx, identity.PrincipalFromContext(ctx), c.QueryParam("role"), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "file required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file unreadable")
	}
	defer f.Close()

	ctx := c.Request().Context()
	obj, err := h.svc.Upload(ctx, identity.PrincipalFromContext(ctx), fh.Filename, fh.Header.Get("Content-Type"), f)
	if errors.Is(err, blobstore.ErrFileTooLarge) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}
	if err != nil {
		return apperr.HTTP(err)
	}
	return c.JSON(http.StatusOK, obj)
}

func (h *Handler) Download(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	body, obj, err := h.svc.OpenFile(ctx, identity.PrincipalFromContext(ctx), c.QueryParam("role"), id)
	if err != nil {
		return apperr.HTTP(err)
	}
	defer body.Close()

	c.Response().Header().Set("Content-Disposition", `attachment; filename="`+obj.FileName+`"`)
	if obj.Size > 0 {
		c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(obj.Size, 10))
	}
	return c.Stream(http.StatusOK, obj.ContentType, body)
}
