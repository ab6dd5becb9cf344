package reports

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbot/portal/internal/domain/session"
	"github.com/healthbot/portal/internal/platform/httperr"
	"github.com/healthbot/portal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

// NewHandler serves the report routes over svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the report endpoints. Patient routes are wrapped in
// guard, which must store the session for the patient-only share route; the
// doctor visit route is reachable with a share token alone.
func (h *Handler) RegisterRoutes(api *echo.Group, guard ...echo.MiddlewareFunc) {
	patients := api.Group("/patients", guard...)
	patients.GET("/:id/reports", h.ListReports)
	patients.GET("/:id/context", h.GetContext)
	patients.GET("/:id/dashboard", h.GetDashboard)
	patients.POST("/:id/share", h.CreateShareLink, session.RequireRole(session.RolePatient))

	api.GET("/doctor/visit/:token", h.GetVisit)
}

func (h *Handler) ListReports(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.List(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httperr.FromError(err, "failed to load reports")
	}
	start, end := pg.Window(len(items))
	resp := pagination.NewResponse(items[start:end], len(items), pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, len(items))
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetContext(c echo.Context) error {
	merged, err := h.svc.MergedContext(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httperr.FromError(err, "failed to load reports")
	}
	return c.JSON(http.StatusOK, merged)
}

func (h *Handler) GetDashboard(c echo.Context) error {
	view, err := h.svc.Dashboard(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httperr.FromError(err, "failed to load dashboard")
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) CreateShareLink(c echo.Context) error {
	link, err := h.svc.Share(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httperr.FromError(err, "failed to create share link")
	}
	return c.JSON(http.StatusCreated, link)
}

func (h *Handler) GetVisit(c echo.Context) error {
	view, err := h.svc.Visit(c.Request().Context(), c.Param("token"))
	if err != nil {
		return httperr.FromError(err, "failed to load visit")
	}
	return c.JSON(http.StatusOK, view)
}
