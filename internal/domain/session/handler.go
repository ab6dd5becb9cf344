package session

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbot/portal/internal/platform/apiclient"
	"github.com/healthbot/portal/internal/platform/httperr"
)

type Handler struct {
	mgr *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes mounts /auth. throttle wraps the credential endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group, throttle ...echo.MiddlewareFunc) {
	g := api.Group("/auth")
	g.POST("/login", h.Login, throttle...)
	g.POST("/register", h.Register, throttle...)
	g.POST("/logout", h.Logout)
	g.GET("/session", h.GetSession)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.mgr.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return httperr.FromError(err, "Login failed")
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Register(c echo.Context) error {
	var req apiclient.RegisterPayload
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.mgr.Register(c.Request().Context(), req)
	if err != nil {
		return httperr.FromError(err, "Registration failed")
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) Logout(c echo.Context) error {
	if err := h.mgr.Logout(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetSession(c echo.Context) error {
	sess, err := h.mgr.Current()
	if errors.Is(err, ErrNoSession) {
		return c.JSON(http.StatusOK, map[string]any{"state": h.mgr.State(), "session": nil})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"state":    h.mgr.State(),
		"session":  sess,
		"role":     sess.Role,
		"redirect": RedirectPath(sess.Role),
	})
}
