package chat

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbot/portal/internal/platform/apiclient"
	"github.com/healthbot/portal/internal/platform/httperr"
)

type Handler struct {
	svc *Service
}

// NewHandler serves the chat routes over svc.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, guard ...echo.MiddlewareFunc) {
	g := api.Group("/chat", guard...)
	g.POST("/process-report", h.ProcessReport)
	g.POST("/ask", h.Ask)
	g.GET("/history", h.History)
}

func (h *Handler) ProcessReport(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Pick a file first.")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
	}
	content, err := io.ReadAll(src)
	src.Close()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
	}

	res, err := h.svc.ProcessReport(c.Request().Context(), apiclient.FileFromBytes(fh.Filename, content))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, ProcessFailed)
	}
	return c.JSON(http.StatusOK, res)
}

type askResponse struct {
	Answer string   `json:"answer"`
	Panel  Snapshot `json:"panel"`
}

func (h *Handler) Ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	answer, snap, err := h.svc.Ask(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, askResponse{Answer: answer, Panel: snap})
	case errors.Is(err, ErrNoContext):
		return echo.NewHTTPError(http.StatusConflict, NoContextMessage)
	case errors.Is(err, ErrSuperseded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrFailed):
		return echo.NewHTTPError(http.StatusBadGateway, GenericError)
	case errors.Is(err, ErrContext):
		return echo.NewHTTPError(http.StatusBadGateway, ContextFailed)
	}
	return httperr.FromError(err, ContextFailed)
}

func (h *Handler) History(c echo.Context) error {
	req := AskRequest{PatientID: c.QueryParam("patient_id"), Token: c.QueryParam("token")}
	return c.JSON(http.StatusOK, h.svc.History(req))
}
