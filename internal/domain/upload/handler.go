package upload

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/healthbot/portal/internal/platform/httperr"
	"github.com/healthbot/portal/internal/platform/staging"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, guard ...echo.MiddlewareFunc) {
	g := api.Group("/patients/:id/uploads", guard...)
	g.GET("", h.List)
	g.POST("/files", h.StageFiles)
	g.POST("/run", h.Run)
	g.POST("/batch", h.Batch)
	g.POST("/:task/retry", h.Retry)
	g.DELETE("", h.Clear)
}

type formRequest struct {
	Date    string `json:"date" form:"date"`
	DocType string `json:"doc_type" form:"doc_type"`
}

type queueResponse struct {
	Message string  `json:"message,omitempty"`
	Tasks   []Task  `json:"tasks"`
	Summary Summary `json:"summary"`
}

func (h *Handler) queue(c echo.Context, status int, message string) error {
	tasks, summary := h.svc.Snapshot(c.Param("id"))
	if tasks == nil {
		tasks = []Task{}
	}
	return c.JSON(status, queueResponse{Message: message, Tasks: tasks, Summary: summary})
}

func (h *Handler) List(c echo.Context) error {
	return h.queue(c, http.StatusOK, "")
}

// StageFiles accepts multipart "files" (repeatable) or a single "file".
func (h *Handler) StageFiles(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form required")
	}
	headers := append(append([]*multipart.FileHeader{}, form.File["files"]...), form.File["file"]...)
	if len(headers) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Pick files first.")
	}

	ctx := c.Request().Context()
	for _, fh := range headers {
		src, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "failed to read uploaded file")
		}
		_, err = h.svc.Stage(ctx, c.Param("id"), fh.Filename, src)
		src.Close()
		if err != nil {
			return stageError(err)
		}
	}
	return h.queue(c, http.StatusCreated, "")
}

func stageError(err error) error {
	switch {
	case errors.Is(err, staging.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, staging.ErrMissingFileName), errors.Is(err, staging.ErrMissingPatient):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return httperr.FromError(err, "failed to stage file")
}

func (h *Handler) bindForm(c echo.Context) (formRequest, error) {
	var req formRequest
	if c.Request().ContentLength == 0 {
		return req, nil
	}
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return req, nil
}

func (h *Handler) Run(c echo.Context) error {
	req, err := h.bindForm(c)
	if err != nil {
		return err
	}
	err = h.svc.Run(c.Request().Context(), c.Param("id"), h.svc.Form(req.Date, req.DocType))
	return h.settle(c, err)
}

func (h *Handler) Batch(c echo.Context) error {
	req, err := h.bindForm(c)
	if err != nil {
		return err
	}
	err = h.svc.Batch(c.Request().Context(), c.Param("id"), h.svc.Form(req.Date, req.DocType))
	return h.settle(c, err)
}

func (h *Handler) Retry(c echo.Context) error {
	req, err := h.bindForm(c)
	if err != nil {
		return err
	}
	err = h.svc.Retry(c.Request().Context(), c.Param("id"), c.Param("task"), h.svc.Form(req.Date, req.DocType))
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotFailed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return h.settle(c, err)
}

// settle renders the outcome of a run. A failed run still answers with the
// queue so the caller can see which task failed.
func (h *Handler) settle(c echo.Context, err error) error {
	if err == nil {
		return h.queue(c, http.StatusOK, "All uploads complete.")
	}
	var be *BatchError
	if !errors.As(err, &be) {
		return httperr.FromError(err, "upload failed")
	}
	status := http.StatusBadGateway
	var he *echo.HTTPError
	if errors.As(httperr.FromError(be.Err, "upload failed"), &he) && he.Code < 500 {
		status = he.Code
	}
	return h.queue(c, status, "Upload failed: "+be.Err.Error())
}

func (h *Handler) Clear(c echo.Context) error {
	h.svc.Clear(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}
