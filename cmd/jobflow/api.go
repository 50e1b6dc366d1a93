package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/luno/jettison/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andrewwormald/jobflow"
)

// newServer mounts the webhook handler under /webhook next to the admin API, health and metrics endpoints.
func newServer(e *jobflow.Engine) *echo.Echo {
	srv := echo.New()
	srv.HideBanner = true
	srv.HidePort = true
	srv.Use(middleware.Recover())

	srv.Any("/webhook/*", echo.WrapHandler(http.StripPrefix("/webhook", jobflow.NewWebhookHandler(e))))
	srv.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := &handler{engine: e}
	srv.GET("/healthz", h.health)
	srv.GET("/workflows", h.listWorkflows)
	srv.POST("/workflows/:name/pause", h.pause)
	srv.POST("/workflows/:name/resume", h.resume)
	srv.PUT("/workflows/:name/schedule", h.updateSchedule)
	srv.POST("/jobs/:id/replay", h.replay)
	srv.POST("/jobs/:id/cancel", h.cancel)

	return srv
}

type handler struct {
	engine *jobflow.Engine
}

type workflowView struct {
	Name      string   `json:"name"`
	Steps     []string `json:"steps"`
	Internal  bool     `json:"internal"`
	Paused    bool     `json:"paused"`
	Active    int64    `json:"active"`
	Waiting   int64    `json:"waiting"`
	Failed    int64    `json:"failed"`
	Completed int64    `json:"completed"`
}

func (h *handler) health(c echo.Context) error {
	status := http.StatusOK
	health := h.engine.Health()
	if health != jobflow.HealthHealthy {
		status = http.StatusServiceUnavailable
	}

	return c.JSON(status, map[string]string{"health": health.String()})
}

func (h *handler) listWorkflows(c echo.Context) error {
	list, err := h.engine.ListWorkflows(c.Request().Context())
	if err != nil {
		return err
	}

	resp := make([]workflowView, 0, len(list))
	for _, ws := range list {
		steps := make([]string, 0, len(ws.Definition.Steps))
		for _, s := range ws.Definition.Steps {
			steps = append(steps, s.Name)
		}

		resp = append(resp, workflowView{
			Name:      ws.Definition.Name,
			Steps:     steps,
			Internal:  ws.Definition.Internal,
			Paused:    ws.Paused,
			Active:    ws.Active,
			Waiting:   ws.Waiting,
			Failed:    ws.Failed,
			Completed: ws.Completed,
		})
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *handler) pause(c echo.Context) error {
	err := h.engine.Pause(c.Param("name"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *handler) resume(c echo.Context) error {
	err := h.engine.Resume(c.Param("name"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

type scheduleRequest struct {
	CronExpression string `json:"cronExpression"`
	Active         bool   `json:"active"`
}

func (h *handler) updateSchedule(c echo.Context) error {
	var req scheduleRequest
	err := c.Bind(&req)
	if err != nil {
		return err
	}

	s, err := h.engine.UpdateSchedule(c.Request().Context(), jobflow.Schedule{
		WorkflowName:   c.Param("name"),
		CronExpression: req.CronExpression,
		Active:         req.Active,
	})
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"id":             s.ID,
		"workflow":       s.WorkflowName,
		"cronExpression": s.CronExpression,
		"active":         s.Active,
	})
}

// replay accepts an optional JSON body that replaces the recorded context of the job.
func (h *handler) replay(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	var opts []jobflow.ReplayOption
	if len(body) > 0 {
		var v any
		err := json.Unmarshal(body, &v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid context")
		}

		opts = append(opts, jobflow.WithReplayContext(v))
	}

	if step := c.QueryParam("from"); step != "" {
		opts = append(opts, jobflow.WithReplayFromStep(step))
	}

	if step := c.QueryParam("until"); step != "" {
		opts = append(opts, jobflow.WithReplayUntilStep(step))
	}

	jobID, err := h.engine.Replay(c.Request().Context(), id, opts...)
	if err != nil {
		return toHTTPError(err)
	}

	return c.JSON(http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (h *handler) cancel(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}

	err = h.engine.Cancel(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.NoContent(http.StatusNoContent)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, jobflow.ErrUnknownWorkflow),
		errors.Is(err, jobflow.ErrJobNotFound),
		errors.Is(err, jobflow.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, jobflow.ErrReplayInternal),
		errors.Is(err, jobflow.ErrUnknownStep),
		errors.Is(err, jobflow.ErrInvalidStatusTransition),
		errors.Is(err, jobflow.ErrConfig):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}
