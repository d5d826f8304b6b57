package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/filedrop/internal/healthcheck"
	"github.com/memohai/filedrop/internal/version"
)

// HealthHandler answers liveness probes and reports runtime checks.
type HealthHandler struct {
	checkers []healthcheck.Checker
}

func NewHealthHandler(checkers []healthcheck.Checker) *HealthHandler {
	return &HealthHandler{checkers: checkers}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Health)
	e.GET("/health/checks", h.Checks)
}

// Ping godoc
// @Summary Liveness check with build version
// @Produce json
// @Success 200 {object} map[string]string
// @Router /ping [get]
func (h *HealthHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (h *HealthHandler) Health(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Checks godoc
// @Summary Runtime checks for polling and link storage
// @Produce json
// @Success 200 {object} healthcheck.Report
// @Failure 503 {object} healthcheck.Report
// @Router /health/checks [get]
func (h *HealthHandler) Checks(c echo.Context) error {
	report := healthcheck.Run(c.Request().Context(), h.checkers...)
	status := http.StatusOK
	if report.Status == healthcheck.StatusError {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}
