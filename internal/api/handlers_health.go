// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version    string
	backend    BackendChecker
	liveStatus func() string
}

// NewHealthHandler creates a new health handler. backend and liveStatus may
// be nil.
func NewHealthHandler(version string, backend BackendChecker, liveStatus func() string) HealthHandler {
	return &HealthHandlerImpl{
		version:    version,
		backend:    backend,
		liveStatus: liveStatus,
	}
}

// HandleHealth returns server health status. The server itself is always
// reported ok; an unreachable backend only shows up in the backend field.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	}

	if h.backend != nil {
		backend := map[string]interface{}{"status": "ok"}
		if err := h.backend.Health(c.Request().Context()); err != nil {
			backend["status"] = "unreachable"
			backend["error"] = err.Error()
		}
		resp["backend"] = backend
	}
	if h.liveStatus != nil {
		resp["liveStatus"] = h.liveStatus()
	}

	return c.JSON(http.StatusOK, resp)
}
