// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pome-analysis/backend/internal/session"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version    string
	backend    BackendStatus
	sessionMgr *session.Manager
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, backend BackendStatus, sessionMgr *session.Manager) HealthHandler {
	return &HealthHandlerImpl{
		version:    version,
		backend:    backend,
		sessionMgr: sessionMgr,
	}
}

// HandleHealth returns server health status and whether the analysis
// backend is reachable
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	}
	if h.backend != nil {
		resp["backend"] = map[string]interface{}{
			"url":       h.backend.BaseURL(),
			"connected": h.backend.Ready(),
		}
	}
	if h.sessionMgr != nil {
		resp["sessions"] = h.sessionMgr.Count()
	}
	return c.JSON(http.StatusOK, resp)
}
