// handlers_history.go - Prediction history pass-through handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pome-analysis/backend/internal/history"
	"github.com/pome-analysis/backend/internal/models"
)

// HistoryHandlerImpl implements the HistoryHandler interface
type HistoryHandlerImpl struct {
	browser *history.Browser
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(browser *history.Browser) HistoryHandler {
	return &HistoryHandlerImpl{browser: browser}
}

// HandleListHistory returns past predictions, newest first
func (h *HistoryHandlerImpl) HandleListHistory(c echo.Context) error {
	items, note, err := h.browser.List(c.Request().Context())
	if err != nil {
		return backendError(note.Message, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

// HandleGetHistoryItem returns a single prediction
func (h *HistoryHandlerImpl) HandleGetHistoryItem(c echo.Context) error {
	item, note, err := h.browser.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return backendError(note.Message, err)
	}
	return c.JSON(http.StatusOK, item)
}

// HandleClearHistory removes all stored predictions
func (h *HistoryHandlerImpl) HandleClearHistory(c echo.Context) error {
	note, err := h.browser.Clear(c.Request().Context())
	if err != nil {
		return backendError(note.Message, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"notifications": []models.Notification{*note},
	})
}
