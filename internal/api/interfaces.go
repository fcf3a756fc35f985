// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"
)

// SessionHandler handles upload session operations
type SessionHandler interface {
	HandleCreateSession(c echo.Context) error
	HandleGetSession(c echo.Context) error
	HandleGetSessionMsgpack(c echo.Context) error
	HandleCloseSession(c echo.Context) error
	HandleChooseFile(c echo.Context) error
	HandleRemoveFile(c echo.Context) error
	HandleGetPreview(c echo.Context) error
	HandleAnalyze(c echo.Context) error
	HandleGetAnnotated(c echo.Context) error
	HandleGetHistoryCard(c echo.Context) error
	HandleSessionKeepAlive(c echo.Context) error
}

// EventsHandler streams session events
type EventsHandler interface {
	HandleSessionEvents(c echo.Context) error
}

// HistoryHandler handles prediction history operations
type HistoryHandler interface {
	HandleListHistory(c echo.Context) error
	HandleGetHistoryItem(c echo.Context) error
	HandleClearHistory(c echo.Context) error
}

// CatalogHandler serves the category catalog
type CatalogHandler interface {
	HandleListCategories(c echo.Context) error
	HandleGetCategory(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// BackendStatus reports the analysis backend connection
// This allows mocking in tests
type BackendStatus interface {
	Ready() bool
	BaseURL() string
}
