// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"github.com/labstack/echo/v4"
	"github.com/pome-analysis/backend/internal/catalog"
	"github.com/pome-analysis/backend/internal/history"
	"github.com/pome-analysis/backend/internal/session"
)

// DefaultMaxUploadSize bounds a single selected file
const DefaultMaxUploadSize = 64 << 20

// Dependencies holds all handler dependencies
type Dependencies struct {
	SessionMgr    *session.Manager
	History       *history.Browser
	Catalog       *catalog.Catalog
	Backend       BackendStatus
	MaxUploadSize int64
	Version       string
}

// Handlers holds all handler instances
type Handlers struct {
	Health  HealthHandler
	Session SessionHandler
	Events  EventsHandler
	History HistoryHandler
	Catalog CatalogHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	maxUpload := deps.MaxUploadSize
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUploadSize
	}

	return &Handlers{
		Health:  NewHealthHandler(deps.Version, deps.Backend, deps.SessionMgr),
		Session: NewSessionHandler(deps.SessionMgr, deps.Catalog, maxUpload),
		Events:  NewEventsHandler(deps.SessionMgr),
		History: NewHistoryHandler(deps.History),
		Catalog: NewCatalogHandler(deps.Catalog),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	api := e.Group("/api")

	// Health check
	api.GET("/health", handlers.Health.HandleHealth)

	// Upload session routes
	sessionGroup := api.Group("/sessions")
	sessionGroup.POST("", handlers.Session.HandleCreateSession)
	sessionGroup.GET("/:id", handlers.Session.HandleGetSession)
	sessionGroup.GET("/:id/state/msgpack", handlers.Session.HandleGetSessionMsgpack)
	sessionGroup.DELETE("/:id", handlers.Session.HandleCloseSession)
	sessionGroup.POST("/:id/file", handlers.Session.HandleChooseFile)
	sessionGroup.DELETE("/:id/file", handlers.Session.HandleRemoveFile)
	sessionGroup.GET("/:id/preview", handlers.Session.HandleGetPreview)
	sessionGroup.POST("/:id/analyze", handlers.Session.HandleAnalyze)
	sessionGroup.GET("/:id/annotated", handlers.Session.HandleGetAnnotated)
	sessionGroup.GET("/:id/card", handlers.Session.HandleGetHistoryCard)
	sessionGroup.POST("/:id/keepalive", handlers.Session.HandleSessionKeepAlive)
	sessionGroup.GET("/:id/events", handlers.Events.HandleSessionEvents)

	// History pass-through routes
	historyGroup := api.Group("/history")
	historyGroup.GET("", handlers.History.HandleListHistory)
	historyGroup.POST("/clear", handlers.History.HandleClearHistory)
	historyGroup.GET("/:id", handlers.History.HandleGetHistoryItem)

	// Category catalog routes
	api.GET("/catalog", handlers.Catalog.HandleListCategories)
	api.GET("/catalog/:key", handlers.Catalog.HandleGetCategory)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler
}
