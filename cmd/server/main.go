package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pome-analysis/backend/internal/analysis"
	"github.com/pome-analysis/backend/internal/api"
	"github.com/pome-analysis/backend/internal/catalog"
	"github.com/pome-analysis/backend/internal/config"
	"github.com/pome-analysis/backend/internal/convert"
	"github.com/pome-analysis/backend/internal/history"
	"github.com/pome-analysis/backend/internal/logging"
	"github.com/pome-analysis/backend/internal/preview"
	"github.com/pome-analysis/backend/internal/session"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var logger = logging.New("server")

func main() {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	configPath := filepath.Join(filepath.Dir(exePath), "pome-analysis.config.xml")
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		configPath = p
	}

	// Load XML configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.Advanced.LogLevel)
	api.ShowErrorDetails = cfg.Advanced.DebugMode

	// Ensure all data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		logger.Fatalf("Failed to create directories: %v", err)
	}

	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		logger.Fatalf("Invalid configuration: %v", err)
	}

	// Preview storage; leftovers from a previous run are never referenced again
	previews, err := preview.NewLocalStore(cfg.Storage.PreviewDirectory)
	if err != nil {
		logger.Fatalf("Failed to initialize preview storage: %v", err)
	}
	if err := previews.Purge(); err != nil {
		logger.Warnf("Failed to purge stale previews: %v", err)
	}

	// Format converter
	var converter convert.Converter
	converterMode := "local"
	if cfg.Conversion.ConverterURL != "" {
		converter = convert.NewRemote(cfg.Conversion.ConverterURL, time.Duration(cfg.Conversion.TimeoutSeconds)*time.Second)
		converterMode = cfg.Conversion.ConverterURL
	} else {
		converter = convert.NewLocal(cfg.Conversion.MaxDimension)
	}

	// Analysis backend
	backend := analysis.NewClient(cfg.Analysis.BackendURL, time.Duration(cfg.Analysis.TimeoutSeconds)*time.Second)

	// Category catalog
	var cat *catalog.Catalog
	if cfg.Storage.CatalogFile != "" {
		cat, err = catalog.Load(cfg.Storage.CatalogFile)
	} else {
		cat, err = catalog.Default()
	}
	if err != nil {
		logger.Fatalf("Failed to load category catalog: %v", err)
	}

	// Initialize session manager
	sessionMgr := session.NewManagerWithLimit(session.Options{
		Analyzer:               backend,
		Converter:              converter,
		Previews:               previews,
		Formats:                cfg.Formats(),
		ReusePreviewConversion: cfg.Conversion.ReusePreview,
		EventBuffer:            cfg.Session.EventBuffer,
	}, cfg.Session.MaxSessions)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start background session cleanup
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sessionMgr.CleanupOldSessions(cfg.SessionMaxAge())
			case <-ctx.Done():
				return
			}
		}
	}()

	// Connect to the analysis backend, retrying until it answers
	if cfg.Analysis.ConnectOnStartup {
		go connectBackend(ctx, backend, time.Duration(cfg.Analysis.ReconnectIntervalSec)*time.Second)
	}

	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(logging.ParseLevel(cfg.Advanced.LogLevel))
	api.SetupMiddleware(e)

	// Configure middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Skip logging if disabled in config
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/keepalive") ||
				strings.HasSuffix(path, "/state/msgpack") ||
				path == "/api/health"
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			return strings.HasSuffix(c.Request().URL.Path, "/events")
		},
		ErrorMessage: "Request timeout - the operation took too long",
	}))

	// Compression middleware
	if cfg.Advanced.EnableCompression {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return strings.HasSuffix(path, "/events") ||
					strings.HasSuffix(path, "/preview") ||
					strings.HasSuffix(path, "/annotated")
			},
		}))
	}

	// Body limit middleware
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	// CORS configuration
	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		SessionMgr:    sessionMgr,
		History:       history.NewBrowser(backend),
		Catalog:       cat,
		Backend:       backend,
		MaxUploadSize: maxUpload,
		Version:       Version,
	}))

	// Print startup banner
	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           POME Analysis Session Server                    ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Backend:   %-46s║\n", cfg.Analysis.BackendURL)
	fmt.Printf("║  Converter: %-46s║\n", converterMode)
	fmt.Printf("║  Previews:  %-46s║\n", cfg.Storage.PreviewDirectory)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	go func() {
		if err := e.Start(cfg.GetServerAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Shutdown error: %v", err)
	}
	sessionMgr.CloseAll()
	if err := previews.Purge(); err != nil {
		logger.Warnf("Failed to purge previews: %v", err)
	}
}

// connectBackend probes the analysis backend until it answers or ctx ends
func connectBackend(ctx context.Context, backend *analysis.Client, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := backend.Connect(probeCtx)
		cancel()
		if err == nil {
			logger.Infof("Connected to analysis backend at %s", backend.BaseURL())
			return
		}
		logger.Warnf("Analysis backend unavailable: %v (retrying in %s)", err, interval)

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}
