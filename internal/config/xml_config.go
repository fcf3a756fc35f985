// Package config provides XML-based configuration management for the analysis session server.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/pome-analysis/backend/internal/convert"
)

// AppConfig represents the root XML configuration structure
type AppConfig struct {
	XMLName xml.Name `xml:"POMEAnalysis"`

	// Server configuration
	Server ServerConfig `xml:"Server"`

	// Storage configuration
	Storage StorageConfig `xml:"Storage"`

	// Analysis backend configuration
	Analysis AnalysisConfig `xml:"Analysis"`

	// Format conversion configuration
	Conversion ConversionConfig `xml:"Conversion"`

	// Upload session configuration
	Session SessionConfig `xml:"Session"`

	// Advanced options
	Advanced AdvancedConfig `xml:"Advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port           int    `xml:"Port"`
	BindAddress    string `xml:"BindAddress"`
	EnableCORS     bool   `xml:"EnableCORS"`
	AllowOrigins   string `xml:"AllowOrigins"`
	RequestTimeout int    `xml:"RequestTimeoutSeconds"`
	BodyLimit      string `xml:"BodyLimit"`
}

// StorageConfig contains preview storage settings
type StorageConfig struct {
	DataDirectory    string `xml:"DataDirectory"`
	PreviewDirectory string `xml:"PreviewDirectory"`
	MaxUploadSize    string `xml:"MaxUploadSize"`
	CatalogFile      string `xml:"CatalogFile"`
}

// AnalysisConfig points at the inference backend
type AnalysisConfig struct {
	BackendURL           string `xml:"BackendURL"`
	TimeoutSeconds       int    `xml:"TimeoutSeconds"`
	ConnectOnStartup     bool   `xml:"ConnectOnStartup"`
	ReconnectIntervalSec int    `xml:"ReconnectIntervalSeconds"`
}

// ConversionConfig controls how non-displayable images are converted
type ConversionConfig struct {
	// ConverterURL selects a remote converter; empty means convert locally
	ConverterURL    string `xml:"ConverterURL"`
	TimeoutSeconds  int    `xml:"TimeoutSeconds"`
	MaxDimension    int    `xml:"MaxDimension"`
	ReusePreview    bool   `xml:"ReusePreview"`
	Displayable     string `xml:"DisplayableTypes"`
	BackendAccepted string `xml:"BackendAcceptedTypes"`
}

// SessionConfig contains upload session lifecycle settings
type SessionConfig struct {
	MaxSessions            int `xml:"MaxSessions"`
	SessionTimeoutMinutes  int `xml:"SessionTimeoutMinutes"`
	CleanupIntervalMinutes int `xml:"CleanupIntervalMinutes"`
	EventBuffer            int `xml:"EventBuffer"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel             string `xml:"LogLevel"`
	EnableRequestLogging bool   `xml:"EnableRequestLogging"`
	EnableCompression    bool   `xml:"EnableCompression"`
	DebugMode            bool   `xml:"DebugMode"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:           8089,
			BindAddress:    "0.0.0.0",
			EnableCORS:     true,
			AllowOrigins:   "*",
			RequestTimeout: 120,
			BodyLimit:      "100MB",
		},
		Storage: StorageConfig{
			DataDirectory:    "./data",
			PreviewDirectory: "./data/previews",
			MaxUploadSize:    "64MB",
		},
		Analysis: AnalysisConfig{
			BackendURL:           "http://localhost:5000",
			TimeoutSeconds:       60,
			ConnectOnStartup:     true,
			ReconnectIntervalSec: 30,
		},
		Conversion: ConversionConfig{
			TimeoutSeconds:  30,
			MaxDimension:    4096,
			ReusePreview:    false,
			Displayable:     strings.Join(convert.DefaultDisplayable, ","),
			BackendAccepted: strings.Join(convert.DefaultBackendAccepted, ","),
		},
		Session: SessionConfig{
			MaxSessions:            50,
			SessionTimeoutMinutes:  30,
			CleanupIntervalMinutes: 5,
			EventBuffer:            32,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
			EnableCompression:    true,
		},
	}
}

// LoadConfig loads configuration from XML file
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	// If file doesn't exist, create default
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := xml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save saves the configuration to XML file
func (c *AppConfig) Save(configPath string) error {
	output, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(xml.Header + "\n<!-- POME Analysis Session Server Configuration -->\n<!-- This file is auto-generated on first run -->\n\n")
	content := append(header, output...)

	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks values that would otherwise fail at startup
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Analysis.BackendURL) == "" {
		return fmt.Errorf("analysis backend URL is required")
	}
	if _, err := c.MaxUploadBytes(); err != nil {
		return err
	}
	if c.Session.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("invalid session timeout: %d minutes", c.Session.SessionTimeoutMinutes)
	}
	if c.Session.CleanupIntervalMinutes <= 0 {
		return fmt.Errorf("invalid cleanup interval: %d minutes", c.Session.CleanupIntervalMinutes)
	}
	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	// PORT override
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	// DATA_DIR override
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.PreviewDirectory = filepath.Join(dataDir, "previews")
	}

	if backend := os.Getenv("ANALYSIS_BACKEND_URL"); backend != "" {
		c.Analysis.BackendURL = backend
	}

	if converter := os.Getenv("CONVERTER_URL"); converter != "" {
		c.Conversion.ConverterURL = converter
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.PreviewDirectory) {
		c.Storage.PreviewDirectory = filepath.Join(configDir, c.Storage.PreviewDirectory)
	}
	if c.Storage.CatalogFile != "" && !filepath.IsAbs(c.Storage.CatalogFile) {
		c.Storage.CatalogFile = filepath.Join(configDir, c.Storage.CatalogFile)
	}
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// MaxUploadBytes parses Storage.MaxUploadSize, e.g. "64MB"
func (c *AppConfig) MaxUploadBytes() (int64, error) {
	n, err := bytes.Parse(c.Storage.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max upload size %q: %w", c.Storage.MaxUploadSize, err)
	}
	return n, nil
}

// Formats returns the displayable and backend-accepted media types
func (c *AppConfig) Formats() convert.Formats {
	return convert.NewFormats(splitList(c.Conversion.Displayable), splitList(c.Conversion.BackendAccepted))
}

// SessionMaxAge returns how long idle sessions are kept
func (c *AppConfig) SessionMaxAge() time.Duration {
	return time.Duration(c.Session.SessionTimeoutMinutes) * time.Minute
}

// CleanupInterval returns how often idle sessions are swept
func (c *AppConfig) CleanupInterval() time.Duration {
	return time.Duration(c.Session.CleanupIntervalMinutes) * time.Minute
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.PreviewDirectory,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
