// Package analysis talks to the external inference backend that detects
// bacterial families in uploaded images and keeps a short prediction history.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/pome-analysis/backend/internal/logging"
	"github.com/pome-analysis/backend/internal/models"
)

var (
	// ErrNotConnected is returned when the backend cannot be reached.
	ErrNotConnected = errors.New("not connected to analysis backend")

	// ErrNotFound is returned when the backend has no such prediction.
	ErrNotFound = errors.New("prediction not found")
)

// ServiceError carries a non-2xx answer from the backend.
type ServiceError struct {
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("analysis backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("analysis backend returned %d: %s", e.StatusCode, e.Message)
}

// Client is an HTTP client for the inference backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	connected  atomic.Bool
	logger     *log.Logger
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logging.New("analysis"),
	}
}

// BaseURL returns the backend address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Ready reports whether the last attempt to reach the backend succeeded.
func (c *Client) Ready() bool {
	return c.connected.Load()
}

// ensureConnected connects on first use and again after a transport failure.
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// do sends req and marks the client disconnected when the backend is
// unreachable. A canceled caller context says nothing about the backend.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && c.connected.CompareAndSwap(true, false) {
			c.logger.Warnf("[Backend] lost connection to %s: %v", c.baseURL, err)
		}
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

// Connect probes the backend by listing its history.
func (c *Client) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.connected.Store(false)
		return fmt.Errorf("failed to connect to backend: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		c.connected.Store(false)
		return fmt.Errorf("cannot connect to backend: %w", err)
	}

	c.connected.Store(true)
	c.logger.Infof("[Backend] connected to %s", c.baseURL)
	return nil
}

type predictResponse struct {
	ID                string         `json:"id"`
	Detections        map[string]int `json:"detections"`
	TotalObjects      int            `json:"total_objects"`
	DensityPercentage float64        `json:"density_percentage"`
	Timing            struct {
		TotalProcessingTimeMs float64 `json:"total_processing_time_ms"`
	} `json:"timing"`
	AnnotatedImageBase64 string `json:"annotated_image_base64"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Message string `json:"message"`
}

// Predict uploads file as the multipart field "file" and returns the
// detection outcome.
func (c *Client) Predict(ctx context.Context, file models.SelectedFile) (*models.Outcome, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	body, contentType, err := multipartBody(file)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	outcome := &models.Outcome{
		ID:                pr.ID,
		Detections:        pr.Detections,
		TotalObjects:      pr.TotalObjects,
		DensityPercentage: pr.DensityPercentage,
		ProcessingTimeMs:  pr.Timing.TotalProcessingTimeMs,
		AnalyzedAt:        time.Now(),
	}
	if pr.AnnotatedImageBase64 != "" {
		img, err := base64.StdEncoding.DecodeString(pr.AnnotatedImageBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid annotated image: %w", err)
		}
		outcome.AnnotatedImage = img
	}
	outcome.Normalize()

	c.logger.Debugf("[Predict %s] %d objects in %s (round trip %s)",
		shortID(pr.ID), outcome.TotalObjects, models.FormatProcessingTime(outcome.ProcessingTimeMs), time.Since(start))
	return outcome, nil
}

// History returns all stored predictions, most recent first.
func (c *Client) History(ctx context.Context) ([]models.HistoryItem, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var items []models.HistoryItem
	if err := c.getJSON(ctx, "/history", &items); err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.HistoryItem{}
	}
	return items, nil
}

// HistoryItem returns a single stored prediction.
func (c *Client) HistoryItem(ctx context.Context, id string) (*models.HistoryItem, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	var item models.HistoryItem
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(id), &item); err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && svcErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &item, nil
}

// ClearHistory deletes all stored predictions and returns the backend's
// confirmation message.
func (c *Client) ClearHistory(ctx context.Context) (string, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/history/clear", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return "", err
	}

	var sr successResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return sr.Message, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// checkResponse turns a non-2xx response into a ServiceError, using the
// backend's {"error": "..."} body when present.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er errorResponse
	msg := http.StatusText(resp.StatusCode)
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &ServiceError{StatusCode: resp.StatusCode, Message: msg}
}

func multipartBody(file models.SelectedFile) (io.Reader, string, error) {
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	name := file.Name
	if name == "" {
		name = "image"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	if file.MediaType != "" {
		header.Set("Content-Type", file.MediaType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close form: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
