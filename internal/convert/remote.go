package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gbytes "github.com/labstack/gommon/bytes"
	"github.com/pome-analysis/backend/internal/models"
)

// maxConvertedSize caps how much of a conversion response is read.
const maxConvertedSize = 256 << 20

// ErrConvertedTooLarge is returned when the converter answers with more than
// the allowed number of bytes.
var ErrConvertedTooLarge = errors.New("converted image too large")

// Remote delegates conversion to an HTTP endpoint that accepts the raw
// payload and answers with the converted image.
type Remote struct {
	url        string
	httpClient *http.Client
	maxSize    int64
}

// NewRemote creates a Remote converter posting to url.
func NewRemote(url string, timeout time.Duration) *Remote {
	return &Remote{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxSize: maxConvertedSize,
	}
}

// Convert posts payload and returns the response body.
func (r *Remote) Convert(ctx context.Context, payload []byte, mediaType string) (models.Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return models.Blob{}, fmt.Errorf("failed to create request: %w", err)
	}
	if mediaType != "" {
		req.Header.Set("Content-Type", mediaType)
	}
	req.Header.Set("Accept", MediaTypePNG+", "+MediaTypeJPEG)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return models.Blob{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxSize+1))
	if err != nil {
		return models.Blob{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return models.Blob{}, fmt.Errorf("converter returned %d: %s", resp.StatusCode, msg)
	}
	if int64(len(body)) > r.maxSize {
		return models.Blob{}, fmt.Errorf("%w: more than %s", ErrConvertedTooLarge, gbytes.Format(r.maxSize))
	}
	if len(body) == 0 {
		return models.Blob{}, fmt.Errorf("converter returned an empty body")
	}

	return models.Blob{
		Data:      body,
		MediaType: DetectMediaType(resp.Header.Get("Content-Type"), "", body),
	}, nil
}
