package convert

import (
	"context"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pome-analysis/backend/internal/models"
)

// Converter produces a natively displayable surrogate for a payload.
type Converter interface {
	Convert(ctx context.Context, payload []byte, mediaType string) (models.Blob, error)
}

const (
	MediaTypePNG         = "image/png"
	MediaTypeJPEG        = "image/jpeg"
	MediaTypeTIFF        = "image/tiff"
	MediaTypeOctetStream = "application/octet-stream"
)

var (
	DefaultDisplayable     = []string{"image/png", "image/jpeg", "image/gif", "image/webp", "image/bmp", "image/svg+xml", "image/avif"}
	DefaultBackendAccepted = []string{"image/png", "image/jpeg", "image/bmp", "image/webp"}
)

var aliases = map[string]string{
	"image/jpg":      MediaTypeJPEG,
	"image/pjpeg":    MediaTypeJPEG,
	"image/x-png":    MediaTypePNG,
	"image/x-tiff":   MediaTypeTIFF,
	"image/x-ms-bmp": "image/bmp",
}

// Formats records which media types a browser can render and which the
// analysis backend will accept as-is.
type Formats struct {
	displayable map[string]bool
	accepted    map[string]bool
}

// NewFormats builds a Formats from two media type lists.
func NewFormats(displayable, backendAccepted []string) Formats {
	f := Formats{
		displayable: make(map[string]bool, len(displayable)),
		accepted:    make(map[string]bool, len(backendAccepted)),
	}
	for _, mt := range displayable {
		if mt = NormalizeMediaType(mt); mt != "" {
			f.displayable[mt] = true
		}
	}
	for _, mt := range backendAccepted {
		if mt = NormalizeMediaType(mt); mt != "" {
			f.accepted[mt] = true
		}
	}
	return f
}

// DefaultFormats returns the formats used when nothing is configured.
func DefaultFormats() Formats {
	return NewFormats(DefaultDisplayable, DefaultBackendAccepted)
}

// IsZero reports whether f was never initialised.
func (f Formats) IsZero() bool {
	return f.displayable == nil && f.accepted == nil
}

// Displayable reports whether mediaType renders without conversion.
func (f Formats) Displayable(mediaType string) bool {
	return f.displayable[NormalizeMediaType(mediaType)]
}

// BackendAccepts reports whether mediaType can be sent to the backend as-is.
func (f Formats) BackendAccepts(mediaType string) bool {
	return f.accepted[NormalizeMediaType(mediaType)]
}

// NormalizeMediaType lowercases mediaType, drops parameters and folds
// common aliases.
func NormalizeMediaType(mediaType string) string {
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = mt
	}
	mediaType = strings.ToLower(mediaType)
	if canonical, ok := aliases[mediaType]; ok {
		return canonical
	}
	return mediaType
}

// DetectMediaType resolves the media type of an upload. The declared type
// wins unless it is missing or generic; then the content is sniffed, and
// the file extension is the last resort.
func DetectMediaType(declared, name string, data []byte) string {
	declared = NormalizeMediaType(declared)
	if declared != "" && declared != MediaTypeOctetStream {
		return declared
	}

	if len(data) > 0 {
		if m := mimetype.Detect(data); m != nil && !m.Is(MediaTypeOctetStream) {
			return NormalizeMediaType(m.String())
		}
	}

	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return NormalizeMediaType(byExt)
	}
	return MediaTypeOctetStream
}

// RenameForMediaType swaps the extension of name to match mediaType, so a
// converted "sample.tif" is uploaded as "sample.png".
func RenameForMediaType(name, mediaType string) string {
	var ext string
	switch NormalizeMediaType(mediaType) {
	case MediaTypePNG:
		ext = ".png"
	case MediaTypeJPEG:
		ext = ".jpg"
	default:
		exts, err := mime.ExtensionsByType(mediaType)
		if err != nil || len(exts) == 0 {
			return name
		}
		ext = exts[0]
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "image"
	}
	return base + ext
}
