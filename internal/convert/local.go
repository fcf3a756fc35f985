package convert

import (
	"bytes"
	"context"
	"fmt"

	"github.com/disintegration/imaging"
	"github.com/pome-analysis/backend/internal/models"
	_ "golang.org/x/image/webp" // Register WebP format decoder
)

// Local converts images in-process. imaging registers TIFF and BMP
// decoders; WebP is registered above.
type Local struct {
	// MaxDimension bounds the longest edge of the output. Zero keeps the
	// original size.
	MaxDimension int
}

// NewLocal creates a Local converter.
func NewLocal(maxDimension int) *Local {
	return &Local{MaxDimension: maxDimension}
}

// Convert decodes payload and re-encodes it as PNG.
func (l *Local) Convert(ctx context.Context, payload []byte, mediaType string) (models.Blob, error) {
	if err := ctx.Err(); err != nil {
		return models.Blob{}, err
	}
	if len(payload) == 0 {
		return models.Blob{}, fmt.Errorf("converting %s: empty payload", mediaType)
	}

	img, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
	if err != nil {
		return models.Blob{}, fmt.Errorf("decoding %s: %w", mediaType, err)
	}

	if l.MaxDimension > 0 {
		b := img.Bounds()
		if b.Dx() > l.MaxDimension || b.Dy() > l.MaxDimension {
			img = imaging.Fit(img, l.MaxDimension, l.MaxDimension, imaging.Lanczos)
		}
	}

	if err := ctx.Err(); err != nil {
		return models.Blob{}, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return models.Blob{}, fmt.Errorf("encoding png: %w", err)
	}

	return models.Blob{Data: buf.Bytes(), MediaType: MediaTypePNG}, nil
}
