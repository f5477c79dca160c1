// Package imaging brings uploads to the canonical resolution expected by the
// detection model.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"crater-portal/internal/domain"
)

const (
	CanonicalSize = 1024
	jpegQuality   = 90
)

// Normalized is a re-encoded image ready for storage.
type Normalized struct {
	Data        []byte
	ContentType string
	// Ext is the file extension matching Data, including the dot.
	Ext string
}

// Normalize decodes data, scales it to CanonicalSize x CanonicalSize and
// re-encodes it. JPEG stays JPEG; PNG and WebP are written as PNG since there
// is no WebP encoder available. Decode or encode failures wrap
// domain.ErrUnprocessableImage.
func Normalize(data []byte) (*Normalized, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrUnprocessableImage, err)
	}

	dst := image.NewRGBA(image.Rect(0, 0, CanonicalSize, CanonicalSize))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	out := &Normalized{}
	switch strings.ToLower(format) {
	case "jpeg":
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("%w: encode jpeg: %v", domain.ErrUnprocessableImage, err)
		}
		out.ContentType, out.Ext = "image/jpeg", ".jpg"
	default:
		if err := png.Encode(&buf, dst); err != nil {
			return nil, fmt.Errorf("%w: encode png: %v", domain.ErrUnprocessableImage, err)
		}
		out.ContentType, out.Ext = "image/png", ".png"
	}
	out.Data = buf.Bytes()
	return out, nil
}
