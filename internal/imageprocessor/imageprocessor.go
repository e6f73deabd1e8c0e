// Package imageprocessor turns uploaded leaf photos into the fixed-shape
// tensor the classifier consumes.
package imageprocessor

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedFormat is returned for bytes that are not a known image format.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrEmptyImage is returned for images with no pixels.
	ErrEmptyImage = errors.New("image has no pixels")
)

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/bmp":  {},
	"image/webp": {},
}

// AllowedContentType reports whether an upload's declared content type is
// one Decode understands.
func AllowedContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	_, ok := allowedContentTypes[ct]
	return ok
}

// Decode reads one image and returns it with its format name.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, format, ErrEmptyImage
	}
	return img, format, nil
}

// Preprocess resizes img to InputSize x InputSize with bilinear filtering and
// scales each RGB channel into [0,1]. The caller owns the returned tensor and
// must Release it.
func Preprocess(img image.Image) (*Tensor, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	resized := resize.Resize(InputSize, InputSize, img, resize.Bilinear)
	b := resized.Bounds()
	if b.Dx() != InputSize || b.Dy() != InputSize {
		return nil, fmt.Errorf("resize produced %dx%d, want %dx%d", b.Dx(), b.Dy(), InputSize, InputSize)
	}

	t := newTensor()
	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			base := (y*InputSize + x) * Channels
			t.Data[base+0] = float32(r>>8) / 255.0
			t.Data[base+1] = float32(g>>8) / 255.0
			t.Data[base+2] = float32(bl>>8) / 255.0
		}
	}
	return t, nil
}
