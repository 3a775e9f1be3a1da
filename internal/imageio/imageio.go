// Package imageio decodes user-supplied images into straight-alpha RGBA
// buffers and encodes rendered buffers for display.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/disintegration/gift"
	"golang.org/x/image/draw"

	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder

	_ "golang.org/x/image/bmp"  // Register BMP decoder
	_ "golang.org/x/image/tiff" // Register TIFF decoder
	_ "golang.org/x/image/webp" // Register WebP decoder
)

var (
	// ErrUnsupportedFormat is returned when no registered decoder recognizes the input.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrTooManyPixels is returned when the declared image size exceeds the pixel limit.
	ErrTooManyPixels = errors.New("image exceeds pixel limit")
)

// Decode reads an image in any registered format and returns it as an
// NRGBA buffer anchored at the origin, along with the format name.
func Decode(r io.Reader) (*image.NRGBA, string, error) {
	return DecodeLimited(r, 0)
}

// DecodeLimited is Decode with an upper bound on width*height. The header is
// checked before any pixel buffer is allocated. maxPixels <= 0 disables the
// check.
func DecodeLimited(r io.Reader, maxPixels int64) (*image.NRGBA, string, error) {
	if maxPixels > 0 {
		var header bytes.Buffer
		cfg, format, err := image.DecodeConfig(io.TeeReader(r, &header))
		if err != nil {
			return nil, "", decodeError(err)
		}
		if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
			return nil, "", fmt.Errorf("%w: %s image is %dx%d, limit is %d pixels",
				ErrTooManyPixels, format, cfg.Width, cfg.Height, maxPixels)
		}
		r = io.MultiReader(&header, r)
	}

	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", decodeError(err)
	}

	return ToNRGBA(img), format, nil
}

func decodeError(err error) error {
	if errors.Is(err, image.ErrFormat) {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return fmt.Errorf("failed to decode image: %w", err)
}

// ToNRGBA converts img to a tightly packed NRGBA buffer with bounds starting
// at (0,0). An NRGBA input that already satisfies this is returned as is.
func ToNRGBA(img image.Image) *image.NRGBA {
	if img == nil {
		return nil
	}

	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) && n.Stride == 4*b.Dx() {
		return n
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// FitWithin downsizes img so that it fits into maxW x maxH, keeping the
// aspect ratio. Images that already fit (or a non-positive limit) are
// returned unchanged.
func FitWithin(img *image.NRGBA, maxW, maxH int) *image.NRGBA {
	if img == nil || maxW <= 0 || maxH <= 0 {
		return img
	}

	b := img.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}

	w, h := fitSize(b.Dx(), b.Dy(), maxW, maxH)
	g := gift.New(gift.Resize(w, h, gift.LanczosResampling))
	dst := image.NewNRGBA(g.Bounds(b))
	g.Draw(dst, img)
	return dst
}

// fitSize scales w x h into maxW x maxH keeping the aspect ratio. Neither
// side drops below one pixel, so very thin images stay non-empty.
func fitSize(w, h, maxW, maxH int) (int, int) {
	scale := math.Min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	fw := min(maxW, max(1, int(math.Round(float64(w)*scale))))
	fh := min(maxH, max(1, int(math.Round(float64(h)*scale))))
	return fw, fh
}

// ParsePNGCompression maps a compression name to a png.CompressionLevel.
func ParsePNGCompression(name string) (png.CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return png.DefaultCompression, nil
	case "speed":
		return png.BestSpeed, nil
	case "best":
		return png.BestCompression, nil
	case "none":
		return png.NoCompression, nil
	}
	return png.DefaultCompression, fmt.Errorf("invalid png compression %q (want default, speed, best or none)", name)
}

// EncodePNG encodes img with the given compression level.
func EncodePNG(img image.Image, level png.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
