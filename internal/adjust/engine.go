// Package adjust implements the color transform engine behind the
// saturation, brightness and contrast sliders.
package adjust

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"runtime"

	"github.com/MeKo-Tech/coloradjust/internal/colormatrix"
	"github.com/MeKo-Tech/coloradjust/internal/worker"
)

// DefaultParallelThreshold is the pixel count from which Apply splits the
// pass across workers.
const DefaultParallelThreshold = 256 * 256

// ErrInvalidInput is returned for nil, empty or malformed pixel buffers.
var ErrInvalidInput = errors.New("invalid input")

// Config configures an Engine.
type Config struct {
	Mode Mode
	// Workers is the number of goroutines for large images (default: GOMAXPROCS).
	Workers int
	// ParallelThreshold is the minimum pixel count for a parallel pass
	// (default: DefaultParallelThreshold).
	ParallelThreshold int
}

// Engine owns the adjustment state of one editing session and applies the
// derived color matrix to pixel buffers. It is not safe for concurrent
// mutation; callers serialize Set* and Apply.
type Engine struct {
	state     State
	matrix    colormatrix.Matrix
	mode      Mode
	workers   int
	threshold int
}

// NewEngine creates an engine with default state (identity matrix).
func NewEngine(cfg Config) *Engine {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	threshold := cfg.ParallelThreshold
	if threshold <= 0 {
		threshold = DefaultParallelThreshold
	}

	e := &Engine{
		mode:      cfg.Mode,
		workers:   workers,
		threshold: threshold,
	}
	e.Reset()
	return e
}

// Reset restores the default state.
func (e *Engine) Reset() {
	e.state = DefaultState()
	e.recompute()
}

// Mode returns the combination mode.
func (e *Engine) Mode() Mode {
	return e.mode
}

// State returns a copy of the current adjustment state.
func (e *Engine) State() State {
	return e.state
}

// Matrix returns the current color matrix.
func (e *Engine) Matrix() colormatrix.Matrix {
	return e.matrix
}

// SetSaturation sets saturation directly. Values outside [0, 1] are clamped.
func (e *Engine) SetSaturation(value float64) {
	if math.IsNaN(value) {
		value = 0
	}
	e.state.Saturation = math.Max(0, math.Min(1, value))
	e.state.Last = AxisSaturation
	e.recompute()
}

// SetSaturationProgress sets saturation from a slider value in [0, 100].
func (e *Engine) SetSaturationProgress(raw int) {
	raw, _ = ClampProgress(AxisSaturation, raw)
	e.SetSaturation(float64(raw) / SaturationMax)
}

// SetBrightness sets brightness from a slider value in [0, 200]; 100 is neutral.
func (e *Engine) SetBrightness(raw int) {
	raw, _ = ClampProgress(AxisBrightness, raw)
	e.state.Brightness = raw - SliderNeutral
	e.state.Last = AxisBrightness
	e.recompute()
}

// SetContrast sets contrast from a slider value in [0, 200]; 100 is neutral.
func (e *Engine) SetContrast(raw int) {
	raw, _ = ClampProgress(AxisContrast, raw)
	e.state.Contrast = raw - SliderNeutral
	e.state.Last = AxisContrast
	e.recompute()
}

// Set dispatches a slider value to the setter for axis.
func (e *Engine) Set(axis Axis, raw int) error {
	switch axis {
	case AxisSaturation:
		e.SetSaturationProgress(raw)
	case AxisBrightness:
		e.SetBrightness(raw)
	case AxisContrast:
		e.SetContrast(raw)
	default:
		return fmt.Errorf("cannot set axis %s", axis)
	}
	return nil
}

func (e *Engine) recompute() {
	e.matrix = e.state.Matrix(e.mode)
}

// Apply transforms src with the current matrix into a newly allocated
// buffer with the same bounds. src is never modified.
func (e *Engine) Apply(src *image.NRGBA) (*image.NRGBA, error) {
	return e.ApplyInto(nil, src)
}

// ApplyInto transforms src into dst and returns the buffer that was written.
// dst is reused when its bounds match src; otherwise (or when dst is nil or
// shares its pixel array with src) a new buffer is allocated. On error
// nothing is written.
func (e *Engine) ApplyInto(dst, src *image.NRGBA) (*image.NRGBA, error) {
	return e.Render(dst, src, e.matrix)
}

// Render is ApplyInto with an explicit matrix. The engine state is neither
// read nor changed, so callers can render before committing a state change.
func (e *Engine) Render(dst, src *image.NRGBA, m colormatrix.Matrix) (*image.NRGBA, error) {
	if err := validate(src); err != nil {
		return nil, err
	}

	if dst == nil || dst.Rect != src.Rect || validate(dst) != nil || sharesPix(dst, src) {
		dst = image.NewNRGBA(src.Rect)
	}

	bounds := src.Rect
	pass := func(_ context.Context, band image.Rectangle) error {
		transformRows(dst, src, band, m)
		return nil
	}

	if e.workers <= 1 || bounds.Dx()*bounds.Dy() < e.threshold {
		_ = pass(context.Background(), bounds)
		return dst, nil
	}

	pool := worker.New(worker.Config{
		Workers:   e.workers,
		Processor: worker.ProcessorFunc(pass),
	})
	for _, res := range pool.Run(context.Background(), worker.SplitRows(bounds, e.workers)) {
		if res.Err != nil {
			return nil, fmt.Errorf("failed to transform rows %v: %w", res.Task.Band, res.Err)
		}
	}

	return dst, nil
}

func transformRows(dst, src *image.NRGBA, band image.Rectangle, m colormatrix.Matrix) {
	width := 4 * band.Dx()
	identity := m.IsIdentity()

	for y := band.Min.Y; y < band.Max.Y; y++ {
		si := src.PixOffset(band.Min.X, y)
		di := dst.PixOffset(band.Min.X, y)
		srcRow := src.Pix[si : si+width : si+width]
		dstRow := dst.Pix[di : di+width : di+width]

		if identity {
			copy(dstRow, srcRow)
			continue
		}
		m.TransformPix(dstRow, srcRow)
	}
}

// sharesPix reports whether a and b are backed by the same pixel array, as
// with an image and its SubImage.
func sharesPix(a, b *image.NRGBA) bool {
	if a == b {
		return true
	}
	ca, cb := cap(a.Pix), cap(b.Pix)
	if ca == 0 || cb == 0 {
		return false
	}
	return &a.Pix[:ca][ca-1] == &b.Pix[:cb][cb-1]
}

// validate checks that img is non-nil, non-empty and that Pix covers Rect.
func validate(img *image.NRGBA) error {
	if img == nil {
		return fmt.Errorf("%w: nil pixel buffer", ErrInvalidInput)
	}

	w, h := img.Rect.Dx(), img.Rect.Dy()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: empty bounds %v", ErrInvalidInput, img.Rect)
	}
	if img.Stride < 4*w {
		return fmt.Errorf("%w: stride %d too small for width %d", ErrInvalidInput, img.Stride, w)
	}
	if need := (h-1)*img.Stride + 4*w; len(img.Pix) < need {
		return fmt.Errorf("%w: pixel data has %d bytes, need %d", ErrInvalidInput, len(img.Pix), need)
	}

	return nil
}
