// Package session ties an adjustment engine to one loaded image: the
// untouched source, the reusable output buffer, and the slider events that
// drive re-rendering.
package session

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/MeKo-Tech/coloradjust/internal/adjust"
	"github.com/MeKo-Tech/coloradjust/internal/colormatrix"
	"github.com/MeKo-Tech/coloradjust/internal/imageio"
)

var (
	// ErrNoImage is returned for slider events that arrive before an image is loaded.
	ErrNoImage = errors.New("no image loaded")
	// ErrUnknownAxis is returned for slider names other than saturation, brightness and contrast.
	ErrUnknownAxis = errors.New("unknown slider axis")
)

// Options configures a Session.
type Options struct {
	Logger *slog.Logger
	// MaxWidth and MaxHeight bound the working copy of loaded images; larger
	// images are downsized for preview. Zero disables the limit.
	MaxWidth  int
	MaxHeight int
}

// Snapshot describes a session at one point in time.
type Snapshot struct {
	LastRender time.Time          `json:"last_render,omitzero"`
	Digest     string             `json:"digest,omitempty"`
	Mode       adjust.Mode        `json:"mode"`
	State      adjust.State       `json:"state"`
	Matrix     colormatrix.Matrix `json:"matrix"`
	Width      int                `json:"width"`
	Height     int                `json:"height"`
	Renders    int64              `json:"renders"`
	Loaded     bool               `json:"loaded"`
}

// Session is safe for concurrent use; all operations are serialized.
type Session struct {
	lastRender time.Time
	engine     *adjust.Engine
	source     *image.NRGBA
	output     *image.NRGBA
	logger     *slog.Logger
	digest     string
	opts       Options
	renders    int64
	mu         sync.Mutex
}

// New creates a session without an image.
func New(engine *adjust.Engine, opts Options) *Session {
	if engine == nil {
		engine = adjust.NewEngine(adjust.Config{})
	}
	return &Session{
		engine: engine,
		logger: opts.Logger,
		opts:   opts,
	}
}

// Load replaces the session image. The adjustment state is reset and the
// output re-rendered with the identity matrix. On error the previous image
// and state are kept.
func (s *Session) Load(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", adjust.ErrInvalidInput)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("%w: empty image %v", adjust.ErrInvalidInput, b)
	}

	src := imageio.ToNRGBA(img)
	if src == img {
		// Never alias a caller-owned buffer as the immutable source.
		cp := image.NewNRGBA(src.Rect)
		copy(cp.Pix, src.Pix)
		src = cp
	}
	src = imageio.FitWithin(src, s.opts.MaxWidth, s.opts.MaxHeight)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Render before resetting so a failure leaves the state untouched.
	out, err := s.engine.Render(nil, src, adjust.DefaultState().Matrix(s.engine.Mode()))
	if err != nil {
		return fmt.Errorf("failed to render loaded image: %w", err)
	}
	s.engine.Reset()

	s.source = src
	s.output = out
	s.digest = digest(src)
	s.renders = 1
	s.lastRender = time.Now()

	s.log().Info("image loaded",
		"width", src.Rect.Dx(),
		"height", src.Rect.Dy(),
		"original_width", b.Dx(),
		"original_height", b.Dy(),
		"digest", s.digest[:12],
	)
	return nil
}

// HandleSlider applies one slider event and re-renders the output from the
// source. Out-of-range values are clamped.
func (s *Session) HandleSlider(axis adjust.Axis, raw int) error {
	if axis == adjust.AxisNone {
		return fmt.Errorf("%w: %s", ErrUnknownAxis, axis)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.source == nil {
		return ErrNoImage
	}

	if clamped, changed := adjust.ClampProgress(axis, raw); changed {
		s.log().Debug("slider value clamped", "axis", axis.String(), "raw", raw, "clamped", clamped)
	}

	if err := s.engine.Set(axis, raw); err != nil {
		return err
	}

	start := time.Now()
	out, err := s.engine.ApplyInto(s.output, s.source)
	if err != nil {
		return fmt.Errorf("failed to render %s=%d: %w", axis, raw, err)
	}
	s.output = out
	s.renders++
	s.lastRender = time.Now()

	s.log().Debug("slider applied",
		"axis", axis.String(),
		"raw", raw,
		"ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// HandleSliderName is HandleSlider keyed by slider name.
func (s *Session) HandleSliderName(name string, raw int) error {
	axis, err := adjust.ParseAxis(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownAxis, err)
	}
	return s.HandleSlider(axis, raw)
}

// View calls fn with the current output while holding the session lock.
// fn must not retain or modify out.
func (s *Session) View(fn func(out *image.NRGBA, snap Snapshot) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.output == nil {
		return ErrNoImage
	}
	return fn(s.output, s.snapshotLocked())
}

// Snapshot returns the current session description.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Mode:       s.engine.Mode(),
		State:      s.engine.State(),
		Matrix:     s.engine.Matrix(),
		Renders:    s.renders,
		LastRender: s.lastRender,
		Digest:     s.digest,
		Loaded:     s.source != nil,
	}
	if s.source != nil {
		snap.Width = s.source.Rect.Dx()
		snap.Height = s.source.Rect.Dy()
	}
	return snap
}

func (s *Session) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// digest hashes the dimensions and pixels of img.
func digest(img *image.NRGBA) string {
	h := sha256.New()

	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:], uint32(img.Rect.Dx()))
	binary.BigEndian.PutUint32(dims[4:], uint32(img.Rect.Dy()))
	h.Write(dims[:])

	rowLen := 4 * img.Rect.Dx()
	for y := img.Rect.Min.Y; y < img.Rect.Max.Y; y++ {
		i := img.PixOffset(img.Rect.Min.X, y)
		h.Write(img.Pix[i : i+rowLen])
	}

	return hex.EncodeToString(h.Sum(nil))
}
