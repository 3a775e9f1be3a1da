package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/coloradjust/internal/adjust"
	"github.com/MeKo-Tech/coloradjust/internal/cache"
	"github.com/MeKo-Tech/coloradjust/internal/imageio"
	"github.com/MeKo-Tech/coloradjust/internal/session"
	"github.com/google/uuid"
)

// DefaultMaxUploadPixels is the default limit on the declared size of an upload.
const DefaultMaxUploadPixels = 8192 * 8192

// SessionsConfig configures the editing-session HTTP host.
type SessionsConfig struct {
	PNGCompression string
	CacheControl   string
	Mode           adjust.Mode
	MaxUploadBytes int64
	// MaxUploadPixels bounds the declared width*height of uploads.
	MaxUploadPixels      int64
	MaxWidth             int
	MaxHeight            int
	Workers              int
	MaxConcurrentRenders int
	MaxSessions          int
	// RenderWaitTimeout bounds how long a request waits for a render slot.
	RenderWaitTimeout time.Duration
}

// Sessions serves editing sessions over HTTP. Each session owns one engine
// and one image; slider requests re-render the preview from the source.
type Sessions struct {
	cache    *cache.Cache
	logger   *slog.Logger
	sem      chan struct{}
	sessions sync.Map // map[string]*session.Session
	cfg      SessionsConfig
	pngLevel png.CompressionLevel

	// Status tracking
	activeSessions atomic.Int32
	activeRenders  atomic.Int32
	queuedRenders  atomic.Int32
	totalRenders   atomic.Int64
	totalFailed    atomic.Int64
}

// Status represents the current status of the session host.
type Status struct {
	Cache  *cache.Stats `json:"cache,omitempty"`
	Render RenderStatus `json:"render"`
	// Sessions is the number of open sessions.
	Sessions int `json:"sessions"`
}

// RenderStatus contains current render operation status.
type RenderStatus struct {
	ActiveRenders int   `json:"active_renders"`
	QueuedRenders int   `json:"queued_renders"`
	TotalRendered int64 `json:"total_rendered"`
	TotalFailed   int64 `json:"total_failed"`
	MaxConcurrent int   `json:"max_concurrent"`
}

type sessionResponse struct {
	ID string `json:"id"`
	session.Snapshot
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewSessions creates the session host. renderCache may be nil.
func NewSessions(cfg SessionsConfig, renderCache *cache.Cache, logger *slog.Logger) (*Sessions, error) {
	if cfg.MaxConcurrentRenders <= 0 {
		cfg.MaxConcurrentRenders = 1
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.MaxUploadPixels <= 0 {
		cfg.MaxUploadPixels = DefaultMaxUploadPixels
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 64
	}
	if cfg.RenderWaitTimeout <= 0 {
		cfg.RenderWaitTimeout = 30 * time.Second
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = "no-store"
	}

	level, err := imageio.ParsePNGCompression(cfg.PNGCompression)
	if err != nil {
		return nil, err
	}

	return &Sessions{
		cfg:      cfg,
		cache:    renderCache,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrentRenders),
		pngLevel: level,
	}, nil
}

// Routes registers the session endpoints on mux.
func (s *Sessions) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.createSession)
	mux.HandleFunc("GET /sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSession)
	mux.HandleFunc("PUT /sessions/{id}/image", s.loadImage)
	mux.HandleFunc("POST /sessions/{id}/sliders/{axis}", s.moveSlider)
	mux.HandleFunc("GET /sessions/{id}/preview.png", s.preview)
	mux.Handle("GET /status", s.StatusHandler())
}

// Status returns the current status of the session host.
func (s *Sessions) Status() Status {
	status := Status{
		Sessions: int(s.activeSessions.Load()),
		Render: RenderStatus{
			ActiveRenders: int(s.activeRenders.Load()),
			QueuedRenders: int(s.queuedRenders.Load()),
			TotalRendered: s.totalRenders.Load(),
			TotalFailed:   s.totalFailed.Load(),
			MaxConcurrent: s.cfg.MaxConcurrentRenders,
		},
	}

	if s.cache != nil {
		stats := s.cache.Stats()
		status.Cache = &stats
	}

	return status
}

// StatusHandler returns an HTTP handler for the status endpoint (JSON).
func (s *Sessions) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		s.writeJSON(w, http.StatusOK, s.Status())
	})
}

// Close flushes the render cache.
func (s *Sessions) Close() error {
	if s.cache != nil {
		return s.cache.Flush()
	}
	return nil
}

func (s *Sessions) createSession(w http.ResponseWriter, r *http.Request) {
	if !s.reserveSession() {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("session limit of %d reached", s.cfg.MaxSessions))
		return
	}

	sess := session.New(
		adjust.NewEngine(adjust.Config{Mode: s.cfg.Mode, Workers: s.cfg.Workers}),
		session.Options{MaxWidth: s.cfg.MaxWidth, MaxHeight: s.cfg.MaxHeight, Logger: s.logger},
	)

	if err := s.decodeInto(w, r, sess); err != nil {
		s.activeSessions.Add(-1)
		s.writeError(w, statusFor(err), err)
		return
	}

	id := uuid.NewString()
	s.sessions.Store(id, sess)

	s.log().Info("session created", "id", id)
	s.writeJSON(w, http.StatusCreated, sessionResponse{ID: id, Snapshot: sess.Snapshot()})
}

func (s *Sessions) getSession(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: sess.Snapshot()})
}

func (s *Sessions) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, loaded := s.sessions.LoadAndDelete(id); !loaded {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown session %q", id))
		return
	}
	s.activeSessions.Add(-1)

	s.log().Info("session closed", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Sessions) loadImage(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	if err := s.decodeInto(w, r, sess); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: sess.Snapshot()})
}

func (s *Sessions) moveSlider(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	raw, err := strconv.Atoi(r.FormValue("progress"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid progress %q", r.FormValue("progress")))
		return
	}

	release, err := s.acquire(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer release()

	axis := r.PathValue("axis")
	s.activeRenders.Add(1)
	err = sess.HandleSliderName(axis, raw)
	s.activeRenders.Add(-1)

	if err != nil {
		if !errors.Is(err, session.ErrNoImage) && !errors.Is(err, session.ErrUnknownAxis) {
			s.totalFailed.Add(1)
		}
		s.log().Warn("slider rejected", "id", id, "axis", axis, "progress", raw, "error", err)
		s.writeError(w, statusFor(err), err)
		return
	}
	s.totalRenders.Add(1)

	s.writeJSON(w, http.StatusOK, sessionResponse{ID: id, Snapshot: sess.Snapshot()})
}

func (s *Sessions) preview(w http.ResponseWriter, r *http.Request) {
	id, sess, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var data []byte
	err := sess.View(func(out *image.NRGBA, snap session.Snapshot) error {
		matrixKey := snap.Matrix.Key()

		if s.cache != nil {
			cached, hit, err := s.cache.Get(snap.Digest, matrixKey)
			if err != nil {
				s.log().Warn("render cache lookup failed", "id", id, "error", err)
			} else if hit {
				data = cached
				return nil
			}
		}

		encoded, err := imageio.EncodePNG(out, s.pngLevel)
		if err != nil {
			return err
		}
		data = encoded

		if s.cache != nil {
			if err := s.cache.Put(snap.Digest, matrixKey, encoded); err != nil {
				s.log().Warn("render cache store failed", "id", id, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", s.cfg.CacheControl)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		s.log().Error("failed to write preview", "id", id, "error", err)
	}
}

// decodeInto reads an uploaded image from the request body and loads it.
func (s *Sessions) decodeInto(w http.ResponseWriter, r *http.Request, sess *session.Session) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	defer body.Close()

	img, format, err := imageio.DecodeLimited(body, s.cfg.MaxUploadPixels)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: upload exceeds %d bytes", errTooLarge, tooLarge.Limit)
		}
		return err
	}
	// Drain so keep-alive connections stay usable.
	_, _ = io.Copy(io.Discard, body)

	release, err := s.acquire(r.Context())
	if err != nil {
		return err
	}
	defer release()

	if err := sess.Load(img); err != nil {
		return err
	}

	s.log().Debug("image decoded", "format", format, "width", img.Rect.Dx(), "height", img.Rect.Dy())
	return nil
}

// reserveSession claims one of MaxSessions slots. The slot is released by
// deleteSession, or by createSession when the upload fails.
func (s *Sessions) reserveSession() bool {
	for {
		n := s.activeSessions.Load()
		if int(n) >= s.cfg.MaxSessions {
			return false
		}
		if s.activeSessions.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// acquire waits for a render slot, honoring request cancellation.
func (s *Sessions) acquire(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RenderWaitTimeout)
	defer cancel()

	s.queuedRenders.Add(1)
	defer s.queuedRenders.Add(-1)

	select {
	case s.sem <- struct{}{}:
		return func() { <-s.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", errBusy, ctx.Err())
	}
}

func (s *Sessions) lookup(w http.ResponseWriter, r *http.Request) (string, *session.Session, bool) {
	id := r.PathValue("id")
	v, ok := s.sessions.Load(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown session %q", id))
		return id, nil, false
	}
	return id, v.(*session.Session), true
}

func (s *Sessions) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log().Error("failed to encode response", "error", err)
	}
}

func (s *Sessions) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log().Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Sessions) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

var (
	errTooLarge = errors.New("request entity too large")
	errBusy     = errors.New("no render slot available")
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, adjust.ErrInvalidInput),
		errors.Is(err, imageio.ErrUnsupportedFormat),
		errors.Is(err, session.ErrUnknownAxis):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge),
		errors.Is(err, imageio.ErrTooManyPixels):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrNoImage):
		return http.StatusConflict
	case errors.Is(err, errBusy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
