package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/MeKo-Tech/coloradjust/assets"
	"github.com/MeKo-Tech/coloradjust/internal/adjust"
	"github.com/MeKo-Tech/coloradjust/internal/cache"
	"github.com/MeKo-Tech/coloradjust/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve editing sessions and the demo UI",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().String("mode", "last-wins", "How sliders combine (last-wins, composed)")
	serveCmd.Flags().Int("workers", 0, "Workers per render (0 = number of CPUs)")
	serveCmd.Flags().Int("max-concurrent-renders", runtime.NumCPU(), "Max concurrent renders across all sessions")
	serveCmd.Flags().Duration("render-wait-timeout", 30*time.Second, "How long a request waits for a render slot")
	serveCmd.Flags().Int("max-sessions", 64, "Max open editing sessions")
	serveCmd.Flags().Int64("max-upload-mb", 32, "Max upload size in megabytes")
	serveCmd.Flags().Int64("max-upload-pixels", server.DefaultMaxUploadPixels, "Max declared width*height of uploaded images")
	serveCmd.Flags().Int("max-width", 2048, "Downsize loaded images wider than this (0 = unlimited)")
	serveCmd.Flags().Int("max-height", 2048, "Downsize loaded images taller than this (0 = unlimited)")
	serveCmd.Flags().String("png-compression", "speed", "PNG compression for previews (default, speed, best, none)")
	serveCmd.Flags().String("cache-file", "", "SQLite file caching encoded previews (empty disables the cache)")
	serveCmd.Flags().String("cache-control", "no-store", "Cache-Control header for previews")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.mode", "mode")
	mustBind("serve.workers", "workers")
	mustBind("serve.max_concurrent_renders", "max-concurrent-renders")
	mustBind("serve.render_wait_timeout", "render-wait-timeout")
	mustBind("serve.max_sessions", "max-sessions")
	mustBind("serve.max_upload_mb", "max-upload-mb")
	mustBind("serve.max_upload_pixels", "max-upload-pixels")
	mustBind("serve.max_width", "max-width")
	mustBind("serve.max_height", "max-height")
	mustBind("serve.png_compression", "png-compression")
	mustBind("serve.cache_file", "cache-file")
	mustBind("serve.cache_control", "cache-control")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	addr := viper.GetString("serve.addr")
	mode, err := adjust.ParseMode(viper.GetString("serve.mode"))
	if err != nil {
		return err
	}
	cacheFile := viper.GetString("serve.cache_file")
	maxConc := viper.GetInt("serve.max_concurrent_renders")

	var renderCache *cache.Cache
	if cacheFile != "" {
		renderCache, err = cache.Open(cacheFile)
		if err != nil {
			return fmt.Errorf("failed to open render cache: %w", err)
		}
		defer func() {
			if err := renderCache.Close(); err != nil {
				logger.Error("failed to close render cache", "error", err)
			}
		}()
	}

	sessions, err := server.NewSessions(server.SessionsConfig{
		Mode:                 mode,
		Workers:              viper.GetInt("serve.workers"),
		MaxConcurrentRenders: maxConc,
		RenderWaitTimeout:    viper.GetDuration("serve.render_wait_timeout"),
		MaxSessions:          viper.GetInt("serve.max_sessions"),
		MaxUploadBytes:       viper.GetInt64("serve.max_upload_mb") << 20,
		MaxUploadPixels:      viper.GetInt64("serve.max_upload_pixels"),
		MaxWidth:             viper.GetInt("serve.max_width"),
		MaxHeight:            viper.GetInt("serve.max_height"),
		PNGCompression:       viper.GetString("serve.png_compression"),
		CacheControl:         viper.GetString("serve.cache_control"),
	}, renderCache, logger)
	if err != nil {
		return err
	}

	handler, err := newServeMux(sessions)
	if err != nil {
		return err
	}

	logger.Info("demo server listening",
		"addr", addr,
		"mode", mode.String(),
		"max_concurrent_renders", maxConc,
		"cache_file", cacheFile,
	)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down server: %w", err)
		}
		return sessions.Close()
	}
}

func newServeMux(sessions *server.Sessions) (http.Handler, error) {
	demo, err := fs.Sub(assets.DemoFS, "demo")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded demo: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/demo/", http.StatusFound)
	})

	// Demo UI
	mux.Handle("GET /demo/", http.StripPrefix("/demo/", http.FileServerFS(demo)))

	// Sessions API
	api := http.NewServeMux()
	sessions.Routes(api)
	mux.Handle("/sessions", withCORS(api))
	mux.Handle("/sessions/", withCORS(api))
	mux.Handle("/status", withCORS(api))

	return mux, nil
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
