// Package server exposes the browser API: the chat poll and visibility
// toggle, platform connect and disconnect with the OAuth callback, speech
// audio, and the health, config and metrics endpoints. Every request carries
// a correlation id and runs inside a tracing span.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chat-magnifier/chat"
	"github.com/onnwee/chat-magnifier/config"
	"github.com/onnwee/chat-magnifier/telemetry"
)

// Connector attaches a platform chat source. Open fails with an error wrapping
// oauth.ErrAuthRequired when the user must authorize first.
type Connector interface {
	Platform() string
	Open(ctx context.Context) (chat.Source, error)
	Close(ctx context.Context) error
}

// Authorizer is implemented by connectors with an OAuth step.
type Authorizer interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) error
	HasToken(ctx context.Context) bool
}

// Speech generates and locates per-message audio.
type Speech interface {
	Generate(ctx context.Context, id, text string, isMale bool) error
	Exists(id string) bool
	Path(id string) (string, error)
	ClearFiles() (int, error)
}

// KV stores runtime setting overrides.
type KV interface {
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// Check is one readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps are the collaborators of the HTTP layer. Speech, KV and Limiter are
// optional.
type Deps struct {
	Config    *config.Config
	Engine    *chat.Engine
	Connector Connector
	Speech    Speech
	KV        KV
	Limiter   RateLimiter
	Checks    []Check
}

// NewMux returns the HTTP handler with all routes. ctx bounds background
// goroutines such as the rate limiter cleanup.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig(deps.Config)
	corsCfg := loadCORSConfig(deps.Config)
	limiter := deps.Limiter
	if limiter == nil {
		slog.Info("initializing in-memory rate limiter", slog.String("backend", "memory"))
		limiter = newIPRateLimiter(ctx, loadRateLimiterConfig())
	}

	h := NewHandlers(deps)
	protect := func(fn http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(fn, limiter), authCfg)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)

	mux.HandleFunc("/", h.HandleIndex)
	mux.Handle("/api/connect", protect(h.HandleConnect))
	mux.Handle("/api/disconnect", protect(h.HandleDisconnect))
	mux.Handle("/auth/youtube/start", protect(h.HandleOAuthStart))
	mux.HandleFunc("/auth/youtube/callback", h.HandleOAuthCallback)

	mux.HandleFunc("/api/messages", h.HandleMessages)
	mux.Handle("/api/messages/visibility", adminAuth(http.HandlerFunc(h.HandleVisibility), authCfg))

	mux.HandleFunc("/api/audio/check", h.HandleAudioCheck)
	mux.Handle("/api/audio/generate", rateLimitMiddleware(http.HandlerFunc(h.HandleAudioGenerate), limiter))
	mux.HandleFunc("/audio/", h.HandleAudioFile)

	mux.HandleFunc("/config", h.HandleConfig)

	mux.HandleFunc("/admin/status", h.HandleAdminStatus)
	mux.HandleFunc("/admin/reset", h.HandleAdminReset)
	mux.HandleFunc("/admin/audio/clear", h.HandleAdminAudioClear)

	// Admin routes and config writes need operator credentials.
	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") || (r.URL.Path == "/config" && r.Method != http.MethodGet) {
			adminAuth(mux, authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder captures the response status for the request span.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Polls may wait on classifier calls for several messages.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
