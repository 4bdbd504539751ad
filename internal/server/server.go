// Package server provides HTTP server initialization and lifecycle management
// for the Chronicle API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/chronicle/internal/config"
	"github.com/scrypster/chronicle/internal/observe"
	"github.com/scrypster/chronicle/pkg/types"
	"github.com/scrypster/chronicle/web/handlers"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Engine is what the server needs from the memory engine.
type Engine interface {
	handlers.Engine
	SetOnEpisodeRecorded(fn func(*types.Episode))
}

// Options carries optional server dependencies.
type Options struct {
	// Metrics records HTTP request durations. Default: observe.DefaultMetrics().
	Metrics *observe.Metrics

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
}

// methods routes a request to the handler registered for its method.
func methods(byMethod map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h, ok := byMethod[r.Method]; ok {
			h(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// NewHandler builds the full HTTP handler: API routes, episode stream,
// health and metrics endpoints, wrapped in tracing, rate limiting and
// security headers.
func NewHandler(cfg *config.Config, eng handlers.Engine, hub *handlers.WebSocketHub, opts Options) http.Handler {
	if opts.Metrics == nil {
		opts.Metrics = observe.DefaultMetrics()
	}
	api := handlers.NewAPIHandlers(eng)
	mux := http.NewServeMux()

	mux.HandleFunc("/api/query", methods(map[string]http.HandlerFunc{
		http.MethodPost: api.Query,
	}))

	// Facts
	mux.HandleFunc("/api/facts", methods(map[string]http.HandlerFunc{
		http.MethodPost: api.CreateFact,
	}))
	mux.HandleFunc("/api/facts/{id}", methods(map[string]http.HandlerFunc{
		http.MethodGet: api.GetFact,
	}))
	mux.HandleFunc("/api/facts/{id}/close", methods(map[string]http.HandlerFunc{
		http.MethodPost: api.CloseFact,
	}))
	mux.HandleFunc("/api/facts/{id}/supersede", methods(map[string]http.HandlerFunc{
		http.MethodPost: api.SupersedeFact,
	}))
	mux.HandleFunc("/api/facts/{id}/decay", methods(map[string]http.HandlerFunc{
		http.MethodPost: api.DecayFact,
	}))

	// Entities
	mux.HandleFunc("/api/entities/merge", methods(map[string]http.HandlerFunc{
		http.MethodPost: api.MergeEntities,
	}))
	mux.HandleFunc("/api/entities/{id}", methods(map[string]http.HandlerFunc{
		http.MethodGet: api.GetEntity,
	}))
	mux.HandleFunc("/api/entities/{id}/history", methods(map[string]http.HandlerFunc{
		http.MethodGet: api.EntityHistory,
	}))
	mux.HandleFunc("/api/entities/{id}/facts", methods(map[string]http.HandlerFunc{
		http.MethodGet: api.EntityFacts,
	}))
	mux.HandleFunc("/api/entities/{id}/contradictions", methods(map[string]http.HandlerFunc{
		http.MethodGet: api.EntityContradictions,
	}))

	// Episodes
	if hub != nil {
		mux.Handle("/api/episodes/stream", hub)
	}
	mux.HandleFunc("/api/episodes/{id}", methods(map[string]http.HandlerFunc{
		http.MethodGet: api.GetEpisode,
	}))

	mux.HandleFunc("/api/maintenance/sweep", methods(map[string]http.HandlerFunc{
		http.MethodPost: api.Sweep,
	}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"status":"healthy","version":%q}`+"\n", Version)
	})
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}

	var limiter *handlers.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.Burst)
	}

	var handler http.Handler = mux
	handler = handlers.RateLimitMiddleware(handler, limiter)
	handler = observe.Middleware(opts.Metrics)(handler)
	handler = handlers.SecurityHeadersMiddleware(handler)
	return handler
}

// Start initializes and starts the HTTP server. It returns the address
// being listened on (useful with port 0) and the hub streaming recorded
// episodes. The server shuts down when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, eng Engine, opts Options) (string, *handlers.WebSocketHub, error) {
	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	hub := handlers.NewWebSocketHub(cfg.Server.AllowedOrigins)
	eng.SetOnEpisodeRecorded(hub.PublishEpisode)
	go hub.Run()

	srv := &http.Server{
		Handler:      NewHandler(cfg, eng, hub, opts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	actualAddr := listener.Addr().String()
	slog.Info("http server listening", "addr", actualAddr)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown error", "error", err)
		}
		hub.Stop()
	}()

	return actualAddr, hub, nil
}
