package api

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"playbookd/internal/config"
	"playbookd/internal/engine"
	"playbookd/internal/monitor"
)

// Server is the HTTP surface of the execution engine. Authentication and
// authorization live in the fronting portal, not here.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, eng *engine.Engine, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(eng)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /tasks", handlers.HandleSubmit)
	mux.HandleFunc("GET /tasks", handlers.HandleListTasks)
	mux.HandleFunc("GET /tasks/{id}", handlers.HandleGetTask)
	mux.HandleFunc("DELETE /tasks/{id}", handlers.HandleTerminate)
	mux.HandleFunc("GET /tasks/{id}/stream", handlers.HandleStream)
	mux.HandleFunc("GET /ws/tasks/{id}", handlers.HandleWebSocket)

	mux.HandleFunc("GET /history", handlers.HandleListHistory)
	mux.HandleFunc("GET /history/{id}", handlers.HandleGetHistory)
	mux.HandleFunc("DELETE /history/{id}", handlers.HandleDeleteHistory)
	mux.HandleFunc("POST /history/{id}/rerun", handlers.HandleRerun)
	mux.HandleFunc("GET /history/{id}/artifacts", handlers.HandleListArtifacts)

	mux.HandleFunc("GET /health", s.handleHealth(eng))
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout, // zero: streaming responses are unbounded
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:      "ok",
			Store:       true,
			Runner:      true,
			ActiveTasks: eng.ActiveCount(),
			Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		}
		if !eng.Healthy(r.Context()) {
			resp.Status = "degraded"
			resp.Store = false
			resp.Runner = false
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}
