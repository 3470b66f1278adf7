package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sentinell/sentinell/internal/audit"
	"github.com/sentinell/sentinell/internal/config"
	"github.com/sentinell/sentinell/internal/delivery"
	"github.com/sentinell/sentinell/internal/hydrator"
	"github.com/sentinell/sentinell/internal/middleware"
	"github.com/sentinell/sentinell/internal/store"
)

// Server exposes the agent's HTTP surface: signal ingestion, incident
// inspection, registries, the transition feed, and operational probes.
type Server struct {
	cfg      config.Server
	store    store.Store
	hub      *delivery.Hub
	hydrator hydrator.Hydrator
	auditLog audit.Logger
	logger   *zap.Logger

	limiter    *middleware.RateLimiter
	httpServer *http.Server
}

// New builds the server. All collaborators are required except auditLog
// and logger, which default to no-ops.
func New(cfg config.Server, st store.Store, hub *delivery.Hub, hyd hydrator.Hydrator, auditLog audit.Logger, logger *zap.Logger) (*Server, error) {
	if st == nil || hub == nil || hyd == nil {
		return nil, fmt.Errorf("server requires store, hub and hydrator")
	}
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		cfg:      cfg,
		store:    st,
		hub:      hub,
		hydrator: hyd,
		auditLog: auditLog,
		logger:   logger,
	}
	if cfg.RateLimitPerMin > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitPerMin)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Signal ingestion. Rate limited: these face the outside world.
	mux.HandleFunc("POST /api/issues", s.ingest(s.handleManualIssue))
	mux.HandleFunc("POST /api/signals/logs", s.ingest(s.handleLogSignal))
	mux.HandleFunc("POST /api/signals/slack", s.ingest(s.handleSlackSignal))
	mux.HandleFunc("POST /api/webhooks/github", s.ingest(s.handleGithubWebhook))

	// Incident inspection.
	mux.HandleFunc("GET /api/incidents", s.handleListIncidents)
	mux.HandleFunc("GET /api/incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("GET /api/incidents/{id}/context", s.handleIncidentContext)
	mux.HandleFunc("GET /api/incidents/{id}/transitions", s.handleTransitions)
	mux.HandleFunc("POST /api/incidents/{id}/retry", s.handleRetryIncident)

	// Registries.
	mux.HandleFunc("POST /api/repos", s.handleCreateRepo)
	mux.HandleFunc("GET /api/repos", s.handleListRepos)
	mux.HandleFunc("POST /api/logsources", s.handleCreateLogSource)
	mux.HandleFunc("GET /api/logsources", s.handleListLogSources)
	mux.HandleFunc("POST /api/slackchannels", s.handleCreateSlackChannel)
	mux.HandleFunc("GET /api/slackchannels", s.handleListSlackChannels)

	// Push feed.
	mux.HandleFunc("GET /api/ws/incidents/{id}", s.handleIncidentWS)

	// Operational.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// ingest wraps a signal handler with the shared rate limiter.
func (s *Server) ingest(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return s.limiter.Middleware(next)
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.limiter != nil {
		s.limiter.Close()
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
