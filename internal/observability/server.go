package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/heksher-io/heksher/internal/config"
	"github.com/heksher-io/heksher/internal/health"
)

// Server manages the admin endpoints (metrics and probes) on a dedicated
// port, isolating administrative traffic from business traffic.
type Server struct {
	logger   *slog.Logger
	cfg      *config.ObservabilityConfig
	server   *http.Server
	checkers []health.Checker
}

// NewServer creates the admin server. The checkers are verified by the
// readiness probe.
func NewServer(logger *slog.Logger, cfg *config.ObservabilityConfig, checkers ...health.Checker) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	s := &Server{
		logger:   logger,
		cfg:      cfg,
		checkers: checkers,
		server: &http.Server{
			Addr:    ":" + cfg.Port,
			Handler: r,
			// conservative timeouts; Slowloris mitigation on headers
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      5 * time.Second,
			ReadHeaderTimeout: 2 * time.Second,
		},
	}

	r.Get(cfg.MetricsPath, promhttp.Handler().ServeHTTP)
	r.Get(cfg.LivenessPath, s.liveness)
	r.Get(cfg.ReadinessPath, s.readiness)

	return s
}

// Start runs the admin server in a background goroutine; non-blocking.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting observability server", slog.String("port", s.cfg.Port))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability server failed", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping observability server")
	return s.server.Shutdown(ctx)
}

// liveness returns 200 while the process serves HTTP.
func (s *Server) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness runs every checker concurrently and reports 200 only when all
// pass.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	statusMap := make(map[string]string)
	hasError := false

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, checker := range s.checkers {
		wg.Add(1)
		go func(c health.Checker) {
			defer wg.Done()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// WARN, not ERROR: the orchestrator retries on its own
				s.logger.Warn("readiness probe failed",
					slog.String("component", c.Name()),
					slog.String("error", err.Error()),
				)
				statusMap[c.Name()] = fmt.Sprintf("down: %v", err)
				hasError = true
			} else {
				statusMap[c.Name()] = "up"
			}
		}(checker)
	}
	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	if hasError {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"status": statusMap})
}
