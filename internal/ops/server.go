// Package ops is the operational HTTP surface: health, Prometheus metrics,
// and pipeline statistics. It is not a user-facing API.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/cr-engine/internal/database"
	"github.com/snarg/cr-engine/internal/metrics"
	"github.com/snarg/cr-engine/internal/ratelimit"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

type ServerOptions struct {
	Addr      string
	RateRPS   float64
	RateBurst int

	DB        *database.DB
	Collector *metrics.Collector
	Limiter   *ratelimit.Limiter
	Runtime   *metrics.RuntimeCollector

	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(RateLimiter(opts.RateRPS, opts.RateBurst))
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))

	if opts.Runtime != nil {
		prometheus.MustRegister(opts.Runtime)
	}

	r.Get("/healthz", healthHandler(opts))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/v1/stats", statsHandler(opts))

	return &Server{
		http: &http.Server{
			Addr:         opts.Addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		log: opts.Log.With().Str("component", "ops").Logger(),
	}
}

func healthHandler(opts ServerOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{"database": "ok"}
		status := http.StatusOK
		if opts.DB != nil {
			if err := opts.DB.HealthCheck(r.Context()); err != nil {
				checks["database"] = err.Error()
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, map[string]any{
			"status":         statusWord(status),
			"version":        opts.Version,
			"uptime_seconds": int64(time.Since(opts.StartTime).Seconds()),
			"checks":         checks,
		})
	}
}

func statsHandler(opts ServerOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]any{}
		if opts.Collector != nil {
			payload["pipeline"] = opts.Collector.Snapshot()
		}
		if opts.Limiter != nil {
			payload["rate_limits"] = opts.Limiter.Stats()
		}
		writeJSON(w, http.StatusOK, payload)
	}
}

func statusWord(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.log.Info().Str("listen", s.http.Addr).Msg("ops server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
