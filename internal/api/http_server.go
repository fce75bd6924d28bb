package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"coworking/internal/config"
	"coworking/internal/domain"
	"coworking/internal/events"
	"coworking/internal/metrics"
	"coworking/internal/service"

	"github.com/rs/zerolog"
)

// SweepRunner runs one expiration sweep on demand.
type SweepRunner interface {
	RunSweepOnce(ctx context.Context) (int, error)
}

// Deps wires the reservation core into the HTTP layer.
type Deps struct {
	Engine   *service.ReservationEngine
	Payments *service.PaymentHandler
	Throttle *service.HoldThrottle
	Events   *events.Broadcaster
	Sweeper  SweepRunner
	Spaces   domain.SpaceCatalog
	Clock    domain.Clock
}

// HTTPServer exposes the reservation engine over JSON and SSE.
type HTTPServer struct {
	cfg       config.APIConfig
	deps      Deps
	logger    zerolog.Logger
	limiter   *rateLimiter
	heartbeat time.Duration
	server    *http.Server
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "http").Logger()
	}

	srv := &HTTPServer{
		cfg:       cfg,
		deps:      deps,
		logger:    l,
		limiter:   newRateLimiter(&cfg),
		heartbeat: cfg.SSEHeartbeat,
	}
	if srv.heartbeat <= 0 {
		srv.heartbeat = 15 * time.Second
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/holds", srv.handleCreateHold)
	mux.HandleFunc("POST /api/v1/holds/{id}/confirm", srv.handleConfirmHold)
	mux.HandleFunc("POST /api/v1/holds/{id}/cancel", srv.handleCancelHold)
	mux.HandleFunc("POST /api/v1/blocks", srv.handleCreateBlock)
	mux.HandleFunc("POST /api/v1/payments/callback", srv.handlePaymentCallback)
	mux.HandleFunc("GET /api/v1/reservations/{id}", srv.handleGetReservation)
	mux.HandleFunc("GET /api/v1/spaces/{id}/reservations", srv.handleListReservations)
	mux.HandleFunc("GET /api/v1/spaces/{id}/events", srv.handleSpaceEvents)
	mux.HandleFunc("GET /api/v1/venues/{id}/events", srv.handleVenueEvents)
	mux.HandleFunc("POST /api/v1/sweeps", srv.handleSweep)
	mux.HandleFunc("GET /healthz", srv.handleHealth)

	handler := srv.loggingMiddleware(srv.limiter.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now()
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorResponse{Error: code, Message: message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach Flush and deadlines.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
