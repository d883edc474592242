package monitor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/allocator"
	"github.com/sawpanic/coordinator/internal/config"
	"github.com/sawpanic/coordinator/internal/coordinator"
	"github.com/sawpanic/coordinator/internal/correlation"
	"github.com/sawpanic/coordinator/internal/metrics"
	"github.com/sawpanic/coordinator/internal/persistence"
)

// Source is the read side of the engine the monitor reports on
type Source interface {
	TradingCandidateDetails() []coordinator.TradingCandidate
	PortfolioAllocation() allocator.Allocation
	PerformanceSummary() coordinator.PerformanceSummary
	ActivePositionsSummary() coordinator.PositionsSummary
	ValidateNewPosition(symbol string, direction correlation.Direction, size float64) coordinator.Decision
	FlushStats() (persistence.FlushStats, bool)
	Ping(ctx context.Context) error
}

type contextKey string

const requestIDKey contextKey = "request_id"

// Server is the read-only telemetry server
type Server struct {
	router  *mux.Router
	server  *http.Server
	source  Source
	metrics *metrics.Registry
	started time.Time
	now     func() time.Time
}

// NewServer wires routes for source; reg may be nil
func NewServer(cfg config.MonitorConfig, source Source, reg *metrics.Registry) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		source:  source,
		metrics: reg,
		started: time.Now(),
		now:     time.Now,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.health).Methods("GET")
	api.HandleFunc("/candidates", s.candidates).Methods("GET")
	api.HandleFunc("/allocation", s.allocation).Methods("GET")
	api.HandleFunc("/performance", s.performance).Methods("GET")
	api.HandleFunc("/positions", s.positions).Methods("GET")
	api.HandleFunc("/admission/{symbol}", s.admission).Methods("GET")

	s.router.NotFoundHandler = jsonContentTypeMiddleware(http.HandlerFunc(s.notFound))
}

// Handler exposes the router for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown; it returns nil after a clean shutdown
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting monitor server (read-only)")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down monitor server")
	return s.server.Shutdown(ctx)
}

// requestIDMiddleware tags each request with a short unique id
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Debug().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Monitor request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// responseWrapper captures the status code for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func trimmed(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
