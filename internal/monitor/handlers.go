package monitor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/coordinator/internal/allocator"
	"github.com/sawpanic/coordinator/internal/coordinator"
	"github.com/sawpanic/coordinator/internal/correlation"
	"github.com/sawpanic/coordinator/internal/persistence"
)

// HealthResponse is the GET /health body
type HealthResponse struct {
	Status      string                  `json:"status"`
	Timestamp   time.Time               `json:"timestamp"`
	Uptime      string                  `json:"uptime"`
	Store       string                  `json:"store"`
	Persistence *persistence.FlushStats `json:"persistence,omitempty"`
	Admissions  map[string]float64      `json:"admissions"`
}

// CandidatesResponse is the GET /candidates body
type CandidatesResponse struct {
	Candidates []coordinator.TradingCandidate `json:"candidates"`
	Count      int                            `json:"count"`
	Timestamp  time.Time                      `json:"timestamp"`
}

// AllocationResponse is the GET /allocation body
type AllocationResponse struct {
	Allocation allocator.Allocation `json:"allocation"`
	Total      int                  `json:"total"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode monitor response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	s.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestID(r),
		Timestamp: s.now().UTC(),
	})
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}

// health reports degraded when the store is unreachable or its breaker is open
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		Timestamp:  s.now().UTC(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Store:      "none",
		Admissions: s.metrics.AdmissionCounts(),
	}

	if stats, ok := s.source.FlushStats(); ok {
		resp.Persistence = &stats
		resp.Store = "ok"
		if err := s.source.Ping(r.Context()); err != nil {
			resp.Store = "unreachable"
			resp.Status = "degraded"
		}
		if stats.Breaker == "open" {
			resp.Status = "degraded"
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) candidates(w http.ResponseWriter, r *http.Request) {
	candidates := s.source.TradingCandidateDetails()
	s.writeJSON(w, http.StatusOK, CandidatesResponse{
		Candidates: candidates,
		Count:      len(candidates),
		Timestamp:  s.now().UTC(),
	})
}

func (s *Server) allocation(w http.ResponseWriter, r *http.Request) {
	a := s.source.PortfolioAllocation()
	s.writeJSON(w, http.StatusOK, AllocationResponse{Allocation: a, Total: a.Len()})
}

func (s *Server) performance(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.PerformanceSummary())
}

func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.ActivePositionsSummary())
}

// admission answers GET /admission/{symbol}?direction=BUY&size=0.1 without opening anything
func (s *Server) admission(w http.ResponseWriter, r *http.Request) {
	symbol := trimmed(mux.Vars(r)["symbol"])

	query := r.URL.Query()
	direction, err := correlation.ParseDirection(query.Get("direction"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_direction", err.Error())
		return
	}
	size, err := strconv.ParseFloat(query.Get("size"), 64)
	if err != nil || size <= 0 {
		s.writeError(w, r, http.StatusBadRequest, "invalid_size", "size must be a positive number")
		return
	}

	s.writeJSON(w, http.StatusOK, s.source.ValidateNewPosition(symbol, direction, size))
}
