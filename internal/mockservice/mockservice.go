// Package mockservice implements the HTTP mock service referenced in
// §4.5 and used by the auto-detect probe's test harness and by handler
// integration tests: an HTTP server whose rate limiting is enforced with
// the try-acquire flavor of the token bucket, returning 429 with a
// Retry-After header rather than queuing. Routing uses gorilla/mux, the
// router the retrieval pack's noisefs and developer-mesh repos use for
// comparable lightweight HTTP surfaces (the teacher's own HTTP surface in
// cmd/app/main.go is a bare net/http ServeMux; mux is adopted here to give
// the mock service a distinct concern boundary from the engine itself).
package mockservice

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Harvey-AU/tem/internal/ratelimit"
)

// Config controls the mock service's simulated failure behaviour.
type Config struct {
	RateLimit          *ratelimit.Limiter // optional; nil disables 429 simulation
	ConcurrencyCeiling int                // 0 disables 502 simulation
	FailAfterNRequests int64              // 0 disables the deterministic-failure mode

	// AbuseGuard caps the service's own request rate regardless of the
	// simulated RateLimit above, mirroring the teacher's per-IP
	// golang.org/x/time/rate visitor limiter in src/main.go. Optional; nil
	// disables it. Unlike RateLimit (which simulates the *target's*
	// policy under probe), this guards the mock server process itself.
	AbuseGuard *rate.Limiter
}

// Service is the HTTP mock used to exercise the Worker Engine's error
// classification and the auto-detect probe against a controllable target.
type Service struct {
	cfg Config

	inFlight     atomic.Int64
	requestCount atomic.Int64
}

// New constructs a mock service with the given configuration.
func New(cfg Config) *Service {
	return &Service{cfg: cfg}
}

// Handler returns the service's http.Handler.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handle).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	return r
}

func (s *Service) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AbuseGuard != nil && !s.cfg.AbuseGuard.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		return
	}

	n := s.requestCount.Add(1)

	if s.cfg.FailAfterNRequests > 0 && n > s.cfg.FailAfterNRequests {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
		return
	}

	if s.cfg.RateLimit != nil && !s.cfg.RateLimit.TryAcquire() {
		retryAfter := computeRetryAfter(s.cfg.RateLimit)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		return
	}

	if s.cfg.ConcurrencyCeiling > 0 {
		current := s.inFlight.Add(1)
		defer s.inFlight.Add(-1)
		if int(current) > s.cfg.ConcurrencyCeiling {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "bad gateway"})
			return
		}
		// Hold the slot for a simulated processing time so that concurrent
		// requests overlap and the ceiling can actually be exceeded.
		time.Sleep(50 * time.Millisecond)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func computeRetryAfter(limiter *ratelimit.Limiter) int {
	available := limiter.Available()
	if available >= 1 {
		return 0
	}
	return int(math.Ceil(1 - available))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("mockservice: failed writing response body")
	}
}
