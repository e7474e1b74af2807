// Package apiserver is the JSON surface over the decision core: one decide
// endpoint, a read-only quota snapshot, and a health probe.
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/Adil-Ds/Intellirate/pkg/broker"
	"github.com/Adil-Ds/Intellirate/pkg/decision"
	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
	"github.com/Adil-Ds/Intellirate/pkg/predictor"
	"github.com/Adil-Ds/Intellirate/pkg/quotastore"
	"github.com/Adil-Ds/Intellirate/pkg/ratelimit"
)

// Server holds the request-path collaborators.
type Server struct {
	orchestrator *decision.Orchestrator
	admitter     *ratelimit.Admitter
	policies     *ratelimit.Policies
	store        quotastore.Store
	broker       *broker.Broker // nil when prediction is disabled
	addr         string
}

// Options wires a Server.
type Options struct {
	Orchestrator *decision.Orchestrator
	Admitter     *ratelimit.Admitter
	Policies     *ratelimit.Policies
	Store        quotastore.Store
	Broker       *broker.Broker
	Addr         string
}

// New assembles the server.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil || opts.Admitter == nil || opts.Policies == nil || opts.Store == nil {
		return nil, errors.New("apiserver requires orchestrator, admitter, policies, and store")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	return &Server{
		orchestrator: opts.Orchestrator,
		admitter:     opts.Admitter,
		policies:     opts.Policies,
		store:        opts.Store,
		broker:       opts.Broker,
		addr:         opts.Addr,
	}, nil
}

// Handler returns the route table. Split out from Run so tests can drive it
// with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/decide", s.handleDecide)
	mux.HandleFunc("GET /api/v1/quota/{subject_id}", s.handleQuota)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Infof("Admission API listening on %s", s.addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

type decideRequest struct {
	SubjectID string             `json:"subject_id"`
	Tier      string             `json:"tier"`
	Features  map[string]float64 `json:"features,omitempty"`
}

type decideResponse struct {
	RequestID        string  `json:"request_id"`
	Admitted         bool    `json:"admitted"`
	Remaining        int64   `json:"remaining"`
	RetryAfterMs     int64   `json:"retry_after_ms,omitempty"`
	RecommendedLimit int     `json:"recommended_limit,omitempty"`
	RiskScore        float64 `json:"risk_score,omitempty"`
	PredictionSource string  `json:"prediction_source,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := s.parseJSONRequest(r, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.SubjectID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "invalid_request", "subject_id is required")
		return
	}

	dec, err := s.orchestrator.Decide(r.Context(), decision.Request{
		SubjectID: req.SubjectID,
		Tier:      ratelimit.ParseTier(req.Tier),
		Features:  req.Features,
	})
	switch {
	case err == nil:
	case errors.Is(err, decision.ErrStoreUnavailable):
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			"quota store unavailable")
		return
	case errors.Is(err, predictor.ErrLocalPredictor):
		logging.Errorf("Decide failed for %s: %v", req.SubjectID, err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			"prediction unavailable")
		return
	default:
		logging.Errorf("Decide failed for %s: %v", req.SubjectID, err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "internal_error",
			"internal error")
		return
	}

	resp := decideResponse{
		RequestID:        dec.RequestID,
		Admitted:         dec.Admitted,
		Remaining:        dec.Remaining,
		RetryAfterMs:     dec.RetryAfter.Milliseconds(),
		RecommendedLimit: dec.RecommendedLimit,
		RiskScore:        dec.RiskScore,
		PredictionSource: string(dec.PredictionSource),
	}
	if !dec.Admitted {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(dec.RetryAfter)))
		s.writeJSONResponse(w, http.StatusTooManyRequests, resp)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, resp)
}

type quotaResponse struct {
	SubjectID   string `json:"subject_id"`
	Tier        string `json:"tier"`
	Remaining   int64  `json:"remaining"`
	MaxRequests int    `json:"max_requests"`
	Burst       int    `json:"burst"`
	WindowMs    int64  `json:"window_ms"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	subjectID := r.PathValue("subject_id")
	tier := ratelimit.ParseTier(r.URL.Query().Get("tier"))
	policy := s.policies.For(subjectID, tier)

	remaining, err := s.admitter.Remaining(r.Context(), subjectID, policy)
	if err != nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "store_unavailable",
			"quota store unavailable")
		return
	}

	s.writeJSONResponse(w, http.StatusOK, quotaResponse{
		SubjectID:   subjectID,
		Tier:        string(tier),
		Remaining:   remaining,
		MaxRequests: policy.MaxRequests,
		Burst:       policy.Burst,
		WindowMs:    policy.Window.Milliseconds(),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "healthy"}
	if s.broker != nil {
		health["breaker"] = s.broker.BreakerState().String()
	}

	if err := s.store.Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["store"] = err.Error()
		s.writeJSONResponse(w, http.StatusServiceUnavailable, health)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, health)
}

// retryAfterSeconds rounds up so a client honoring the header never retries
// inside the window.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func (s *Server) parseJSONRequest(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	defer r.Body.Close()

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Errorf("Failed to encode JSON response: %v", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":      errorCode,
			"message":   message,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}
