package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/Adil-Ds/Intellirate/pkg/broker"
	"github.com/Adil-Ds/Intellirate/pkg/cache"
	"github.com/Adil-Ds/Intellirate/pkg/config"
	"github.com/Adil-Ds/Intellirate/pkg/decision"
	"github.com/Adil-Ds/Intellirate/pkg/predictor"
	"github.com/Adil-Ds/Intellirate/pkg/quotastore"
	"github.com/Adil-Ds/Intellirate/pkg/ratelimit"
)

// ── test stack ──

// newTestHandler builds the full stack over the given store: real local
// predictor, real broker, real orchestrator, no remote.
func newTestHandler(t *testing.T, store quotastore.Store, failOpen bool) http.Handler {
	t.Helper()

	local, err := predictor.NewLocalPredictor(predictor.LocalOptions{
		ID:             "local-v1",
		Weights:        map[string]float64{"requests_per_minute": 0.02, "error_rate_percentage": 0.1},
		Bias:           -2,
		AbuseThreshold: 0.65,
		BaseLimit:      60,
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := broker.New(broker.Options{
		Fallback: local,
		Cache:    cache.New(quotastore.NewMemoryStore()),
		CacheTTL: time.Minute,
	})
	if err != nil {
		t.Fatal(err)
	}

	admitter := ratelimit.NewAdmitter(store)
	policies := ratelimit.NewPolicies(config.RateLimitConfig{
		Tiers: map[string]config.TierPolicy{
			"free":       {WindowSeconds: 60, MaxRequests: 2, Burst: 1},
			"pro":        {WindowSeconds: 60, MaxRequests: 100, Burst: 10},
			"enterprise": {MaxRequests: -1},
		},
	})
	orch, err := decision.New(decision.Options{
		Admitter: admitter,
		Broker:   b,
		Policies: policies,
		FailOpen: failOpen,
	})
	if err != nil {
		t.Fatal(err)
	}

	srv, err := New(Options{
		Orchestrator: orch,
		Admitter:     admitter,
		Policies:     policies,
		Store:        store,
		Broker:       b,
	})
	if err != nil {
		t.Fatal(err)
	}
	return srv.Handler()
}

func postDecide(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/decide", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type failingStore struct{}

func (failingStore) SlideWindow(context.Context, string, int64, int64, int64, string) (quotastore.WindowSlot, error) {
	return quotastore.WindowSlot{}, fmt.Errorf("%w: connection refused", quotastore.ErrUnavailable)
}

func (failingStore) CountWindow(context.Context, string, int64, int64) (int64, error) {
	return 0, fmt.Errorf("%w: connection refused", quotastore.ErrUnavailable)
}

func (failingStore) GetEntry(context.Context, string) ([]byte, bool, error) {
	return nil, false, fmt.Errorf("%w: connection refused", quotastore.ErrUnavailable)
}

func (failingStore) SetEntry(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("%w: connection refused", quotastore.ErrUnavailable)
}

func (failingStore) Ping(context.Context) error { return quotastore.ErrUnavailable }
func (failingStore) Close() error               { return nil }

// ── POST /api/v1/decide ──

func TestDecideEndpointAdmits(t *testing.T) {
	h := newTestHandler(t, quotastore.NewMemoryStore(), true)

	rec := postDecide(t, h, `{
		"subject_id": "user-1",
		"tier": "pro",
		"features": {"requests_per_minute": 12, "error_rate_percentage": 1}
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp decideResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Admitted {
		t.Error("expected admission")
	}
	if resp.Remaining != 109 {
		t.Errorf("remaining = %d, want 109", resp.Remaining)
	}
	if resp.PredictionSource != "fallback" {
		t.Errorf("prediction_source = %q, want fallback", resp.PredictionSource)
	}
	if resp.RecommendedLimit < 1 {
		t.Errorf("recommended_limit = %d, want >= 1", resp.RecommendedLimit)
	}
	if resp.RequestID == "" {
		t.Error("response must carry a request id")
	}
}

func TestDecideEndpointDeniesWith429(t *testing.T) {
	h := newTestHandler(t, quotastore.NewMemoryStore(), true)
	body := `{"subject_id": "user-2", "tier": "free"}`

	// free capacity = 2 + 1 burst
	for i := 0; i < 3; i++ {
		if rec := postDecide(t, h, body); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	rec := postDecide(t, h, body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	var resp decideResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Admitted {
		t.Error("body must report the denial")
	}
	if resp.RetryAfterMs <= 0 || resp.RetryAfterMs > 60_000 {
		t.Errorf("retry_after_ms = %d, want within (0, 60000]", resp.RetryAfterMs)
	}

	header := rec.Header().Get("Retry-After")
	secs, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		t.Fatalf("Retry-After header %q is not an integer", header)
	}
	// The header rounds up; it must cover the precise body value.
	if secs*1000 < resp.RetryAfterMs {
		t.Errorf("Retry-After %ds understates retry_after_ms %d", secs, resp.RetryAfterMs)
	}
}

func TestDecideEndpointValidation(t *testing.T) {
	h := newTestHandler(t, quotastore.NewMemoryStore(), true)

	if rec := postDecide(t, h, `{"tier": "pro"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing subject_id: status = %d, want 400", rec.Code)
	}
	if rec := postDecide(t, h, `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", rec.Code)
	}
}

func TestDecideEndpointUnknownTierTreatedAsFree(t *testing.T) {
	h := newTestHandler(t, quotastore.NewMemoryStore(), true)
	body := `{"subject_id": "user-3", "tier": "platinum"}`

	for i := 0; i < 3; i++ {
		postDecide(t, h, body)
	}
	if rec := postDecide(t, h, body); rec.Code != http.StatusTooManyRequests {
		t.Errorf("unknown tier should be bounded by the free policy, got %d", rec.Code)
	}
}

func TestDecideEndpointFailClosed503(t *testing.T) {
	h := newTestHandler(t, failingStore{}, false)

	rec := postDecide(t, h, `{"subject_id": "user-4", "tier": "pro"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 under fail-closed with the store down", rec.Code)
	}
}

func TestDecideEndpointFailOpenAdmits(t *testing.T) {
	h := newTestHandler(t, failingStore{}, true)

	rec := postDecide(t, h, `{"subject_id": "user-5", "tier": "pro"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 under fail-open with the store down", rec.Code)
	}
	var resp decideResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Admitted || resp.Remaining != -1 {
		t.Errorf("resp = %+v, want admitted with unknown remaining", resp)
	}
}

// ── GET /api/v1/quota/{subject_id} ──

func TestQuotaEndpointSnapshot(t *testing.T) {
	store := quotastore.NewMemoryStore()
	h := newTestHandler(t, store, true)

	// Consume two of the free-tier slots.
	for i := 0; i < 2; i++ {
		postDecide(t, h, `{"subject_id": "user-6", "tier": "free"}`)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quota/user-6?tier=free", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp quotaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.SubjectID != "user-6" || resp.Tier != "free" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Remaining != 1 {
		t.Errorf("remaining = %d, want 1 of capacity 3", resp.Remaining)
	}
	if resp.WindowMs != 60_000 {
		t.Errorf("window_ms = %d", resp.WindowMs)
	}

	// The snapshot is read-only: asking again reports the same value.
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/v1/quota/user-6?tier=free", nil))
	var resp2 quotaResponse
	if err := json.Unmarshal(rec2.Body.Bytes(), &resp2); err != nil {
		t.Fatal(err)
	}
	if resp2.Remaining != 1 {
		t.Errorf("second snapshot remaining = %d, the read must not consume", resp2.Remaining)
	}
}

func TestQuotaEndpointUnlimitedTier(t *testing.T) {
	h := newTestHandler(t, quotastore.NewMemoryStore(), true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quota/big-corp?tier=enterprise", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp quotaResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Remaining != -1 {
		t.Errorf("remaining = %d, want -1 for unlimited", resp.Remaining)
	}
}

func TestQuotaEndpointStoreDown(t *testing.T) {
	h := newTestHandler(t, failingStore{}, true)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quota/user-7?tier=free", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

// ── GET /healthz ──

func TestHealthzHealthy(t *testing.T) {
	h := newTestHandler(t, quotastore.NewMemoryStore(), true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "healthy" {
		t.Errorf("status = %v", health["status"])
	}
	if health["breaker"] != "closed" {
		t.Errorf("breaker = %v, want closed", health["breaker"])
	}
}

func TestHealthzDegradedWhenStoreDown(t *testing.T) {
	h := newTestHandler(t, failingStore{}, true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", health["status"])
	}
}

// ── construction ──

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("server without collaborators must be rejected")
	}
}
