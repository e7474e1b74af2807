package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
)

// abuseThresholdCloud is the risk score above which the remote model's
// output is flagged abusive.
const abuseThresholdCloud = 0.8

// RemoteOptions configures a RemotePredictor.
type RemoteOptions struct {
	// ID names the predictor for cache keys and provenance.
	ID string
	// Endpoint is the inference URL; requests are POSTed as JSON.
	Endpoint string
	// Timeout is the hard deadline for one Predict call, retries included.
	Timeout time.Duration
	// RetryAttempts bounds calls per Predict; throttle-class responses
	// (429/503) are retried with exponential backoff, other failures are
	// not. Minimum 1.
	RetryAttempts int
	// RetryBackoff is the base backoff doubled per attempt.
	RetryBackoff time.Duration
	// Features fixes the projection order of the feature map into the
	// model input vector. Empty means sorted feature names.
	Features []string
}

// RemotePredictor calls a cloud inference endpoint. The wire shape follows
// the common managed-endpoint convention: {"instances": [[...]]} in,
// {"predictions": [{...}]} out.
type RemotePredictor struct {
	opts   RemoteOptions
	client *http.Client
}

// NewRemotePredictor builds the HTTP client for the endpoint.
func NewRemotePredictor(opts RemoteOptions) *RemotePredictor {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	return &RemotePredictor{
		opts: opts,
		// The per-call context carries the deadline; the client timeout
		// is only a backstop for leaked requests.
		client: &http.Client{Timeout: opts.Timeout + time.Second},
	}
}

func (r *RemotePredictor) ID() string {
	return r.opts.ID
}

type inferenceRequest struct {
	Instances [][]float64 `json:"instances"`
}

type inferencePrediction struct {
	RiskScore        float64 `json:"risk_score"`
	RecommendedLimit int     `json:"recommended_limit"`
	Confidence       float64 `json:"confidence"`
}

type inferenceResponse struct {
	Predictions []inferencePrediction `json:"predictions"`
}

// Predict invokes the endpoint within the configured deadline. Timeouts map
// to ErrRemoteTimeout, everything else to ErrRemoteUnavailable.
func (r *RemotePredictor) Predict(ctx context.Context, features map[string]float64) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	body, err := json.Marshal(inferenceRequest{Instances: [][]float64{r.vector(features)}})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrRemoteUnavailable, err)
	}

	var lastErr error
	for attempt := 0; attempt < r.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.opts.RetryBackoff * time.Duration(1<<(attempt-1))
			logging.Warnf("Retrying %s after %s (attempt %d/%d)", r.opts.ID, backoff, attempt+1, r.opts.RetryAttempts)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{}, fmt.Errorf("%w: %s", ErrRemoteTimeout, r.opts.ID)
			}
		}

		res, err := r.call(ctx, body)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retryable(err) {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

func (r *RemotePredictor) call(ctx context.Context, body []byte) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrRemoteUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return Result{}, fmt.Errorf("%w: %s", ErrRemoteTimeout, r.opts.ID)
		}
		return Result{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: %s returned %d", ErrRemoteUnavailable, r.opts.ID, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
			return Result{}, &throttledError{err}
		}
		return Result{}, err
	}

	var parsed inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrRemoteUnavailable, err)
	}
	if len(parsed.Predictions) == 0 {
		return Result{}, fmt.Errorf("%w: empty predictions from %s", ErrRemoteUnavailable, r.opts.ID)
	}

	p := parsed.Predictions[0]
	risk := clamp01(p.RiskScore)
	limit := p.RecommendedLimit
	confidence := clamp01(p.Confidence)
	if limit < 1 {
		logging.Warnf("Model %s predicted limit %d, clamping to 1", r.opts.ID, limit)
		limit = 1
		confidence = math.Max(0.5, confidence)
	}
	return Result{
		RiskScore:        risk,
		Abusive:          risk > abuseThresholdCloud,
		RecommendedLimit: limit,
		Confidence:       confidence,
		Source:           SourceCloud,
		ComputedAt:       time.Now().UTC(),
	}, nil
}

// vector projects the feature map into the model's input order. Features
// the caller did not supply are sent as zero.
func (r *RemotePredictor) vector(features map[string]float64) []float64 {
	names := r.opts.Features
	if len(names) == 0 {
		names = make([]string, 0, len(features))
		for name := range features {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	vec := make([]float64, len(names))
	for i, name := range names {
		vec[i] = features[name]
	}
	return vec
}

// throttledError marks a response worth retrying.
type throttledError struct{ error }

func (e *throttledError) Unwrap() error { return e.error }

func retryable(err error) bool {
	var te *throttledError
	return errors.As(err, &te)
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
