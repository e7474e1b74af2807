// Package predictor defines the prediction contract and its two
// implementations: a remote inference endpoint reached over HTTP and a
// self-contained local scorer used as the fallback.
//
// The broker treats both as black boxes behind the Predictor interface; only
// the provenance tag on the Result distinguishes them downstream.
package predictor

import (
	"context"
	"errors"
	"time"
)

// Source tags where a prediction came from.
type Source string

const (
	SourceCloud    Source = "cloud"
	SourceFallback Source = "fallback"
)

// Remote predictor failures. Both are absorbed by the broker (counted
// against the breaker, then replaced by the fallback result); they never
// reach the caller.
var (
	// ErrRemoteTimeout reports that the remote call exceeded its deadline.
	ErrRemoteTimeout = errors.New("remote predictor timeout")
	// ErrRemoteUnavailable reports any other remote failure.
	ErrRemoteUnavailable = errors.New("remote predictor unavailable")
)

// ErrLocalPredictor reports a failure of the local fallback. The fallback is
// defined to be reliable for well-formed input, so this is a configuration
// bug and fails the whole decision.
var ErrLocalPredictor = errors.New("local predictor failure")

// Result is an immutable prediction outcome.
type Result struct {
	// RiskScore is the abuse/anomaly score in [0,1].
	RiskScore float64 `json:"risk_score"`
	// Abusive is RiskScore judged against the model's threshold.
	Abusive bool `json:"abusive"`
	// RecommendedLimit is the model's suggested per-window request limit,
	// always >= 1.
	RecommendedLimit int `json:"recommended_limit"`
	// Confidence is the model's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	Source     Source    `json:"source"`
	ComputedAt time.Time `json:"computed_at"`
}

// Predictor is a black-box model: features in, result out.
type Predictor interface {
	// ID names the predictor; it namespaces cache keys.
	ID() string
	// Predict scores the feature vector. Blocking implementations must
	// honor ctx cancellation.
	Predict(ctx context.Context, features map[string]float64) (Result, error)
}
