package predictor

import (
	"context"
	"fmt"
	"math"
	"time"
)

// LocalOptions parameterizes the in-process fallback scorer.
type LocalOptions struct {
	ID string
	// Weights map feature names to their contribution to the risk score.
	Weights map[string]float64
	Bias    float64
	// AbuseThreshold is the normalized score above which the subject is
	// flagged abusive. The local model separates normal from abusive
	// traffic best around 0.65.
	AbuseThreshold float64
	// BaseLimit anchors the recommended limit before risk adjustment.
	BaseLimit int
}

// LocalPredictor is the self-contained fallback model: a weighted feature
// sum squashed through a sigmoid. It allocates nothing per call, never does
// I/O, and never fails for well-formed input — any misconfiguration is
// rejected at construction, not at request time.
type LocalPredictor struct {
	opts LocalOptions
}

// NewLocalPredictor validates the model parameters. An invalid local model
// is a fatal configuration error, since the fallback must be reliable.
func NewLocalPredictor(opts LocalOptions) (*LocalPredictor, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrLocalPredictor)
	}
	if len(opts.Weights) == 0 {
		return nil, fmt.Errorf("%w: no feature weights configured", ErrLocalPredictor)
	}
	for name, w := range opts.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight %q is not finite", ErrLocalPredictor, name)
		}
	}
	if opts.AbuseThreshold <= 0 || opts.AbuseThreshold >= 1 {
		return nil, fmt.Errorf("%w: abuse threshold %v outside (0,1)", ErrLocalPredictor, opts.AbuseThreshold)
	}
	if opts.BaseLimit < 1 {
		return nil, fmt.Errorf("%w: base limit %d below 1", ErrLocalPredictor, opts.BaseLimit)
	}
	return &LocalPredictor{opts: opts}, nil
}

func (l *LocalPredictor) ID() string {
	return l.opts.ID
}

// Predict scores the features synchronously. The context is accepted for
// interface symmetry; the computation is bounded CPU with no suspension.
func (l *LocalPredictor) Predict(_ context.Context, features map[string]float64) (Result, error) {
	z := l.opts.Bias
	for name, w := range l.opts.Weights {
		z += w * features[name]
	}
	risk := 1 / (1 + math.Exp(-z))

	// Riskier subjects get a proportionally tighter limit; the floor of 1
	// keeps even flagged subjects minimally serviceable.
	limit := int(math.Round(float64(l.opts.BaseLimit) * (1.5 - risk)))
	if limit < 1 {
		limit = 1
	}

	return Result{
		RiskScore:        risk,
		Abusive:          risk > l.opts.AbuseThreshold,
		RecommendedLimit: limit,
		Confidence:       math.Abs(risk-0.5) * 2,
		Source:           SourceFallback,
		ComputedAt:       time.Now().UTC(),
	}, nil
}
