package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/Adil-Ds/Intellirate/pkg/cache"
	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
	"github.com/Adil-Ds/Intellirate/pkg/observability/metrics"
	"github.com/Adil-Ds/Intellirate/pkg/predictor"
)

// Broker is the two-tier prediction path. Per request it consults the cache;
// on a miss it tries the remote predictor gated by the circuit breaker and
// falls back to the local predictor on timeout, error, or an OPEN breaker.
//
// Every request gets some result. Only a local predictor failure — a fatal
// configuration condition, not a per-request one — escapes as an error.
type Broker struct {
	remote   predictor.Predictor // nil when the cloud path is disabled
	fallback predictor.Predictor
	breaker  *CircuitBreaker
	cache    *cache.PredictionCache
	ttl      time.Duration
}

// Options wires a Broker.
type Options struct {
	// Remote is the cloud predictor; nil routes everything to Fallback.
	Remote predictor.Predictor
	// Fallback is the local predictor. Required.
	Fallback predictor.Predictor
	Breaker  *CircuitBreaker
	Cache    *cache.PredictionCache
	// CacheTTL bounds staleness of cached results.
	CacheTTL time.Duration
}

// New assembles a broker.
func New(opts Options) (*Broker, error) {
	if opts.Fallback == nil {
		return nil, fmt.Errorf("%w: broker requires a fallback predictor", predictor.ErrLocalPredictor)
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(CircuitOptions{})
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Broker{
		remote:   opts.Remote,
		fallback: opts.Fallback,
		breaker:  opts.Breaker,
		cache:    opts.Cache,
		ttl:      opts.CacheTTL,
	}, nil
}

// Predict returns a prediction for the feature set: cached, cloud, or
// fallback, in that order of preference.
func (b *Broker) Predict(ctx context.Context, features map[string]float64) (predictor.Result, error) {
	key := cache.Key(b.predictorID(), features)

	if b.cache == nil {
		return b.compute(ctx, features)
	}
	res, _, err := b.cache.GetOrCompute(ctx, key, b.ttl, func(ctx context.Context) (predictor.Result, error) {
		return b.compute(ctx, features)
	})
	return res, err
}

// compute is the cache-miss path: breaker-gated remote call, then fallback.
func (b *Broker) compute(ctx context.Context, features map[string]float64) (predictor.Result, error) {
	if b.remote != nil {
		verdict := b.breaker.Acquire()
		if verdict != VerdictReject {
			start := time.Now()
			res, err := b.remote.Predict(ctx, features)
			if err == nil {
				b.breaker.Record(verdict, true)
				metrics.RecordPrediction(string(predictor.SourceCloud), time.Since(start).Seconds())
				return res, nil
			}
			b.breaker.Record(verdict, false)
			logging.Warnf("Remote predictor %s failed, using fallback: %v", b.remote.ID(), err)
		}
	}

	start := time.Now()
	res, err := b.fallback.Predict(ctx, features)
	if err != nil {
		// The fallback is defined to be reliable; this is fatal, not
		// a degradation.
		return predictor.Result{}, fmt.Errorf("%w: %v", predictor.ErrLocalPredictor, err)
	}
	res.Source = predictor.SourceFallback
	metrics.RecordPrediction(string(predictor.SourceFallback), time.Since(start).Seconds())
	return res, nil
}

// predictorID namespaces cache keys. Cached fallback results live under the
// remote predictor's keyspace so a recovered remote sees the same keys.
func (b *Broker) predictorID() string {
	if b.remote != nil {
		return b.remote.ID()
	}
	return b.fallback.ID()
}

// BreakerState exposes the breaker snapshot for health reporting.
func (b *Broker) BreakerState() State {
	return b.breaker.State()
}
