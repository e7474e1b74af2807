// Package decision composes admission control and the prediction path into
// the single per-request entry point of the gateway.
package decision

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Adil-Ds/Intellirate/pkg/broker"
	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
	"github.com/Adil-Ds/Intellirate/pkg/observability/metrics"
	"github.com/Adil-Ds/Intellirate/pkg/predictor"
	"github.com/Adil-Ds/Intellirate/pkg/quotastore"
	"github.com/Adil-Ds/Intellirate/pkg/ratelimit"
)

// ErrStoreUnavailable is returned under fail-closed policy when the quota
// store cannot be reached. Callers should map it to 503.
var ErrStoreUnavailable = errors.New("quota store unavailable")

// Request is one admission question.
type Request struct {
	SubjectID string
	Tier      ratelimit.Tier
	// Features feed the risk predictor. May be nil, in which case the
	// prediction step is skipped.
	Features map[string]float64
}

// Decision is the orchestrator's answer for one request.
type Decision struct {
	RequestID string
	Admitted  bool
	// Remaining is the quota left after this decision; -1 when unlimited
	// or unknown (fail-open with the store down).
	Remaining int64
	// RetryAfter is set only on denial.
	RetryAfter time.Duration
	// RecommendedLimit is the predictor's suggested per-window limit,
	// capped by the subject's policy. Zero when prediction was skipped.
	RecommendedLimit int
	RiskScore        float64
	PredictionSource predictor.Source
}

// Orchestrator runs the decision pipeline: resolve policy, admit against the
// quota window, then enrich admitted requests with a risk prediction. A store
// outage degrades according to the fail-open policy; the prediction path
// degrades inside the broker and never blocks admission.
type Orchestrator struct {
	admitter *ratelimit.Admitter
	broker   *broker.Broker
	policies *ratelimit.Policies
	sink     Sink
	failOpen bool

	now func() time.Time // test hook
}

// Options wires an Orchestrator.
type Options struct {
	Admitter *ratelimit.Admitter
	Broker   *broker.Broker // nil disables prediction entirely
	Policies *ratelimit.Policies
	Sink     Sink // nil disables decision events
	// FailOpen admits requests when the quota store is unreachable.
	FailOpen bool
}

// New assembles an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Admitter == nil {
		return nil, errors.New("orchestrator requires an admitter")
	}
	if opts.Policies == nil {
		return nil, errors.New("orchestrator requires a policy table")
	}
	return &Orchestrator{
		admitter: opts.Admitter,
		broker:   opts.Broker,
		policies: opts.Policies,
		sink:     opts.Sink,
		failOpen: opts.FailOpen,
		now:      time.Now,
	}, nil
}

// Decide answers one admission request. Denials are cheap: the prediction
// path runs only for admitted requests.
func (o *Orchestrator) Decide(ctx context.Context, req Request) (Decision, error) {
	start := o.now()
	defer func() {
		metrics.RecordDecision(time.Since(start).Seconds())
	}()

	policy := o.policies.For(req.SubjectID, req.Tier)
	dec := Decision{RequestID: newRequestID()}

	admit, err := o.admitter.Admit(ctx, req.SubjectID, policy)
	switch {
	case err == nil:
		dec.Admitted = admit.Allowed
		dec.Remaining = admit.Remaining
		dec.RetryAfter = admit.RetryAfter
	case errors.Is(err, quotastore.ErrUnavailable):
		if !o.failOpen {
			logging.Errorf("Quota store unavailable, failing closed for %s: %v", req.SubjectID, err)
			return Decision{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		logging.Warnf("Quota store unavailable, failing open for %s: %v", req.SubjectID, err)
		dec.Admitted = true
		dec.Remaining = -1
	default:
		return Decision{}, err
	}

	metrics.RecordAdmission(string(req.Tier), dec.Admitted)

	if dec.Admitted && o.broker != nil && len(req.Features) > 0 {
		res, err := o.broker.Predict(ctx, req.Features)
		if err != nil {
			// Only a fatal local-predictor failure reaches here.
			return Decision{}, err
		}
		dec.RiskScore = res.RiskScore
		dec.PredictionSource = res.Source
		dec.RecommendedLimit = o.blendLimit(res, policy)
	}

	o.emit(req, dec)
	return dec, nil
}

// blendLimit reconciles the predictor's recommendation with the subject's
// static policy: never above the policy ceiling, halved for subjects flagged
// abusive, never below one.
func (o *Orchestrator) blendLimit(res predictor.Result, policy ratelimit.Policy) int {
	limit := res.RecommendedLimit
	if policy.MaxRequests > 0 && limit > policy.MaxRequests {
		limit = policy.MaxRequests
	}
	if res.Abusive {
		limit = int(math.Floor(float64(limit) / 2))
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (o *Orchestrator) emit(req Request, dec Decision) {
	if o.sink == nil {
		return
	}
	o.sink.Emit(Event{
		RequestID:        dec.RequestID,
		SubjectID:        req.SubjectID,
		Tier:             string(req.Tier),
		Admitted:         dec.Admitted,
		RetryAfterMs:     dec.RetryAfter.Milliseconds(),
		RecommendedLimit: dec.RecommendedLimit,
		RiskScore:        dec.RiskScore,
		PredictionSource: dec.PredictionSource,
		At:               o.now(),
	})
}
