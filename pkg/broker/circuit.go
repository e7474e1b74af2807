// Package broker orchestrates predictions: remote call with a bounded
// deadline, circuit breaking once the remote is clearly failing, automatic
// fallback to the local predictor, and read-through caching.
package broker

import (
	"sync"
	"time"

	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
	"github.com/Adil-Ds/Intellirate/pkg/observability/metrics"
)

// State is the breaker state for one remote predictor.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Verdict is the breaker's answer for one call.
type Verdict int

const (
	// VerdictProceed lets the call through under CLOSED.
	VerdictProceed Verdict = iota
	// VerdictProbe lets the single HALF_OPEN probe through.
	VerdictProbe
	// VerdictReject short-circuits to the fallback; the skipped call is
	// not a remote failure and must not be recorded.
	VerdictReject
)

// CircuitOptions configures breaker thresholds.
type CircuitOptions struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays OPEN before probing.
	Cooldown time.Duration
}

// CircuitBreaker guards one remote predictor. It is shared by every request
// to that predictor and guarded by its own mutex; transitions are driven by
// wall-clock cooldowns, not request-scoped cancellation.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
	opts          CircuitOptions

	now func() time.Time // test hook
}

// NewCircuitBreaker constructs a CLOSED breaker.
func NewCircuitBreaker(opts CircuitOptions) *CircuitBreaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{opts: opts, now: time.Now}
}

// Acquire decides whether the next remote call may proceed. A VerdictProbe
// reserves the single HALF_OPEN probe slot; the caller must report the
// outcome via Record.
func (b *CircuitBreaker) Acquire() Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return VerdictProceed
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.opts.Cooldown {
			return VerdictReject
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return VerdictProbe
	default: // StateHalfOpen
		if b.probeInFlight {
			return VerdictReject
		}
		b.probeInFlight = true
		return VerdictProbe
	}
}

// Record reports the outcome of a call admitted by Acquire. Rejected calls
// are never recorded.
func (b *CircuitBreaker) Record(v Verdict, success bool) {
	if v == VerdictReject {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if v == VerdictProbe {
		b.probeInFlight = false
		if success {
			b.failures = 0
			b.transition(StateClosed)
		} else {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
		return
	}

	if success {
		b.failures = 0
		return
	}
	b.failures++
	if b.state == StateClosed && b.failures >= b.opts.FailureThreshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
	}
}

// State returns the current state, advancing OPEN to HALF_OPEN visibility is
// left to Acquire; this is a plain snapshot for health reporting.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with the mutex held.
func (b *CircuitBreaker) transition(to State) {
	if b.state == to {
		return
	}
	logging.Infof("Circuit breaker %s -> %s", b.state, to)
	metrics.RecordBreakerTransition(b.state.String(), to.String())
	metrics.SetBreakerState(float64(to))
	b.state = to
}
