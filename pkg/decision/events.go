package decision

import (
	"time"

	"github.com/google/uuid"

	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
	"github.com/Adil-Ds/Intellirate/pkg/observability/metrics"
	"github.com/Adil-Ds/Intellirate/pkg/predictor"
)

// Event is the per-decision record handed to the external logging
// collaborator. The orchestrator never blocks on it.
type Event struct {
	RequestID        string           `json:"request_id"`
	SubjectID        string           `json:"subject_id"`
	Tier             string           `json:"tier"`
	Admitted         bool             `json:"admitted"`
	RetryAfterMs     int64            `json:"retry_after_ms"`
	RecommendedLimit int              `json:"recommended_limit"`
	RiskScore        float64          `json:"risk_score"`
	PredictionSource predictor.Source `json:"prediction_source,omitempty"`
	At               time.Time        `json:"at"`
}

// Sink receives decision events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

// ChannelSink buffers events for an external consumer. When the buffer is
// full the event is dropped and counted; a slow consumer must never stall
// the request path.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit enqueues the event, dropping it if the buffer is full.
func (s *ChannelSink) Emit(ev Event) {
	select {
	case s.ch <- ev:
	default:
		metrics.RecordDroppedEvent()
		logging.Warnf("Decision event buffer full, dropping event %s", ev.RequestID)
	}
}

// Events returns the consumer side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close stops the sink. Emit must not be called afterwards.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// newRequestID tags a decision for correlation with the request log.
func newRequestID() string {
	return uuid.NewString()
}
