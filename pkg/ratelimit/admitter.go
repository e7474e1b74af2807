package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
	"github.com/Adil-Ds/Intellirate/pkg/observability/metrics"
	"github.com/Adil-Ds/Intellirate/pkg/quotastore"
)

// AdmitResult is the outcome of one admission check.
type AdmitResult struct {
	Allowed bool
	// Remaining is the quota left in the trailing window after this
	// decision; -1 for unlimited policies.
	Remaining int64
	// RetryAfter is how long until a slot frees up. Zero when allowed;
	// always within [0, policy window] when denied.
	RetryAfter time.Duration
}

// Admitter answers allow/deny per subject using one atomic sliding-window
// operation against the store. It holds no per-subject state of its own, so
// any number of gateway replicas sharing a store agree on the count.
type Admitter struct {
	store quotastore.Store

	now func() time.Time // test hook
}

// NewAdmitter creates an admitter over the given store.
func NewAdmitter(store quotastore.Store) *Admitter {
	return &Admitter{store: store, now: time.Now}
}

// Admit checks and consumes one admission slot for the subject under the
// policy. Store failures are returned wrapped in quotastore.ErrUnavailable;
// the caller chooses fail-open or fail-closed.
func (a *Admitter) Admit(ctx context.Context, subjectID string, policy Policy) (AdmitResult, error) {
	if policy.IsUnlimited() {
		logging.Debugf("Unlimited policy for %s, skipping quota check", subjectID)
		return AdmitResult{Allowed: true, Remaining: -1}, nil
	}

	nowMs := a.now().UnixMilli()
	windowMs := policy.Window.Milliseconds()
	// Equal timestamps must stay distinct members in the store's sorted
	// set, so each entry carries a unique suffix.
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	slot, err := a.store.SlideWindow(ctx, quotastore.QuotaKey(subjectID), nowMs, windowMs, policy.Capacity(), member)
	if err != nil {
		metrics.RecordStoreError()
		return AdmitResult{}, fmt.Errorf("admit %s: %w", subjectID, err)
	}

	if slot.Admitted {
		return AdmitResult{
			Allowed:   true,
			Remaining: policy.Capacity() - slot.Count,
		}, nil
	}

	retryAfter := time.Duration(0)
	if slot.OldestMs > 0 {
		retryAfter = time.Duration(slot.OldestMs+windowMs-nowMs) * time.Millisecond
	}
	if retryAfter < 0 {
		retryAfter = 0
	}
	if retryAfter > policy.Window {
		retryAfter = policy.Window
	}

	metrics.RecordRetryAfter(retryAfter.Seconds())
	logging.Debugf("Admission denied for %s: %d/%d in window, retry in %s",
		subjectID, slot.Count, policy.Capacity(), retryAfter)
	return AdmitResult{Allowed: false, RetryAfter: retryAfter}, nil
}

// Remaining reports the subject's unused quota without consuming a slot.
func (a *Admitter) Remaining(ctx context.Context, subjectID string, policy Policy) (int64, error) {
	if policy.IsUnlimited() {
		return -1, nil
	}
	nowMs := a.now().UnixMilli()
	used, err := a.store.CountWindow(ctx, quotastore.QuotaKey(subjectID), nowMs, policy.Window.Milliseconds())
	if err != nil {
		metrics.RecordStoreError()
		return 0, fmt.Errorf("remaining %s: %w", subjectID, err)
	}
	remaining := policy.Capacity() - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
