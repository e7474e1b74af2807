// Package quotastore abstracts the shared atomic store the admission core
// runs on: per-subject sliding-window sets for the rate limiter and
// TTL-bounded entries for the prediction cache.
//
// Two implementations are provided:
//
//   - RedisStore: a Redis-backed store where the sliding-window operation is
//     a server-side Lua script, giving per-key atomicity across gateway
//     replicas.
//   - MemoryStore: an in-process equivalent for single-node deployments and
//     tests, with a per-subject mutex providing the same atomicity.
//
// The store gives per-key atomicity only; the core builds no distributed
// consensus on top of it.
package quotastore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable reports that the shared store cannot be reached. Callers
// decide the fail-open/fail-closed policy; the store never retries inline.
var ErrUnavailable = errors.New("quota store unavailable")

// WindowSlot is the result of one atomic sliding-window operation.
type WindowSlot struct {
	// Count is the number of live entries after the operation (including
	// the appended entry when Admitted).
	Count int64
	// OldestMs is the timestamp of the oldest live entry in milliseconds,
	// 0 when the window is empty. Set on denial so the caller can compute
	// retry-after.
	OldestMs int64
	// Admitted reports whether the new entry was appended.
	Admitted bool
}

// Store is the shared atomic substrate.
//
// SlideWindow atomically prunes entries older than nowMs-windowMs under key,
// counts the survivors, and appends member at nowMs iff the count is below
// capacity. The three steps are a single atomic operation per key: two
// concurrent calls for the same key never both consume the last slot.
//
// CountWindow is the read-only companion: live entries in the trailing
// window, consuming nothing.
//
// GetEntry/SetEntry are the cache substrate: opaque values with store-native
// expiry.
type Store interface {
	SlideWindow(ctx context.Context, key string, nowMs, windowMs, capacity int64, member string) (WindowSlot, error)
	CountWindow(ctx context.Context, key string, nowMs, windowMs int64) (int64, error)

	GetEntry(ctx context.Context, key string) ([]byte, bool, error)
	SetEntry(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// QuotaKey returns the window key for a subject: "quota:{subject_id}".
func QuotaKey(subjectID string) string {
	return "quota:" + subjectID
}

// CacheKey returns the prediction cache key for a "{predictor_id}:{digest}"
// composite: "predcache:{predictor_id}:{feature_digest}".
func CacheKey(key string) string {
	return "predcache:" + key
}
