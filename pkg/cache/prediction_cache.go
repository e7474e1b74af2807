package cache

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adil-Ds/Intellirate/pkg/observability/logging"
	"github.com/Adil-Ds/Intellirate/pkg/observability/metrics"
	"github.com/Adil-Ds/Intellirate/pkg/predictor"
	"github.com/Adil-Ds/Intellirate/pkg/quotastore"
)

// envelope is the stored form of a cached prediction. InsertedAt drives the
// cache's own lazy expiry; the store-native TTL only bounds memory.
type envelope struct {
	Result     predictor.Result `json:"result"`
	InsertedAt time.Time        `json:"inserted_at"`
}

// PredictionCache is a read-through cache over the shared store with
// single-flight stampede control: N concurrent lookups for the same key run
// compute once, and the other N-1 wait for that one result (or its error).
//
// Expiry is lazy. An entry past inserted_at+ttl is treated as absent and
// recomputed; it is never served stale.
type PredictionCache struct {
	store quotastore.Store
	group singleflight.Group

	now func() time.Time // test hook
}

// New creates a cache over the store substrate.
func New(store quotastore.Store) *PredictionCache {
	return &PredictionCache{store: store, now: time.Now}
}

// GetOrCompute returns the cached result for key, or runs compute and caches
// its result for ttl. The hit return reports whether the result came from
// the cache. A compute error is propagated to every waiter and nothing is
// cached for the key.
//
// Store failures degrade to compute: a broken cache must slow requests down,
// not fail them.
func (c *PredictionCache) GetOrCompute(
	ctx context.Context,
	key string,
	ttl time.Duration,
	compute func(ctx context.Context) (predictor.Result, error),
) (result predictor.Result, hit bool, err error) {
	storeKey := quotastore.CacheKey(key)

	if res, ok := c.lookup(ctx, storeKey, ttl); ok {
		metrics.RecordCacheLookup("hit")
		return res, true, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Losers of the singleflight race re-check the store: the leader
		// may have just written the entry.
		if res, ok := c.lookup(ctx, storeKey, ttl); ok {
			return res, nil
		}

		res, err := compute(ctx)
		if err != nil {
			return predictor.Result{}, err
		}
		c.write(ctx, storeKey, res, ttl)
		return res, nil
	})
	if err != nil {
		return predictor.Result{}, false, err
	}
	if shared {
		metrics.RecordCacheLookup("shared")
	} else {
		metrics.RecordCacheLookup("miss")
	}
	return v.(predictor.Result), false, nil
}

// lookup reads and validates an entry; expired or unreadable entries count
// as misses.
func (c *PredictionCache) lookup(ctx context.Context, storeKey string, ttl time.Duration) (predictor.Result, bool) {
	raw, ok, err := c.store.GetEntry(ctx, storeKey)
	if err != nil {
		metrics.RecordStoreError()
		logging.Warnf("Prediction cache read failed for %s, computing instead: %v", storeKey, err)
		return predictor.Result{}, false
	}
	if !ok {
		return predictor.Result{}, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logging.Warnf("Discarding undecodable cache entry %s: %v", storeKey, err)
		return predictor.Result{}, false
	}
	if c.now().After(env.InsertedAt.Add(ttl)) {
		return predictor.Result{}, false
	}
	return env.Result, true
}

func (c *PredictionCache) write(ctx context.Context, storeKey string, res predictor.Result, ttl time.Duration) {
	raw, err := json.Marshal(envelope{Result: res, InsertedAt: c.now()})
	if err != nil {
		logging.Errorf("Failed to encode cache entry %s: %v", storeKey, err)
		return
	}
	if err := c.store.SetEntry(ctx, storeKey, raw, ttl); err != nil {
		metrics.RecordStoreError()
		logging.Warnf("Prediction cache write failed for %s: %v", storeKey, err)
	}
}
