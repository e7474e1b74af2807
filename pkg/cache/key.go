// Package cache provides the content-addressed prediction cache: canonical
// feature digests, TTL-bounded entries on the shared store, and single-flight
// de-duplication of concurrent identical lookups.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Key digests a feature set into a deterministic cache key. Field names are
// sorted and floats rendered at fixed precision, so two logically identical
// feature maps hash identically regardless of construction order.
func Key(predictorID string, features map[string]float64) string {
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s=%.6f;", name, features[name])
	}
	return predictorID + ":" + hex.EncodeToString(h.Sum(nil))
}
