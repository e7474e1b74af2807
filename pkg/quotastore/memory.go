package quotastore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process Store. Windows are per-key timestamp slices
// guarded by a single mutex; the slices are small (bounded by capacity) so
// contention stays on the subject being admitted, not on scanning.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string][]int64
	entries map[string]memoryEntry

	now func() time.Time // test hook
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string][]int64),
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) SlideWindow(_ context.Context, key string, nowMs, windowMs, capacity int64, _ string) (WindowSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := prune(s.windows[key], nowMs-windowMs)
	if int64(len(live)) < capacity {
		live = append(live, nowMs)
		s.windows[key] = live
		return WindowSlot{Count: int64(len(live)), Admitted: true}, nil
	}
	s.windows[key] = live
	var oldest int64
	if len(live) > 0 {
		oldest = live[0]
	}
	return WindowSlot{Count: int64(len(live)), OldestMs: oldest}, nil
}

func (s *MemoryStore) CountWindow(_ context.Context, key string, nowMs, windowMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := prune(s.windows[key], nowMs-windowMs)
	s.windows[key] = live
	return int64(len(live)), nil
}

func (s *MemoryStore) GetEntry(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) SetEntry(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

// SetClock overrides the store clock. Test hook for entry expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// prune drops timestamps at or before cutoff. Entries are appended in
// monotonic order, so the first surviving index can be found by search.
func prune(ts []int64, cutoff int64) []int64 {
	i := sort.Search(len(ts), func(i int) bool { return ts[i] > cutoff })
	if i == 0 {
		return ts
	}
	return append([]int64(nil), ts[i:]...)
}
