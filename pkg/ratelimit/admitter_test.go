package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adil-Ds/Intellirate/pkg/config"
	"github.com/Adil-Ds/Intellirate/pkg/quotastore"
)

func testAdmitter(t *testing.T) (*Admitter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := NewAdmitter(quotastore.NewMemoryStore())
	a.now = clk.Now
	return a, clk
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ── admission bound ──

func TestAdmitBound(t *testing.T) {
	a, clk := testAdmitter(t)
	ctx := context.Background()
	policy := Policy{Window: time.Minute, MaxRequests: 5, Burst: 2}

	admitted := 0
	for i := 0; i < 20; i++ {
		res, err := a.Admit(ctx, "u1", policy)
		if err != nil {
			t.Fatal(err)
		}
		if res.Allowed {
			admitted++
		}
		clk.Advance(time.Second)
	}
	if admitted != 7 {
		t.Errorf("admitted %d in one window, want max+burst = 7", admitted)
	}
}

func TestAdmitRemainingCountsDown(t *testing.T) {
	a, _ := testAdmitter(t)
	ctx := context.Background()
	policy := Policy{Window: time.Minute, MaxRequests: 3, Burst: 0}

	for want := int64(2); want >= 0; want-- {
		res, err := a.Admit(ctx, "u1", policy)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatal("should be allowed")
		}
		if res.Remaining != want {
			t.Errorf("Remaining = %d, want %d", res.Remaining, want)
		}
	}
}

// ── retry-after ──

func TestAdmitRetryAfter(t *testing.T) {
	a, clk := testAdmitter(t)
	ctx := context.Background()
	policy := Policy{Window: time.Minute, MaxRequests: 1, Burst: 0}

	if res, _ := a.Admit(ctx, "u1", policy); !res.Allowed {
		t.Fatal("first request should be allowed")
	}

	clk.Advance(20 * time.Second)
	res, err := a.Admit(ctx, "u1", policy)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("second request in window should be denied")
	}
	// The only entry is 20s old in a 60s window.
	if res.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %s, want 40s", res.RetryAfter)
	}
	if res.RetryAfter < 0 || res.RetryAfter > policy.Window {
		t.Errorf("RetryAfter %s outside [0, window]", res.RetryAfter)
	}
}

// ── end-to-end scenario: free tier ──

func TestAdmitFreeTierScenario(t *testing.T) {
	a, clk := testAdmitter(t)
	ctx := context.Background()
	policy := Policy{Window: 60 * time.Second, MaxRequests: 10, Burst: 0}

	for i := 0; i < 10; i++ {
		res, err := a.Admit(ctx, "free-user", policy)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatalf("admit %d should succeed", i+1)
		}
	}

	res, err := a.Admit(ctx, "free-user", policy)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Fatal("11th admit within the window should be denied")
	}
	if res.RetryAfter > 60*time.Second {
		t.Errorf("RetryAfter = %s, want <= 60s", res.RetryAfter)
	}

	clk.Advance(61 * time.Second)
	res, err = a.Admit(ctx, "free-user", policy)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("admission should succeed after the window elapsed")
	}
}

// ── concurrency: one remaining slot ──

func TestAdmitConcurrentOneSlot(t *testing.T) {
	a, _ := testAdmitter(t)
	ctx := context.Background()
	policy := Policy{Window: time.Minute, MaxRequests: 3, Burst: 0}

	a.Admit(ctx, "u1", policy)
	a.Admit(ctx, "u1", policy)

	const racers = 32
	var wg sync.WaitGroup
	results := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := a.Admit(ctx, "u1", policy)
			if err != nil {
				t.Errorf("Admit error: %v", err)
				return
			}
			results <- res.Allowed
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("%d racers admitted for the last slot, want exactly 1", wins)
	}
}

// ── unlimited tier ──

func TestAdmitUnlimited(t *testing.T) {
	a, _ := testAdmitter(t)
	ctx := context.Background()
	policy := Policy{MaxRequests: Unlimited}

	for i := 0; i < 100; i++ {
		res, err := a.Admit(ctx, "ent-user", policy)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Allowed {
			t.Fatal("unlimited tier must always admit")
		}
		if res.Remaining != -1 {
			t.Fatalf("Remaining = %d, want -1", res.Remaining)
		}
	}
}

// ── store failure ──

type failingStore struct {
	quotastore.Store
}

func (failingStore) SlideWindow(context.Context, string, int64, int64, int64, string) (quotastore.WindowSlot, error) {
	return quotastore.WindowSlot{}, quotastore.ErrUnavailable
}

func (failingStore) CountWindow(context.Context, string, int64, int64) (int64, error) {
	return 0, quotastore.ErrUnavailable
}

func TestAdmitStoreUnavailable(t *testing.T) {
	a := NewAdmitter(failingStore{})
	_, err := a.Admit(context.Background(), "u1", Policy{Window: time.Minute, MaxRequests: 1})
	if !errors.Is(err, quotastore.ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

// ── Remaining ──

func TestRemaining(t *testing.T) {
	a, _ := testAdmitter(t)
	ctx := context.Background()
	policy := Policy{Window: time.Minute, MaxRequests: 5, Burst: 0}

	a.Admit(ctx, "u1", policy)
	a.Admit(ctx, "u1", policy)

	n, err := a.Remaining(ctx, "u1", policy)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("Remaining = %d, want 3", n)
	}
	// Read-only: asking again gives the same answer.
	if n2, _ := a.Remaining(ctx, "u1", policy); n2 != 3 {
		t.Errorf("second Remaining = %d, want 3", n2)
	}
}

// ── policies ──

func TestPoliciesResolution(t *testing.T) {
	p := NewPolicies(config.RateLimitConfig{
		Tiers: map[string]config.TierPolicy{
			"free":       {WindowSeconds: 3600, MaxRequests: 50},
			"pro":        {WindowSeconds: 3600, MaxRequests: 1000, Burst: 20},
			"enterprise": {MaxRequests: -1},
		},
		Overrides: map[string]config.TierPolicy{
			"vip-user": {WindowSeconds: 3600, MaxRequests: 200, Burst: 10},
		},
	})

	if got := p.For("anyone", TierPro); got.MaxRequests != 1000 || got.Burst != 20 {
		t.Errorf("pro policy = %+v", got)
	}
	if got := p.For("anyone", TierEnterprise); !got.IsUnlimited() {
		t.Errorf("enterprise should be unlimited, got %+v", got)
	}
	// Override wins regardless of tier.
	if got := p.For("vip-user", TierFree); got.MaxRequests != 200 {
		t.Errorf("override policy = %+v", got)
	}
	// Unknown tier falls back to free.
	if got := p.For("anyone", Tier("mystery")); got.MaxRequests != 50 {
		t.Errorf("unknown tier policy = %+v", got)
	}
}

func TestParseTier(t *testing.T) {
	tests := []struct {
		in   string
		want Tier
	}{
		{"free", TierFree},
		{"pro", TierPro},
		{"enterprise", TierEnterprise},
		{"", TierFree},
		{"platinum", TierFree},
	}
	for _, tc := range tests {
		if got := ParseTier(tc.in); got != tc.want {
			t.Errorf("ParseTier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
