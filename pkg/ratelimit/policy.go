// Package ratelimit implements sliding-window admission control over the
// shared quota store.
//
// The limiter keeps a timestamp log per subject rather than fixed-aligned
// counters, so a burst straddling a bucket boundary cannot double the
// effective rate. Capacity is max_requests + burst; burst_allowance is the
// sole burst mechanism (no token-bucket refill is layered on top).
package ratelimit

import (
	"time"

	"github.com/Adil-Ds/Intellirate/pkg/config"
)

// Tier is a subject's subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// ParseTier normalizes a tier string; unknown values map to free, matching
// the lookup default of the policy table.
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPro:
		return TierPro
	case TierEnterprise:
		return TierEnterprise
	default:
		return TierFree
	}
}

// Unlimited is the MaxRequests sentinel for tiers with no quota.
const Unlimited = -1

// Policy is one tier's immutable quota policy.
type Policy struct {
	Window      time.Duration
	MaxRequests int
	Burst       int
}

// Capacity returns the admission ceiling for the window.
func (p Policy) Capacity() int64 {
	return int64(p.MaxRequests + p.Burst)
}

// IsUnlimited reports whether the policy admits everything.
func (p Policy) IsUnlimited() bool {
	return p.MaxRequests == Unlimited
}

// Policies resolves the effective policy for a subject: a per-subject
// override wins over the subject's tier, and unknown tiers fall back to
// free. Built once from config at startup.
type Policies struct {
	byTier    map[Tier]Policy
	overrides map[string]Policy
}

// NewPolicies builds the policy table from config.
func NewPolicies(cfg config.RateLimitConfig) *Policies {
	p := &Policies{
		byTier:    make(map[Tier]Policy, len(cfg.Tiers)),
		overrides: make(map[string]Policy, len(cfg.Overrides)),
	}
	for name, tp := range cfg.Tiers {
		p.byTier[Tier(name)] = fromTierPolicy(tp)
	}
	for subject, tp := range cfg.Overrides {
		p.overrides[subject] = fromTierPolicy(tp)
	}
	return p
}

func fromTierPolicy(tp config.TierPolicy) Policy {
	return Policy{
		Window:      tp.Window(),
		MaxRequests: tp.MaxRequests,
		Burst:       tp.Burst,
	}
}

// For returns the effective policy for a subject and tier.
func (p *Policies) For(subjectID string, tier Tier) Policy {
	if pol, ok := p.overrides[subjectID]; ok {
		return pol
	}
	if pol, ok := p.byTier[tier]; ok {
		return pol
	}
	return p.byTier[TierFree]
}
