// Package ratelimit implements the per-key token bucket that admits inbound
// API requests.
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the caller class used to pick default rules.
type Tier string

const (
	TierPublic        Tier = "public"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// ParseTier maps a string onto a Tier, defaulting to public.
func ParseTier(v string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(v))) {
	case TierAuthenticated:
		return TierAuthenticated
	case TierPremium:
		return TierPremium
	default:
		return TierPublic
	}
}

// Rule is the bucket shape applied to one key.
type Rule struct {
	Capacity      int           `mapstructure:"capacity"`
	RefillWindow  time.Duration `mapstructure:"refill_window"`
	BlockDuration time.Duration `mapstructure:"block_duration"`
}

// Validate checks the rule is usable.
func (r Rule) Validate() error {
	if r.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive")
	}
	if r.RefillWindow <= 0 {
		return fmt.Errorf("refill_window must be positive")
	}
	if r.BlockDuration < 0 {
		return fmt.Errorf("block_duration cannot be negative")
	}
	return nil
}

// DefaultTierRules are applied when no endpoint override matches.
func DefaultTierRules() map[Tier]Rule {
	return map[Tier]Rule{
		TierPublic:        {Capacity: 60, RefillWindow: time.Minute, BlockDuration: 5 * time.Minute},
		TierAuthenticated: {Capacity: 300, RefillWindow: time.Minute, BlockDuration: 5 * time.Minute},
		TierPremium:       {Capacity: 1000, RefillWindow: time.Minute, BlockDuration: 5 * time.Minute},
	}
}

// DefaultEndpointRules override tier defaults for specific endpoints.
func DefaultEndpointRules() map[string]Rule {
	return map[string]Rule{
		"/api/v1/transactions": {Capacity: 100, RefillWindow: time.Minute, BlockDuration: 5 * time.Minute},
		"/api/v1/wallet":       {Capacity: 150, RefillWindow: time.Minute, BlockDuration: 5 * time.Minute},
	}
}

// Rules resolves the rule for a request path and caller tier.
type Rules struct {
	Tiers     map[Tier]Rule
	Endpoints map[string]Rule
}

// NewRules merges overrides onto the defaults.
func NewRules(tiers map[Tier]Rule, endpoints map[string]Rule) (Rules, error) {
	rules := Rules{Tiers: DefaultTierRules(), Endpoints: DefaultEndpointRules()}
	for tier, rule := range tiers {
		if err := rule.Validate(); err != nil {
			return Rules{}, fmt.Errorf("tier %s: %w", tier, err)
		}
		rules.Tiers[tier] = rule
	}
	for path, rule := range endpoints {
		if err := rule.Validate(); err != nil {
			return Rules{}, fmt.Errorf("endpoint %s: %w", path, err)
		}
		rules.Endpoints[normalizePath(path)] = rule
	}
	return rules, nil
}

// Resolve returns the rule and the endpoint class used to build the limiter
// key. Endpoint overrides win over tier defaults; the longest matching
// endpoint prefix (on a path segment boundary) is chosen.
func (r Rules) Resolve(path string, tier Tier) (Rule, string) {
	path = normalizePath(path)
	best := ""
	for prefix := range r.Endpoints {
		if !matchesPrefix(path, prefix) {
			continue
		}
		if len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.Endpoints[best], best
	}
	if rule, ok := r.Tiers[tier]; ok {
		return rule, string(tier)
	}
	return r.Tiers[TierPublic], string(TierPublic)
}

func matchesPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
