package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chainwatch/internal/kvstore"
	"chainwatch/internal/telemetry"
)

const keyPrefix = "ratelimit:"

// Decision is the outcome of one consumption attempt.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	Blocked   bool
	// FailOpen marks a request admitted because the counter store failed.
	FailOpen bool
}

// RetryAfter is the wait until ResetAt, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) int {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return 0
	}
	secs := int(wait / time.Second)
	if wait%time.Second != 0 {
		secs++
	}
	return secs
}

// Options tune the limiter.
type Options struct {
	Now func() time.Time
}

// Limiter is a token bucket keyed by client and endpoint class. Bucket state
// lives in the counter store; the limiter itself only holds the dynamic
// factors.
type Limiter struct {
	store  kvstore.Store
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	factors Factors
}

// New constructs a Limiter.
func New(store kvstore.Store, opts Options, logger zerolog.Logger) *Limiter {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := &Limiter{
		store:   store,
		logger:  logger.With().Str("component", "rate_limiter").Logger(),
		now:     now,
		factors: NeutralFactors(),
	}
	l.publishFactors(l.factors)
	return l
}

// Factors returns the factors applied to the next Consume.
func (l *Limiter) Factors() Factors {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.factors
}

// UpdateFactors recomputes the dynamic factors. Tokens already issued are
// not rebalanced; the new product applies from the next Consume.
func (l *Limiter) UpdateFactors(in FactorInputs) Factors {
	next := ComputeFactors(in)
	l.mu.Lock()
	prev := l.factors
	l.factors = next
	l.mu.Unlock()

	if prev != next {
		l.logger.Info().
			Float64("system_load", next.SystemLoad).
			Float64("error_rate", next.ErrorRate).
			Float64("response_time", next.ResponseTime).
			Msg("rate limiter factors updated")
	}
	l.publishFactors(next)
	return next
}

func (l *Limiter) publishFactors(f Factors) {
	telemetry.RateLimitFactor.WithLabelValues("system_load").Set(f.SystemLoad)
	telemetry.RateLimitFactor.WithLabelValues("error_rate").Set(f.ErrorRate)
	telemetry.RateLimitFactor.WithLabelValues("response_time").Set(f.ResponseTime)
}

// EffectiveCapacity is the rule capacity scaled by the current factors.
func (l *Limiter) EffectiveCapacity(rule Rule) int {
	return l.Factors().Apply(rule.Capacity)
}

// Consume tries to take one token for key under rule.
//
// The block marker, token count and last-refill timestamp are read and
// written in one store transaction, so concurrent calls on the same key never
// spend the same token twice. When the store fails the request is admitted
// and the failure logged.
func (l *Limiter) Consume(ctx context.Context, key string, rule Rule) Decision {
	now := l.now()
	capacity := l.EffectiveCapacity(rule)

	tokensKey := keyPrefix + key + ":tokens"
	tsKey := keyPrefix + key + ":ts"
	blockKey := keyPrefix + key + ":blocked"

	var decision evaluation
	err := l.store.Transaction(ctx, []string{blockKey, tokensKey, tsKey}, func(entries map[string]kvstore.Entry, w kvstore.Writer) error {
		decision = evaluate(now, capacity, rule, entries[blockKey], entries[tokensKey], entries[tsKey])
		switch {
		case decision.Allowed:
			w.Set(tokensKey, strconv.Itoa(decision.Remaining), rule.RefillWindow)
			w.Set(tsKey, strconv.FormatInt(decision.refilledAt.UnixMilli(), 10), rule.RefillWindow)
		case decision.newBlock:
			w.Set(blockKey, strconv.FormatInt(decision.ResetAt.UnixMilli(), 10), rule.BlockDuration)
			w.Delete(tokensKey)
			w.Delete(tsKey)
		}
		return nil
	})
	if err != nil {
		l.logger.Error().Err(err).Str("key", key).Msg("rate limiter store failure, failing open")
		telemetry.RateLimitDecisions.WithLabelValues(classOf(key), "fail_open").Inc()
		return Decision{
			Allowed:   true,
			Limit:     capacity,
			Remaining: 1,
			ResetAt:   now.Add(rule.RefillWindow),
			FailOpen:  true,
		}
	}

	result := "allowed"
	if !decision.Allowed {
		result = "blocked"
	}
	telemetry.RateLimitDecisions.WithLabelValues(classOf(key), result).Inc()
	return decision.Decision
}

type evaluation struct {
	Decision
	refilledAt time.Time
	newBlock   bool
}

func evaluate(now time.Time, capacity int, rule Rule, block, tokensEntry, tsEntry kvstore.Entry) evaluation {
	if block.Found {
		if ms, err := strconv.ParseInt(block.Value, 10, 64); err == nil {
			until := time.UnixMilli(ms)
			if until.After(now) {
				return evaluation{Decision: Decision{
					Allowed: false,
					Limit:   capacity,
					ResetAt: until,
					Blocked: true,
				}}
			}
		}
	}

	tokens := capacity
	last := now
	if tokensEntry.Found {
		if n, err := strconv.Atoi(tokensEntry.Value); err == nil {
			tokens = n
		}
	}
	if tsEntry.Found {
		if ms, err := strconv.ParseInt(tsEntry.Value, 10, 64); err == nil {
			last = time.UnixMilli(ms)
		}
	}
	if tokens > capacity {
		tokens = capacity
	}
	if tokens < 0 {
		tokens = 0
	}

	elapsed := clampElapsed(now.Sub(last), rule.RefillWindow)
	refill := int(int64(elapsed) * int64(capacity) / int64(rule.RefillWindow))
	tokens += refill
	if tokens >= capacity {
		tokens = capacity
		last = now
	} else if refill > 0 {
		// Only the time converted into whole tokens is consumed, so callers
		// arriving faster than one token per interval still accumulate.
		last = last.Add(time.Duration(int64(refill) * int64(rule.RefillWindow) / int64(capacity)))
	}

	if tokens > 0 {
		tokens--
		return evaluation{
			Decision: Decision{
				Allowed:   true,
				Limit:     capacity,
				Remaining: tokens,
				ResetAt:   now.Add(rule.RefillWindow),
			},
			refilledAt: last,
		}
	}

	until := now.Add(rule.BlockDuration)
	return evaluation{
		Decision: Decision{
			Allowed: false,
			Limit:   capacity,
			ResetAt: until,
			Blocked: true,
		},
		newBlock: rule.BlockDuration > 0,
	}
}

// clampElapsed bounds refill time to one window; a clock that moved
// backwards refills nothing.
func clampElapsed(elapsed, window time.Duration) time.Duration {
	if elapsed < 0 {
		return 0
	}
	if elapsed > window {
		return window
	}
	return elapsed
}

// Key builds the limiter key for a client and endpoint class.
func Key(clientID, class string) string {
	return clientID + "|" + class
}

func classOf(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[i+1:]
		}
	}
	return "unknown"
}
