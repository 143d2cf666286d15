// Package pricefeed caches upstream prices and keeps serving the last known
// value when the provider is unavailable.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"chainwatch/internal/fetcher"
	"chainwatch/internal/kvstore"
	"chainwatch/internal/telemetry"
)

const (
	keyPrefix           = "price:"
	DefaultTTL          = 300 * time.Second
	DefaultFetchTimeout = 15 * time.Second
)

// Quote is a price observation for one symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetchedAt"`
	// Stale is set when the provider failed and the last known value was
	// served instead.
	Stale bool `json:"stale"`
}

type cachedQuote struct {
	Price     string `json:"price"`
	FetchedAt int64  `json:"fetchedAt"`
}

// Options tune the cache.
type Options struct {
	TTL          time.Duration
	FetchTimeout time.Duration // bounds one shared provider call
	Now          func() time.Time
}

// Cache serves prices from the shared store, falling back to the provider
// and, when that fails, to the last value ever observed in this process.
type Cache struct {
	store    kvstore.Store
	provider fetcher.PriceProvider
	ttl      time.Duration
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	group singleflight.Group

	mu   sync.RWMutex
	last map[string]Quote
}

// New constructs a Cache.
func New(store kvstore.Store, provider fetcher.PriceProvider, opts Options, logger zerolog.Logger) *Cache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:    store,
		provider: provider,
		ttl:      ttl,
		timeout:  timeout,
		now:      now,
		logger:   logger.With().Str("component", "price_cache").Logger(),
		last:     make(map[string]Quote),
	}
}

// NormalizeSymbol lower-cases and trims a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}

// GetPrice returns the cached price if fresh, otherwise fetches it. On
// provider failure the last known price is returned with Stale set. The
// boolean is false only when no price was ever observed.
func (c *Cache) GetPrice(ctx context.Context, symbol string) (Quote, bool) {
	symbol = NormalizeSymbol(symbol)

	if q, ok := c.cached(ctx, symbol); ok {
		telemetry.PriceFetches.WithLabelValues("hit").Inc()
		return q, true
	}

	q, err := c.Refresh(ctx, symbol)
	if err == nil {
		return q, true
	}

	if last, ok := c.LastKnown(symbol); ok {
		c.logger.Warn().Err(err).Str("symbol", symbol).Time("fetched_at", last.FetchedAt).Msg("price provider failed, serving last known price")
		telemetry.PriceFetches.WithLabelValues("stale").Inc()
		last.Stale = true
		return last, true
	}

	c.logger.Error().Err(err).Str("symbol", symbol).Msg("price unavailable")
	telemetry.PriceFetches.WithLabelValues("miss").Inc()
	return Quote{}, false
}

// Refresh fetches symbol from the provider and caches it, bypassing any
// cached value. Concurrent refreshes of the same symbol share one upstream
// call, which is detached from any single caller's cancellation and bounded
// by the fetch timeout. A caller whose ctx is done by the time the fetch
// returns gets ctx.Err() and its result is not cached.
func (c *Cache) Refresh(ctx context.Context, symbol string) (Quote, error) {
	symbol = NormalizeSymbol(symbol)
	v, err, _ := c.group.Do(symbol, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		price, err := c.provider.FetchPrice(fetchCtx, symbol)
		if err != nil {
			return Quote{}, err
		}
		telemetry.PriceFetches.WithLabelValues("fetched").Inc()
		return Quote{Symbol: symbol, Price: price, FetchedAt: c.now()}, nil
	})
	if err != nil {
		return Quote{}, fmt.Errorf("fetch %s: %w", symbol, err)
	}
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	q := v.(Quote)
	c.remember(q)
	c.write(ctx, q)
	telemetry.PriceUSD.WithLabelValues(symbol).Set(q.Price.InexactFloat64())
	return q, nil
}

// LastKnown returns the most recent price observed for symbol.
func (c *Cache) LastKnown(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.last[NormalizeSymbol(symbol)]
	return q, ok
}

func (c *Cache) remember(q Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[q.Symbol]; ok && prev.FetchedAt.After(q.FetchedAt) {
		return
	}
	c.last[q.Symbol] = q
}

func (c *Cache) cached(ctx context.Context, symbol string) (Quote, bool) {
	raw, ok, err := c.store.Get(ctx, keyPrefix+symbol)
	if err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("price cache read failed")
		return Quote{}, false
	}
	if !ok {
		return Quote{}, false
	}

	var cq cachedQuote
	if err := json.Unmarshal([]byte(raw), &cq); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("discarding malformed cached price")
		return Quote{}, false
	}
	price, err := decimal.NewFromString(cq.Price)
	if err != nil {
		return Quote{}, false
	}
	q := Quote{Symbol: symbol, Price: price, FetchedAt: time.UnixMilli(cq.FetchedAt)}
	c.remember(q)
	return q, true
}

func (c *Cache) write(ctx context.Context, q Quote) {
	raw, err := json.Marshal(cachedQuote{Price: q.Price.String(), FetchedAt: q.FetchedAt.UnixMilli()})
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, keyPrefix+q.Symbol, string(raw), c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("symbol", q.Symbol).Msg("price cache write failed")
	}
}
