package pricefeed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chainwatch/internal/scheduler"
)

// UpdateFunc receives every freshly polled quote.
type UpdateFunc func(ctx context.Context, q Quote) error

// Poller keeps one polling task per watched symbol.
type Poller struct {
	cache    *Cache
	pool     *scheduler.Pool
	interval time.Duration
	onUpdate UpdateFunc
	logger   zerolog.Logger
}

// NewPoller constructs a Poller. onUpdate may be nil.
func NewPoller(cache *Cache, pool *scheduler.Pool, interval time.Duration, onUpdate UpdateFunc, logger zerolog.Logger) *Poller {
	return &Poller{
		cache:    cache,
		pool:     pool,
		interval: interval,
		onUpdate: onUpdate,
		logger:   logger.With().Str("component", "price_poller").Logger(),
	}
}

func taskKey(symbol string) string {
	return "price:" + symbol
}

// Watch starts polling symbol. Watching an already polled symbol is a no-op.
func (p *Poller) Watch(symbol string) bool {
	symbol = NormalizeSymbol(symbol)
	return p.pool.Start(taskKey(symbol), p.interval, p.tick(symbol))
}

// Unwatch stops polling symbol. It is safe to call repeatedly.
func (p *Poller) Unwatch(symbol string) bool {
	return p.pool.Stop(taskKey(NormalizeSymbol(symbol)))
}

// Watching reports whether symbol is polled.
func (p *Poller) Watching(symbol string) bool {
	return p.pool.Active(taskKey(NormalizeSymbol(symbol)))
}

func (p *Poller) tick(symbol string) scheduler.TickFunc {
	return func(ctx context.Context, _ time.Time) error {
		q, err := p.cache.Refresh(ctx, symbol)
		// Stopped while the fetch was in flight; Refresh has not cached it.
		if ctx.Err() != nil {
			p.logger.Debug().Str("symbol", symbol).Msg("discarding price for unwatched symbol")
			return nil
		}
		if err != nil {
			return err
		}
		if p.onUpdate == nil {
			return nil
		}
		return p.onUpdate(ctx, q)
	}
}
