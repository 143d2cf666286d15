package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"chainwatch/internal/alerting"
	"chainwatch/internal/fetcher"
	"chainwatch/internal/kvstore"
	"chainwatch/internal/pricealert"
	"chainwatch/internal/pricefeed"
)

// SimulateAlert 以固定价格注册并检查一条价格告警, 触发后经配置的通道真实发送。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	price, err := decimal.NewFromString(opts.Price)
	if err != nil {
		return fmt.Errorf("invalid --price: %w", err)
	}
	threshold, err := decimal.NewFromString(opts.Threshold)
	if err != nil {
		return fmt.Errorf("invalid --threshold: %w", err)
	}

	notifiers := alerting.Multi{a.newOperatorNotifier()}
	history, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	if history != nil {
		notifiers = append(notifiers, history)
		defer func() {
			_ = history.Close(context.Background())
		}()
	}

	symbol := pricefeed.NormalizeSymbol(opts.Symbol)
	cache := pricefeed.New(kvstore.NewMemory(time.Now), staticPrice{symbol: symbol, price: price}, pricefeed.Options{}, a.Logger)
	sink := &directSink{ctx: ctx, notifier: notifiers}
	registry := pricealert.NewRegistry(cache, nil, sink, pricealert.Options{Symbols: a.Config.Prices.Symbols}, a.Logger)

	alert, err := registry.Add(opts.UserID, symbol, threshold, opts.Direction)
	if err != nil {
		return err
	}
	fired, err := registry.CheckAll(ctx)
	if err != nil {
		return err
	}
	if fired == 0 {
		return fmt.Errorf("alert %s not triggered: %s %s %s is false", alert.ID, price, alert.Direction, threshold)
	}
	if err := sink.Err(); err != nil {
		return err
	}
	a.Logger.Info().Str("alert_id", alert.ID).Str("symbol", symbol).Msg("simulated alert delivered")
	return nil
}

type staticPrice struct {
	symbol string
	price  decimal.Decimal
}

func (s staticPrice) FetchPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	if symbol != s.symbol {
		return decimal.Zero, fetcher.ErrNoPrice
	}
	return s.price, nil
}

// directSink sends synchronously so the command can report delivery errors.
type directSink struct {
	ctx      context.Context
	notifier alerting.Notifier

	mu   sync.Mutex
	errs []error
}

func (d *directSink) Deliver(note alerting.Notification) bool {
	if err := d.notifier.Notify(d.ctx, note); err != nil {
		d.mu.Lock()
		d.errs = append(d.errs, err)
		d.mu.Unlock()
	}
	return true
}

func (d *directSink) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.errs...)
}

var (
	_ fetcher.PriceProvider = staticPrice{}
	_ alerting.Sink         = (*directSink)(nil)
)
