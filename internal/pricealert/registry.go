// Package pricealert keeps per-user price threshold alerts and fires each one
// at most once.
package pricealert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"chainwatch/internal/alerting"
	"chainwatch/internal/apperr"
	"chainwatch/internal/pricefeed"
	"chainwatch/internal/telemetry"
)

// Direction is the side of the threshold that triggers an alert.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// ParseDirection validates a direction string.
func ParseDirection(v string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(v))) {
	case Above:
		return Above, nil
	case Below:
		return Below, nil
	default:
		return "", apperr.Validation("invalid alert direction %q: must be above or below", v)
	}
}

// DefaultSymbols is the statically supported symbol set.
func DefaultSymbols() []string {
	return []string{"ethereum", "bitcoin", "usdt", "usdc", "dai"}
}

// Alert is one user's price threshold.
type Alert struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Symbol    string          `json:"symbol"`
	Threshold decimal.Decimal `json:"threshold"`
	Direction Direction       `json:"direction"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Triggered reports whether price crosses the alert threshold.
func (a Alert) Triggered(price decimal.Decimal) bool {
	if a.Direction == Above {
		return price.GreaterThanOrEqual(a.Threshold)
	}
	return price.LessThanOrEqual(a.Threshold)
}

// PriceSource returns the current price of a symbol.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (pricefeed.Quote, bool)
}

// SymbolWatcher starts polling a symbol.
type SymbolWatcher interface {
	Watch(symbol string) bool
}

// Options tune the registry.
type Options struct {
	Symbols     []string
	Now         func() time.Time
	Concurrency int
}

type userAlerts struct {
	mu     sync.Mutex
	alerts []Alert
}

// Registry holds alerts keyed by user. Each user's list has its own lock so
// firing an alert and removing it is one step.
type Registry struct {
	prices    PriceSource
	watcher   SymbolWatcher
	sink      alerting.Sink
	supported map[string]struct{}
	now       func() time.Time
	workers   int
	logger    zerolog.Logger

	mu    sync.RWMutex
	users map[string]*userAlerts
}

// NewRegistry constructs a Registry. watcher may be nil.
func NewRegistry(prices PriceSource, watcher SymbolWatcher, sink alerting.Sink, opts Options, logger zerolog.Logger) *Registry {
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = DefaultSymbols()
	}
	supported := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		supported[pricefeed.NormalizeSymbol(s)] = struct{}{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = 8
	}
	return &Registry{
		prices:    prices,
		watcher:   watcher,
		sink:      sink,
		supported: supported,
		now:       now,
		workers:   workers,
		logger:    logger.With().Str("component", "price_alerts").Logger(),
		users:     make(map[string]*userAlerts),
	}
}

// Symbols lists the supported symbols in sorted order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.supported))
	for s := range r.supported {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether symbol may carry alerts.
func (r *Registry) Supported(symbol string) bool {
	_, ok := r.supported[pricefeed.NormalizeSymbol(symbol)]
	return ok
}

// Add validates and registers a new alert, then makes sure its symbol is
// polled. Nothing is stored when validation fails.
func (r *Registry) Add(userID, symbol string, threshold decimal.Decimal, direction string) (Alert, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Alert{}, apperr.Validation("user id is required")
	}
	dir, err := ParseDirection(direction)
	if err != nil {
		return Alert{}, err
	}
	symbol = pricefeed.NormalizeSymbol(symbol)
	if !r.Supported(symbol) {
		return Alert{}, apperr.Validation("unsupported token: %s", symbol)
	}
	if !threshold.IsPositive() {
		return Alert{}, apperr.Validation("threshold must be positive")
	}

	alert := Alert{
		ID:        uuid.NewString(),
		UserID:    userID,
		Symbol:    symbol,
		Threshold: threshold,
		Direction: dir,
		CreatedAt: r.now().UTC(),
	}

	ua := r.user(userID, true)
	ua.mu.Lock()
	ua.alerts = append(ua.alerts, alert)
	ua.mu.Unlock()

	if r.watcher != nil {
		r.watcher.Watch(symbol)
	}

	r.logger.Info().
		Str("alert_id", alert.ID).
		Str("user_id", userID).
		Str("symbol", symbol).
		Str("threshold", threshold.String()).
		Str("direction", string(dir)).
		Msg("price alert added")
	return alert, nil
}

// Remove deletes an alert. Removing an unknown alert is a no-op and returns
// false.
func (r *Registry) Remove(userID, alertID string) bool {
	ua := r.user(userID, false)
	if ua == nil {
		return false
	}
	ua.mu.Lock()
	defer ua.mu.Unlock()
	for i, a := range ua.alerts {
		if a.ID == alertID {
			ua.alerts = append(ua.alerts[:i], ua.alerts[i+1:]...)
			return true
		}
	}
	return false
}

// UserAlerts returns a copy of the user's active alerts in creation order.
func (r *Registry) UserAlerts(userID string) []Alert {
	ua := r.user(userID, false)
	if ua == nil {
		return []Alert{}
	}
	ua.mu.Lock()
	defer ua.mu.Unlock()
	out := make([]Alert, len(ua.alerts))
	copy(out, ua.alerts)
	return out
}

// Count returns the number of active alerts across all users.
func (r *Registry) Count() int {
	r.mu.RLock()
	users := make([]*userAlerts, 0, len(r.users))
	for _, ua := range r.users {
		users = append(users, ua)
	}
	r.mu.RUnlock()

	n := 0
	for _, ua := range users {
		ua.mu.Lock()
		n += len(ua.alerts)
		ua.mu.Unlock()
	}
	return n
}

// WatchedSymbols returns every symbol referenced by an alert.
func (r *Registry) WatchedSymbols() []string {
	set := make(map[string]struct{})
	for _, ua := range r.snapshotUsers() {
		ua.mu.Lock()
		for _, a := range ua.alerts {
			set[a.Symbol] = struct{}{}
		}
		ua.mu.Unlock()
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CheckAll evaluates every alert against the current price. Prices are
// looked up once per symbol per call. Triggered alerts are removed and then
// delivered exactly once. It returns the number of alerts fired.
func (r *Registry) CheckAll(ctx context.Context) (int, error) {
	symbols := r.WatchedSymbols()
	if len(symbols) == 0 {
		return 0, nil
	}

	prices := make(map[string]decimal.Decimal, len(symbols))
	var pricesMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, symbol := range symbols {
		g.Go(func() error {
			q, ok := r.prices.GetPrice(gctx, symbol)
			if !ok {
				r.logger.Warn().Str("symbol", symbol).Msg("no price available, skipping alerts")
				return nil
			}
			pricesMu.Lock()
			prices[symbol] = q.Price
			pricesMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fired := 0
	for userID, ua := range r.snapshotUsersByID() {
		for _, hit := range r.collectTriggered(ua, prices) {
			r.fire(userID, hit.alert, hit.price)
			fired++
		}
	}
	return fired, nil
}

type triggered struct {
	alert Alert
	price decimal.Decimal
}

// collectTriggered removes and returns the user's alerts whose threshold is
// crossed, under the user's lock.
func (r *Registry) collectTriggered(ua *userAlerts, prices map[string]decimal.Decimal) []triggered {
	ua.mu.Lock()
	defer ua.mu.Unlock()

	var hits []triggered
	kept := ua.alerts[:0]
	for _, a := range ua.alerts {
		price, ok := prices[a.Symbol]
		if ok && a.Triggered(price) {
			hits = append(hits, triggered{alert: a, price: price})
			continue
		}
		kept = append(kept, a)
	}
	ua.alerts = kept
	return hits
}

func (r *Registry) fire(userID string, a Alert, price decimal.Decimal) {
	telemetry.PriceAlertsTriggered.WithLabelValues(a.Symbol, string(a.Direction)).Inc()
	r.logger.Info().
		Str("alert_id", a.ID).
		Str("user_id", userID).
		Str("symbol", a.Symbol).
		Str("price", price.String()).
		Str("threshold", a.Threshold.String()).
		Msg("price alert triggered")

	if r.sink == nil {
		return
	}
	note := alerting.PriceAlert(userID, a.Symbol, price, a.Threshold, string(a.Direction), r.now())
	if !r.sink.Deliver(note) {
		r.logger.Error().Str("alert_id", a.ID).Msg("price alert notification dropped")
	}
}

func (r *Registry) user(userID string, create bool) *userAlerts {
	r.mu.RLock()
	ua, ok := r.users[userID]
	r.mu.RUnlock()
	if ok || !create {
		return ua
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ua, ok = r.users[userID]; ok {
		return ua
	}
	ua = &userAlerts{}
	r.users[userID] = ua
	return ua
}

func (r *Registry) snapshotUsers() []*userAlerts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*userAlerts, 0, len(r.users))
	for _, ua := range r.users {
		out = append(out, ua)
	}
	return out
}

func (r *Registry) snapshotUsersByID() map[string]*userAlerts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*userAlerts, len(r.users))
	for id, ua := range r.users {
		out[id] = ua
	}
	return out
}
