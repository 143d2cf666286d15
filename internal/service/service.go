package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"chainwatch/internal/alerting"
	"chainwatch/internal/fetcher"
	"chainwatch/internal/kvstore"
	"chainwatch/internal/monitoring"
	"chainwatch/internal/pricealert"
	"chainwatch/internal/pricefeed"
	"chainwatch/internal/queue"
	"chainwatch/internal/ratelimit"
	"chainwatch/internal/scheduler"
	"chainwatch/internal/storage"
)

// Task keys registered in the scheduler pool.
const (
	TaskAlertCheck   = "alerts:check"
	TaskFactors      = "ratelimit:factors"
	TaskGas          = "gas"
	TaskAlertPruning = "system_alerts:prune"
)

// GasCacheKey holds the last gas reading in the counter store.
const GasCacheKey = "gas:price"

// operatorUser addresses system notifications.
const operatorUser = "operators"

// Settings are the cadences and identities the service runs with.
type Settings struct {
	Symbols            []string
	PollInterval       time.Duration
	AlertCheckInterval time.Duration
	FactorInterval     time.Duration
	GasInterval        time.Duration
	GasCacheTTL        time.Duration
	AlertRetention     time.Duration
	LockKey            int64
	Monitoring         bool
	Now                func() time.Time
}

// Deps are the collaborators. Optional ones may be nil: Gas, Samples,
// SystemAlerts, Locker, UserSink and OperatorSink.
type Deps struct {
	KV           kvstore.Store
	Cache        *pricefeed.Cache
	Pool         *scheduler.Pool
	Limiter      *ratelimit.Limiter
	Collector    *monitoring.Collector
	Jobs         queue.Queue
	Gas          fetcher.GasProvider
	Samples      storage.PriceSampleStore
	SystemAlerts storage.SystemAlertStore
	Locker       storage.AdvisoryLocker
	UserSink     alerting.Sink
	OperatorSink alerting.Sink
}

// PriceUpdate is the payload of a priceUpdates job.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// GasQuote is the cached gas reading.
type GasQuote struct {
	PriceGwei   decimal.Decimal `json:"priceGwei"`
	BlockNumber uint64          `json:"blockNumber"`
	FetchedAt   time.Time       `json:"fetchedAt"`
}

// Service orchestrates polling, alert checks, metric collection and the
// background jobs fed by them.
type Service struct {
	settings Settings
	deps     Deps
	poller   *pricefeed.Poller
	registry *pricealert.Registry
	logger   zerolog.Logger
}

// New wires the price poller and the alert registry around the shared pool.
func New(settings Settings, deps Deps, logger zerolog.Logger) (*Service, error) {
	switch {
	case deps.KV == nil:
		return nil, errors.New("service: counter store required")
	case deps.Cache == nil:
		return nil, errors.New("service: price cache required")
	case deps.Pool == nil:
		return nil, errors.New("service: scheduler pool required")
	case deps.Limiter == nil:
		return nil, errors.New("service: limiter required")
	case deps.Collector == nil:
		return nil, errors.New("service: metrics collector required")
	case deps.Jobs == nil:
		return nil, errors.New("service: job queue required")
	}
	settings = withDefaults(settings)

	s := &Service{
		settings: settings,
		deps:     deps,
		logger:   logger.With().Str("component", "service").Logger(),
	}
	s.poller = pricefeed.NewPoller(deps.Cache, deps.Pool, settings.PollInterval, s.PublishQuote, logger)
	s.registry = pricealert.NewRegistry(deps.Cache, s.poller, deps.UserSink, pricealert.Options{
		Symbols: settings.Symbols,
		Now:     settings.Now,
	}, logger)
	return s, nil
}

func withDefaults(s Settings) Settings {
	if s.PollInterval <= 0 {
		s.PollInterval = time.Minute
	}
	if s.AlertCheckInterval <= 0 {
		s.AlertCheckInterval = 30 * time.Second
	}
	if s.FactorInterval <= 0 {
		s.FactorInterval = time.Minute
	}
	if s.GasInterval <= 0 {
		s.GasInterval = 15 * time.Second
	}
	if s.GasCacheTTL <= 0 {
		s.GasCacheTTL = time.Minute
	}
	if s.AlertRetention <= 0 {
		s.AlertRetention = 30 * 24 * time.Hour
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

// Registry exposes the alert registry to the HTTP layer.
func (s *Service) Registry() *pricealert.Registry {
	return s.registry
}

// Poller exposes the price poller.
func (s *Service) Poller() *pricefeed.Poller {
	return s.poller
}

// Run starts every periodic task and the job workers, then blocks until ctx
// is done. Shutdown stops the collector and every pool task before
// returning.
func (s *Service) Run(ctx context.Context) error {
	if err := s.deps.Jobs.Subscribe(queue.PriceUpdates, s.HandlePriceUpdate); err != nil {
		return fmt.Errorf("subscribe %s: %w", queue.PriceUpdates, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.deps.Jobs.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("job queue: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.forwardSystemAlerts(gctx)
		return nil
	})

	for _, symbol := range s.registry.Symbols() {
		s.poller.Watch(symbol)
	}
	pool := s.deps.Pool
	pool.Start(TaskAlertCheck, s.settings.AlertCheckInterval, s.CheckAlerts)
	pool.Start(TaskFactors, s.settings.FactorInterval, s.FeedFactors)
	if s.deps.Gas != nil {
		pool.Start(TaskGas, s.settings.GasInterval, s.PollGas)
	}
	if s.deps.SystemAlerts != nil {
		pool.Start(TaskAlertPruning, time.Hour, s.PruneSystemAlerts)
	}
	if s.settings.Monitoring {
		s.deps.Collector.Start()
	}
	s.logger.Info().Strs("tasks", pool.Keys()).Msg("service started")

	<-gctx.Done()

	if s.deps.Collector.Running() {
		s.deps.Collector.Stop()
	}
	pool.StopAll()
	err := g.Wait()
	s.logger.Info().Msg("service stopped")
	return err
}

// CheckAlerts evaluates every price alert. When a database is configured
// only the instance holding the advisory lock checks.
func (s *Service) CheckAlerts(ctx context.Context, at time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("at", at).Msg("skip alert check because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	fired, err := s.registry.CheckAll(ctx)
	if err != nil {
		return fmt.Errorf("check price alerts: %w", err)
	}
	if fired > 0 {
		s.logger.Info().Int("fired", fired).Msg("price alerts triggered")
	}
	return nil
}

// FeedFactors recomputes the limiter's dynamic factors from the collector.
// Only server errors feed the error factor; the limiter's own 429s must not
// shrink capacity for every client.
func (s *Service) FeedFactors(_ context.Context, _ time.Time) error {
	c := s.deps.Collector
	snap := c.Snapshot()
	s.deps.Limiter.UpdateFactors(ratelimit.FactorInputs{
		CPUPercent:      snap.System.CPUPercent,
		ErrorRate:       c.ServerErrorRate() / 100,
		AvgResponseTime: c.AverageLatency(),
	})
	return nil
}

// PollGas reads the node's gas price, caches it and records it.
func (s *Service) PollGas(ctx context.Context, _ time.Time) error {
	reading, err := s.deps.Gas.FetchGas(ctx)
	if err != nil {
		s.deps.Collector.RecordError(err)
		return fmt.Errorf("fetch gas: %w", err)
	}
	quote := GasQuote{PriceGwei: reading.PriceGwei, BlockNumber: reading.BlockNumber, FetchedAt: s.settings.Now().UTC()}
	raw, err := json.Marshal(quote)
	if err != nil {
		return err
	}
	if err := s.deps.KV.Set(ctx, GasCacheKey, string(raw), s.settings.GasCacheTTL); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache gas price")
	}
	s.deps.Collector.RecordGasPrice(reading.PriceGwei.InexactFloat64())
	s.deps.Collector.RecordBlock(reading.BlockNumber)
	return nil
}

// CachedGas returns the last cached gas reading.
func (s *Service) CachedGas(ctx context.Context) (GasQuote, bool) {
	raw, ok, err := s.deps.KV.Get(ctx, GasCacheKey)
	if err != nil || !ok {
		return GasQuote{}, false
	}
	var quote GasQuote
	if err := json.Unmarshal([]byte(raw), &quote); err != nil {
		return GasQuote{}, false
	}
	return quote, true
}

// PublishQuote enqueues a polled price for persistence.
func (s *Service) PublishQuote(ctx context.Context, q pricefeed.Quote) error {
	_, err := s.deps.Jobs.Enqueue(ctx, queue.PriceUpdates, PriceUpdate{
		Symbol:    q.Symbol,
		Price:     q.Price,
		Timestamp: q.FetchedAt,
	})
	if err != nil {
		return fmt.Errorf("enqueue price update: %w", err)
	}
	return nil
}

// HandlePriceUpdate persists one priceUpdates job.
func (s *Service) HandlePriceUpdate(ctx context.Context, job queue.Job) error {
	var update PriceUpdate
	if err := job.Decode(&update); err != nil {
		return queue.Permanent(fmt.Errorf("decode price update: %w", err))
	}
	if update.Symbol == "" {
		return queue.Permanent(errors.New("price update without symbol"))
	}
	if s.deps.Samples == nil {
		s.logger.Debug().Str("symbol", update.Symbol).Msg("price sample not persisted: no database")
		return nil
	}
	_, err := s.deps.Samples.InsertPriceSample(ctx, storage.PriceSample{
		Symbol:    update.Symbol,
		Price:     update.Price,
		Source:    "coingecko",
		SampledAt: update.Timestamp,
	})
	return err
}

// PruneSystemAlerts drops audited system alerts past retention.
func (s *Service) PruneSystemAlerts(ctx context.Context, at time.Time) error {
	n, err := s.deps.SystemAlerts.DeleteSystemAlertsBefore(ctx, at.Add(-s.settings.AlertRetention))
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Msg("pruned system alerts")
	}
	return nil
}

func (s *Service) forwardSystemAlerts(ctx context.Context) {
	events := s.deps.Collector.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-events:
			s.handleSystemAlert(ctx, a)
		}
	}
}

func (s *Service) handleSystemAlert(ctx context.Context, a monitoring.Alert) {
	if s.deps.SystemAlerts != nil {
		rec := storage.SystemAlertRecord{
			ID:        a.ID,
			Type:      string(a.Type),
			Level:     string(a.Level),
			Message:   a.Message,
			Value:     a.Value,
			Threshold: a.Threshold,
			RaisedAt:  a.Timestamp,
		}
		if err := s.deps.SystemAlerts.InsertSystemAlert(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to persist system alert")
		}
	}
	if s.deps.OperatorSink != nil {
		s.deps.OperatorSink.Deliver(SystemNotification(a))
	}
}

// SystemNotification renders a collector alert for operators.
func SystemNotification(a monitoring.Alert) alerting.Notification {
	priority := alerting.PriorityHigh
	if a.Level == monitoring.LevelError {
		priority = alerting.PriorityCritical
	}
	return alerting.NewNotification(operatorUser, alerting.TypeSystem, priority, string(a.Type), a.Message,
		map[string]string{
			"alertId":   a.ID,
			"level":     string(a.Level),
			"value":     strconv.FormatFloat(a.Value, 'f', 2, 64),
			"threshold": strconv.FormatFloat(a.Threshold, 'f', 2, 64),
		}, a.Timestamp)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.settings.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.settings.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
