package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chainwatch/internal/alerting"
	"chainwatch/internal/config"
	"chainwatch/internal/fetcher"
	"chainwatch/internal/httpapi"
	"chainwatch/internal/kvstore"
	"chainwatch/internal/monitoring"
	"chainwatch/internal/pricefeed"
	"chainwatch/internal/queue"
	"chainwatch/internal/ratelimit"
	"chainwatch/internal/scheduler"
	"chainwatch/internal/service"
	"chainwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openKV(ctx context.Context) (kvstore.Store, error) {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		a.Logger.Warn().Msg("redis.addr not configured; counters kept in process memory")
		return kvstore.NewMemory(time.Now), nil
	}
	return kvstore.NewRedis(ctx, kvstore.RedisOptions{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openQueue() (queue.Queue, error) {
	cfg := a.Config.Queue
	switch cfg.Driver {
	case config.QueueAMQP:
		return queue.NewAMQP(queue.AMQPOptions{
			URL:      cfg.AMQP.URL,
			Prefix:   cfg.AMQP.Prefix,
			Prefetch: cfg.AMQP.Prefetch,
			Retry:    cfg.Retry,
		}, a.Logger)
	case config.QueueKafka:
		return queue.NewKafka(queue.KafkaOptions{
			Brokers:     cfg.Kafka.Brokers,
			TopicPrefix: cfg.Kafka.TopicPrefix,
			GroupID:     cfg.Kafka.GroupID,
			Retry:       cfg.Retry,
		}, a.Logger)
	default:
		return queue.NewMemory(queue.MemoryOptions{
			Buffer:  cfg.Buffer,
			Workers: cfg.Workers,
			Retry:   cfg.Retry,
		}, a.Logger), nil
	}
}

func (a *App) openHistory(ctx context.Context) (*alerting.MongoNotifier, error) {
	cfg := a.Config.Mongo
	if cfg.URI == "" {
		return nil, nil
	}
	return alerting.NewMongoNotifier(ctx, alerting.MongoOptions{
		URI:        cfg.URI,
		Database:   cfg.Database,
		Collection: cfg.Collection,
		Timeout:    cfg.Timeout,
	}, a.Logger)
}

// newOperatorNotifier routes system notifications to Telegram when enabled,
// otherwise to the log.
func (a *App) newOperatorNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) newPriceProvider() *fetcher.CoinGecko {
	cfg := a.Config.Prices
	return fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
		CoinIDs:   cfg.CoinIDs,
	}, a.Logger)
}

func (a *App) newCollector() *monitoring.Collector {
	cfg := a.Config.Monitoring
	return monitoring.NewCollector(monitoring.HostSource{DiskPath: cfg.DiskPath, CPUWindow: time.Second}, monitoring.Options{
		Interval:      cfg.Interval,
		Retention:     cfg.Retention,
		LatencyWindow: cfg.LatencyWindow,
		MaxSamples:    cfg.MaxSamples,
		AlertBuffer:   cfg.AlertBuffer,
		Thresholds:    cfg.Thresholds,
	}, a.Logger)
}

// Run executes the API server and every background monitor until a signal
// arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kv, err := a.openKV(ctx)
	if err != nil {
		return err
	}
	defer kv.Close()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	jobs, err := a.openQueue()
	if err != nil {
		return err
	}
	defer jobs.Close()

	history, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	userNotifier := alerting.Multi{alerting.NewLogNotifier(a.Logger)}
	if history != nil {
		userNotifier = append(userNotifier, history)
		defer func() {
			closeCtx, cancelClose := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelClose()
			_ = history.Close(closeCtx)
		}()
	}

	alertCfg := a.Config.Alerting
	userDispatch := alerting.NewDispatcher("user_notifications", userNotifier, alertCfg.Buffer, alertCfg.Timeout, a.Logger)
	operatorDispatch := alerting.NewDispatcher("operator_notifications", a.newOperatorNotifier(), alertCfg.Buffer, alertCfg.Timeout, a.Logger)

	pool := scheduler.NewPool(a.Logger)
	cache := pricefeed.New(kv, a.newPriceProvider(), pricefeed.Options{TTL: a.Config.Prices.CacheTTL, FetchTimeout: a.Config.Prices.RequestTimeout}, a.Logger)
	limiter := ratelimit.New(kv, ratelimit.Options{}, a.Logger)
	collector := a.newCollector()

	deps := service.Deps{
		KV:           kv,
		Cache:        cache,
		Pool:         pool,
		Limiter:      limiter,
		Collector:    collector,
		Jobs:         jobs,
		UserSink:     userDispatch,
		OperatorSink: operatorDispatch,
	}
	if store != nil {
		deps.Samples = store
		deps.SystemAlerts = store
		deps.Locker = store
	}
	if rpc := a.Config.Ethereum.RPCURL; rpc != "" {
		oracle := fetcher.NewGasOracle(fetcher.GasOracleOptions{RPCURL: rpc, Timeout: a.Config.Ethereum.RequestTimeout}, a.Logger)
		defer oracle.Close()
		deps.Gas = oracle
	}

	svc, err := service.New(service.Settings{
		Symbols:            a.Config.Prices.Symbols,
		PollInterval:       a.Config.Prices.PollInterval,
		AlertCheckInterval: a.Config.Prices.AlertCheckInterval,
		FactorInterval:     a.Config.RateLimit.FactorInterval,
		GasInterval:        a.Config.Ethereum.GasPollInterval,
		GasCacheTTL:        a.Config.Ethereum.GasCacheTTL,
		LockKey:            a.Config.Database.AdvisoryLockKey,
		Monitoring:         a.Config.Monitoring.Enabled,
	}, deps, a.Logger)
	if err != nil {
		return err
	}

	rules, err := a.Config.Rules()
	if err != nil {
		return err
	}
	apiDeps := httpapi.Deps{
		Prices:    cache,
		Alerts:    svc.Registry(),
		Gas:       svc,
		Collector: collector,
		Limiter:   limiter,
		Rules:     rules,
	}
	if history != nil {
		apiDeps.History = history
	}
	server := httpapi.NewServer(httpapi.Options{
		Addr:            a.Config.HTTP.Addr,
		ReadTimeout:     a.Config.HTTP.ReadTimeout,
		WriteTimeout:    a.Config.HTTP.WriteTimeout,
		ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
		RateLimit:       a.Config.RateLimit.Enabled,
		TrustForwarded:  a.Config.RateLimit.TrustForwarded,
	}, apiDeps, a.Logger)

	a.Logger.Info().Str("queue", a.Config.Queue.Driver).Strs("symbols", a.Config.Prices.Symbols).Msg("starting chainwatch")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return userDispatch.Run(gctx) })
	g.Go(func() error { return operatorDispatch.Run(gctx) })
	g.Go(func() error { return svc.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("chainwatch terminated with error")
		return fmt.Errorf("run: %w", err)
	}

	a.Logger.Info().Msg("chainwatch stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Symbol    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Symbol string
	Limit  int
}

// SimulateOptions describe a synthetic price alert.
type SimulateOptions struct {
	UserID    string
	Symbol    string
	Price     string
	Threshold string
	Direction string
}
