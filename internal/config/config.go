package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"chainwatch/internal/logging"
	"chainwatch/internal/monitoring"
	"chainwatch/internal/queue"
	"chainwatch/internal/ratelimit"
)

// Queue drivers.
const (
	QueueMemory = "memory"
	QueueAMQP   = "amqp"
	QueueKafka  = "kafka"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Queue      QueueConfig      `mapstructure:"queue"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Prices     PricesConfig     `mapstructure:"prices"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig controls the API listener.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig selects the shared counter store. An empty address keeps
// counters in process memory.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// MongoConfig locates the notification history collection.
type MongoConfig struct {
	URI        string        `mapstructure:"uri"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// QueueConfig picks the job broker.
type QueueConfig struct {
	Driver  string            `mapstructure:"driver"`
	Buffer  int               `mapstructure:"buffer"`
	Workers int               `mapstructure:"workers"`
	Retry   queue.RetryPolicy `mapstructure:"retry"`
	AMQP    AMQPConfig        `mapstructure:"amqp"`
	Kafka   KafkaConfig       `mapstructure:"kafka"`
}

// AMQPConfig covers RabbitMQ connectivity.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Prefix   string `mapstructure:"prefix"`
	Prefetch int    `mapstructure:"prefetch"`
}

// KafkaConfig covers Kafka connectivity.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	GroupID     string   `mapstructure:"group_id"`
}

// RateLimitConfig shapes request admission.
type RateLimitConfig struct {
	Enabled        bool                      `mapstructure:"enabled"`
	TrustForwarded bool                      `mapstructure:"trust_forwarded"`
	FactorInterval time.Duration             `mapstructure:"factor_interval"`
	Tiers          map[string]ratelimit.Rule `mapstructure:"tiers"`
	Endpoints      map[string]ratelimit.Rule `mapstructure:"endpoints"`
}

// PricesConfig covers the price provider, cache and polling.
type PricesConfig struct {
	BaseURL            string            `mapstructure:"base_url"`
	APIKey             string            `mapstructure:"api_key"`
	RequestTimeout     time.Duration     `mapstructure:"request_timeout"`
	UserAgent          string            `mapstructure:"user_agent"`
	CacheTTL           time.Duration     `mapstructure:"cache_ttl"`
	PollInterval       time.Duration     `mapstructure:"poll_interval"`
	AlertCheckInterval time.Duration     `mapstructure:"alert_check_interval"`
	Symbols            []string          `mapstructure:"symbols"`
	CoinIDs            map[string]string `mapstructure:"coin_ids"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	GasPollInterval time.Duration `mapstructure:"gas_poll_interval"`
	GasCacheTTL     time.Duration `mapstructure:"gas_cache_ttl"`
}

// MonitoringConfig tunes the metrics collector.
type MonitoringConfig struct {
	Enabled       bool                  `mapstructure:"enabled"`
	Interval      time.Duration         `mapstructure:"interval"`
	Retention     time.Duration         `mapstructure:"retention"`
	LatencyWindow int                   `mapstructure:"latency_window"`
	MaxSamples    int                   `mapstructure:"max_samples"`
	AlertBuffer   int                   `mapstructure:"alert_buffer"`
	DiskPath      string                `mapstructure:"disk_path"`
	Thresholds    monitoring.Thresholds `mapstructure:"thresholds"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Buffer   int            `mapstructure:"buffer"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHAINWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chainwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.advisory_lock_key", int64(0x63776174))

	v.SetDefault("mongo.database", "chainwatch")
	v.SetDefault("mongo.collection", "notifications")
	v.SetDefault("mongo.timeout", "5s")

	v.SetDefault("queue.driver", QueueMemory)
	v.SetDefault("queue.buffer", 256)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.retry.attempts", 3)
	v.SetDefault("queue.retry.initial_interval", "1s")
	v.SetDefault("queue.retry.max_interval", "30s")
	v.SetDefault("queue.amqp.prefix", "chainwatch.")
	v.SetDefault("queue.amqp.prefetch", 8)
	v.SetDefault("queue.kafka.topic_prefix", "chainwatch.")
	v.SetDefault("queue.kafka.group_id", "chainwatch")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.trust_forwarded", false)
	v.SetDefault("ratelimit.factor_interval", "1m")

	v.SetDefault("prices.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("prices.request_timeout", "10s")
	v.SetDefault("prices.user_agent", "chainwatch/1.0")
	v.SetDefault("prices.cache_ttl", "300s")
	v.SetDefault("prices.poll_interval", "60s")
	v.SetDefault("prices.alert_check_interval", "30s")
	v.SetDefault("prices.symbols", []string{"ethereum", "bitcoin", "usdt", "usdc", "dai"})

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.gas_poll_interval", "15s")
	v.SetDefault("ethereum.gas_cache_ttl", "60s")

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.interval", "60s")
	v.SetDefault("monitoring.retention", "24h")
	v.SetDefault("monitoring.latency_window", 100)
	v.SetDefault("monitoring.max_samples", 10000)
	v.SetDefault("monitoring.alert_buffer", 64)
	v.SetDefault("monitoring.disk_path", "/")
	defaults := monitoring.DefaultThresholds()
	v.SetDefault("monitoring.thresholds.cpu", defaults.CPU)
	v.SetDefault("monitoring.thresholds.memory", defaults.Memory)
	v.SetDefault("monitoring.thresholds.disk", defaults.Disk)
	v.SetDefault("monitoring.thresholds.request_latency", defaults.RequestLatency)
	v.SetDefault("monitoring.thresholds.error_rate", defaults.ErrorRate)

	v.SetDefault("alerting.buffer", 128)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Prices.CacheTTL <= 0 {
		return fmt.Errorf("prices.cache_ttl must be greater than zero")
	}
	if c.Prices.PollInterval <= 0 {
		return fmt.Errorf("prices.poll_interval must be greater than zero")
	}
	if c.Prices.AlertCheckInterval <= 0 {
		return fmt.Errorf("prices.alert_check_interval must be greater than zero")
	}
	if len(c.Prices.Symbols) == 0 {
		return fmt.Errorf("prices.symbols must not be empty")
	}
	if c.Monitoring.Interval <= 0 {
		return fmt.Errorf("monitoring.interval must be greater than zero")
	}
	if c.RateLimit.FactorInterval <= 0 {
		return fmt.Errorf("ratelimit.factor_interval must be greater than zero")
	}
	if _, err := c.Rules(); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}

	switch c.Queue.Driver {
	case QueueMemory:
	case QueueAMQP:
		if c.Queue.AMQP.URL == "" {
			return fmt.Errorf("queue.amqp.url 必须配置")
		}
	case QueueKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue.kafka.brokers 必须配置")
		}
	default:
		return fmt.Errorf("queue.driver %q is not one of memory, amqp, kafka", c.Queue.Driver)
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Rules merges the configured tier and endpoint overrides onto the stock
// rate-limit rules.
func (c *Config) Rules() (ratelimit.Rules, error) {
	tiers := make(map[ratelimit.Tier]ratelimit.Rule, len(c.RateLimit.Tiers))
	for name, rule := range c.RateLimit.Tiers {
		tiers[ratelimit.ParseTier(name)] = rule
	}
	return ratelimit.NewRules(tiers, c.RateLimit.Endpoints)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
