package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chainwatch/internal/ratelimit"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "chainwatch", cfg.App.Name)
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, QueueMemory, cfg.Queue.Driver)
	require.Equal(t, 3, cfg.Queue.Retry.Attempts)
	require.Equal(t, time.Second, cfg.Queue.Retry.InitialInterval)
	require.Equal(t, 300*time.Second, cfg.Prices.CacheTTL)
	require.Equal(t, 30*time.Second, cfg.Prices.AlertCheckInterval)
	require.Equal(t, []string{"ethereum", "bitcoin", "usdt", "usdc", "dai"}, cfg.Prices.Symbols)
	require.Equal(t, 80.0, cfg.Monitoring.Thresholds.CPU)
	require.Equal(t, 1000.0, cfg.Monitoring.Thresholds.RequestLatency)
	require.Equal(t, 60*time.Second, cfg.Ethereum.GasCacheTTL)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
prices:
  poll_interval: 2m
  symbols: [ethereum, dai]
ratelimit:
  tiers:
    public:
      capacity: 10
      refill_window: 30s
      block_duration: 1m
  endpoints:
    /api/v1/prices:
      capacity: 20
      refill_window: 1m
      block_duration: 0s
monitoring:
  thresholds:
    cpu: 70
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("CHAINWATCH_HTTP_ADDR", ":9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.HTTP.Addr)
	require.Equal(t, 2*time.Minute, cfg.Prices.PollInterval)
	require.Equal(t, []string{"ethereum", "dai"}, cfg.Prices.Symbols)
	require.Equal(t, 70.0, cfg.Monitoring.Thresholds.CPU)
	require.Equal(t, 85.0, cfg.Monitoring.Thresholds.Memory)

	rules, err := cfg.Rules()
	require.NoError(t, err)
	rule, class := rules.Resolve("/api/v1/prices/ethereum", ratelimit.TierPublic)
	require.Equal(t, "/api/v1/prices", class)
	require.Equal(t, 20, rule.Capacity)

	rule, class = rules.Resolve("/health", ratelimit.TierPublic)
	require.Equal(t, "public", class)
	require.Equal(t, 10, rule.Capacity)
	require.Equal(t, 30*time.Second, rule.RefillWindow)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Export:     ExportConfig{MaxDataPoints: 10},
			Prices:     PricesConfig{CacheTTL: time.Minute, PollInterval: time.Minute, AlertCheckInterval: time.Second, Symbols: []string{"dai"}},
			Monitoring: MonitoringConfig{Interval: time.Minute},
			RateLimit:  RateLimitConfig{FactorInterval: time.Minute},
			Queue:      QueueConfig{Driver: QueueMemory},
		}
	}

	cfg := valid()
	require.NoError(t, cfg.Validate())

	cases := map[string]func(*Config){
		"queue driver":    func(c *Config) { c.Queue.Driver = "nats" },
		"amqp url":        func(c *Config) { c.Queue.Driver = QueueAMQP },
		"kafka brokers":   func(c *Config) { c.Queue.Driver = QueueKafka },
		"empty symbols":   func(c *Config) { c.Prices.Symbols = nil },
		"cache ttl":       func(c *Config) { c.Prices.CacheTTL = 0 },
		"telegram token":  func(c *Config) { c.Alerting.Telegram.Enabled = true },
		"bad tier rule":   func(c *Config) { c.RateLimit.Tiers = map[string]ratelimit.Rule{"public": {Capacity: 0, RefillWindow: time.Minute}} },
		"factor interval": func(c *Config) { c.RateLimit.FactorInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := Config{Export: ExportConfig{MaxDataPoints: 500}}
	if got := cfg.ResolveMaxPoints(0); got != 500 {
		t.Fatalf("期望默认值 500，实际 %d", got)
	}
	if got := cfg.ResolveMaxPoints(20); got != 20 {
		t.Fatalf("期望覆盖值 20，实际 %d", got)
	}
}
