// Package monitoring samples system and application health, raises threshold
// alerts and keeps a rolling history.
package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chainwatch/internal/apperr"
	"chainwatch/internal/scheduler"
	"chainwatch/internal/telemetry"
)

// Threshold names accepted by SetThreshold.
const (
	ThresholdCPU            = "cpu"
	ThresholdMemory         = "memory"
	ThresholdDisk           = "disk"
	ThresholdRequestLatency = "requestLatency"
	ThresholdErrorRate      = "errorRate"
)

const heapLeakPercent = 90.0

// Thresholds are the alerting limits. Percentages except RequestLatency,
// which is in milliseconds.
type Thresholds struct {
	CPU            float64 `mapstructure:"cpu" json:"cpu"`
	Memory         float64 `mapstructure:"memory" json:"memory"`
	Disk           float64 `mapstructure:"disk" json:"disk"`
	RequestLatency float64 `mapstructure:"request_latency" json:"requestLatency"`
	ErrorRate      float64 `mapstructure:"error_rate" json:"errorRate"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() Thresholds {
	return Thresholds{CPU: 80, Memory: 85, Disk: 90, RequestLatency: 1000, ErrorRate: 5}
}

func (t *Thresholds) set(name string, value float64) bool {
	switch name {
	case ThresholdCPU:
		t.CPU = value
	case ThresholdMemory:
		t.Memory = value
	case ThresholdDisk:
		t.Disk = value
	case ThresholdRequestLatency:
		t.RequestLatency = value
	case ThresholdErrorRate:
		t.ErrorRate = value
	default:
		return false
	}
	return true
}

// Options tune the collector.
type Options struct {
	Interval      time.Duration
	Retention     time.Duration
	LatencyWindow int
	MaxSamples    int
	AlertBuffer   int
	Thresholds    Thresholds
	Now           func() time.Time
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.LatencyWindow <= 0 {
		o.LatencyWindow = 100
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = 10_000
	}
	if o.AlertBuffer <= 0 {
		o.AlertBuffer = 64
	}
	if o.Thresholds == (Thresholds{}) {
		o.Thresholds = DefaultThresholds()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Collector owns the metric history and the alert set. All state lives
// behind one mutex; the periodic task only runs while started.
type Collector struct {
	source Source
	opts   Options
	logger zerolog.Logger
	events chan Alert

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	thresholds  Thresholds
	system      SystemSample
	requests    RequestStats
	latency     []LatencySample
	endpoints   map[string]*EndpointStats
	errorCount  int64
	errors      []ErrorSample
	leaks       []LeakSample
	tx          TransactionStats
	gasCurrent  float64
	gasHistory  []GasSample
	blockLatest uint64
	blocksSeen  uint64
	alerts      map[string]Alert
}

// NewCollector constructs a stopped Collector.
func NewCollector(source Source, opts Options, logger zerolog.Logger) *Collector {
	opts.withDefaults()
	return &Collector{
		source:     source,
		opts:       opts,
		logger:     logger.With().Str("component", "metrics_collector").Logger(),
		events:     make(chan Alert, opts.AlertBuffer),
		thresholds: opts.Thresholds,
		endpoints:  make(map[string]*EndpointStats),
		alerts:     make(map[string]Alert),
	}
}

// Start launches periodic collection. Starting a running collector only logs
// a warning and returns false.
func (c *Collector) Start() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel != nil {
		c.logger.Warn().Msg("metrics collector is already running")
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	sched := scheduler.New("monitoring", scheduler.Options{Interval: c.opts.Interval}, c.logger)
	go func() {
		defer close(done)
		_ = sched.Run(ctx, c.Tick)
	}()

	c.logger.Info().Dur("interval", c.opts.Interval).Msg("metrics collector started")
	return true
}

// Stop halts periodic collection and waits for an in-flight tick. Stopping a
// stopped collector only logs a warning and returns false.
func (c *Collector) Stop() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.cancel == nil {
		c.logger.Warn().Msg("metrics collector is not running")
		return false
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
	c.logger.Info().Msg("metrics collector stopped")
	return true
}

// Running reports whether periodic collection is active.
func (c *Collector) Running() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.cancel != nil
}

// Events delivers every raised alert. The channel is bounded; alerts raised
// while it is full are dropped from the channel but kept in Alerts.
func (c *Collector) Events() <-chan Alert {
	return c.events
}

// Tick runs one collection cycle: sample, analyze, prune.
func (c *Collector) Tick(ctx context.Context, _ time.Time) error {
	sample, err := c.source.Collect(ctx)
	if err != nil {
		c.RecordError(err)
		return apperr.Upstream("collect system metrics", err)
	}
	if sample.CollectedAt.IsZero() {
		sample.CollectedAt = c.opts.Now().UTC()
	}

	c.mu.Lock()
	c.system = sample
	raised := c.analyzeLocked()
	c.pruneLocked()
	c.mu.Unlock()

	publishSample(sample)
	for _, a := range raised {
		c.emit(a)
	}
	return nil
}

func publishSample(s SystemSample) {
	telemetry.SystemGauge.WithLabelValues("cpu_percent").Set(s.CPUPercent)
	telemetry.SystemGauge.WithLabelValues("memory_percent").Set(s.MemoryPercent)
	telemetry.SystemGauge.WithLabelValues("disk_percent").Set(s.DiskPercent)
	telemetry.SystemGauge.WithLabelValues("heap_percent").Set(s.HeapPercent())
	telemetry.SystemGauge.WithLabelValues("goroutines").Set(float64(s.Goroutines))
}

func (c *Collector) analyzeLocked() []Alert {
	var raised []Alert
	t := c.thresholds
	s := c.system

	if s.CPUPercent > t.CPU {
		raised = append(raised, c.newAlertLocked(AlertHighCPU, LevelWarning,
			fmt.Sprintf("CPU usage is at %.2f%%", s.CPUPercent), s.CPUPercent, t.CPU))
	}
	if s.MemoryPercent > t.Memory {
		raised = append(raised, c.newAlertLocked(AlertHighMemory, LevelWarning,
			fmt.Sprintf("Memory usage is at %.2f%%", s.MemoryPercent), s.MemoryPercent, t.Memory))
	}
	if s.DiskPercent > t.Disk {
		raised = append(raised, c.newAlertLocked(AlertHighDisk, LevelWarning,
			fmt.Sprintf("Disk usage is at %.2f%%", s.DiskPercent), s.DiskPercent, t.Disk))
	}
	if avg := c.averageLatencyLocked(); avg > t.RequestLatency {
		raised = append(raised, c.newAlertLocked(AlertHighLatency, LevelWarning,
			fmt.Sprintf("Average request latency is %.0fms", avg), avg, t.RequestLatency))
	}
	if rate := c.errorRateLocked(); rate > t.ErrorRate {
		raised = append(raised, c.newAlertLocked(AlertHighErrorRate, LevelError,
			fmt.Sprintf("Error rate is at %.2f%%", rate), rate, t.ErrorRate))
	}
	if heap := s.HeapPercent(); heap > heapLeakPercent {
		c.leaks = append(c.leaks, LeakSample{
			Timestamp: s.CollectedAt,
			HeapAlloc: s.HeapAlloc,
			HeapSys:   s.HeapSys,
			Percent:   heap,
		})
		raised = append(raised, c.newAlertLocked(AlertMemoryLeak, LevelError,
			fmt.Sprintf("High heap usage detected: %.2f%%", heap), heap, heapLeakPercent))
	}
	return raised
}

func (c *Collector) newAlertLocked(typ AlertType, level Level, msg string, value, threshold float64) Alert {
	a := Alert{
		ID:        uuid.NewString(),
		Type:      typ,
		Level:     level,
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		Timestamp: c.opts.Now().UTC(),
	}
	c.alerts[a.ID] = a
	return a
}

func (c *Collector) emit(a Alert) {
	telemetry.SystemAlerts.WithLabelValues(string(a.Type), string(a.Level)).Inc()
	c.logger.Warn().
		Str("alert_id", a.ID).
		Str("type", string(a.Type)).
		Float64("value", a.Value).
		Float64("threshold", a.Threshold).
		Msg(a.Message)

	select {
	case c.events <- a:
	default:
		telemetry.DroppedEvents.WithLabelValues("system_alerts").Inc()
		c.logger.Warn().Str("alert_id", a.ID).Msg("alert event buffer full, dropping")
	}
}

func (c *Collector) pruneLocked() {
	cutoff := c.opts.Now().Add(-c.opts.Retention)

	c.latency = pruneBefore(c.latency, cutoff, c.opts.MaxSamples, func(s LatencySample) time.Time { return s.Timestamp })
	c.errors = pruneBefore(c.errors, cutoff, c.opts.MaxSamples, func(s ErrorSample) time.Time { return s.Timestamp })
	c.gasHistory = pruneBefore(c.gasHistory, cutoff, c.opts.MaxSamples, func(s GasSample) time.Time { return s.Timestamp })
	c.leaks = pruneBefore(c.leaks, cutoff, c.opts.MaxSamples, func(s LeakSample) time.Time { return s.Timestamp })

	for id, a := range c.alerts {
		if a.Timestamp.Before(cutoff) {
			delete(c.alerts, id)
		}
	}
}

// pruneBefore drops entries older than cutoff from a time-ordered slice and
// keeps at most limit of the newest.
func pruneBefore[T any](items []T, cutoff time.Time, limit int, ts func(T) time.Time) []T {
	i := sort.Search(len(items), func(i int) bool { return !ts(items[i]).Before(cutoff) })
	if over := len(items) - i - limit; over > 0 {
		i += over
	}
	if i == 0 {
		return items
	}
	out := make([]T, len(items)-i)
	copy(out, items[i:])
	return out
}

func (c *Collector) averageLatencyLocked() float64 {
	recent := c.latency
	if len(recent) > c.opts.LatencyWindow {
		recent = recent[len(recent)-c.opts.LatencyWindow:]
	}
	if len(recent) == 0 {
		return 0
	}
	var sum float64
	for _, s := range recent {
		sum += s.DurationMs
	}
	return sum / float64(len(recent))
}

func (c *Collector) errorRateLocked() float64 {
	if c.requests.Total == 0 {
		return 0
	}
	return float64(c.requests.Failed) / float64(c.requests.Total) * 100
}

// SetThreshold updates one limit. Unknown names are rejected.
func (c *Collector) SetThreshold(name string, value float64) error {
	c.mu.Lock()
	ok := c.thresholds.set(name, value)
	c.mu.Unlock()
	if !ok {
		return apperr.Validation("invalid metric: %s", name)
	}
	c.logger.Info().Str("metric", name).Float64("value", value).Msg("threshold updated")
	return nil
}

// Thresholds returns the current limits.
func (c *Collector) Thresholds() Thresholds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thresholds
}

// Alerts returns the retained alerts, oldest first.
func (c *Collector) Alerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alertsLocked()
}

func (c *Collector) alertsLocked() []Alert {
	out := make([]Alert, 0, len(c.alerts))
	for _, a := range c.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// ClearAlerts drops every retained alert.
func (c *Collector) ClearAlerts() {
	c.mu.Lock()
	c.alerts = make(map[string]Alert)
	c.mu.Unlock()
	c.logger.Info().Msg("alerts cleared")
}
