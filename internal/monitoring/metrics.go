package monitoring

import (
	"time"
)

// AlertType names the breached condition.
type AlertType string

const (
	AlertHighCPU       AlertType = "HIGH_CPU_USAGE"
	AlertHighMemory    AlertType = "HIGH_MEMORY_USAGE"
	AlertHighDisk      AlertType = "HIGH_DISK_USAGE"
	AlertHighLatency   AlertType = "HIGH_LATENCY"
	AlertHighErrorRate AlertType = "HIGH_ERROR_RATE"
	AlertMemoryLeak    AlertType = "POTENTIAL_MEMORY_LEAK"
)

// Level is the alert severity.
type Level string

const (
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Alert is a threshold breach observed during a collection cycle.
type Alert struct {
	ID        string    `json:"id"`
	Type      AlertType `json:"type"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

type LatencySample struct {
	Timestamp  time.Time `json:"timestamp"`
	DurationMs float64   `json:"durationMs"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
}

type ErrorSample struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type LeakSample struct {
	Timestamp time.Time `json:"timestamp"`
	HeapAlloc uint64    `json:"heapAlloc"`
	HeapSys   uint64    `json:"heapSys"`
	Percent   float64   `json:"percent"`
}

type GasSample struct {
	Timestamp time.Time `json:"timestamp"`
	Gwei      float64   `json:"gwei"`
}

type RequestStats struct {
	Total        int64 `json:"total"`
	Success      int64 `json:"success"`
	Failed       int64 `json:"failed"`
	ServerErrors int64 `json:"serverErrors"`
}

type EndpointStats struct {
	Count         int64   `json:"count"`
	TotalDuration float64 `json:"totalDurationMs"`
	AvgDuration   float64 `json:"avgDurationMs"`
}

type TransactionStats struct {
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
}

// Snapshot is the full metrics view plus the retained alerts.
type Snapshot struct {
	Running     bool          `json:"running"`
	System      SystemSample  `json:"system"`
	Thresholds  Thresholds    `json:"thresholds"`
	Application AppSnapshot   `json:"application"`
	Blockchain  ChainSnapshot `json:"blockchain"`
	Alerts      []Alert       `json:"alerts"`
}

type AppSnapshot struct {
	Requests       RequestStats             `json:"requests"`
	AvgLatencyMs   float64                  `json:"avgLatencyMs"`
	ErrorRate      float64                  `json:"errorRate"`
	Endpoints      map[string]EndpointStats `json:"endpoints"`
	ErrorCount     int64                    `json:"errorCount"`
	RecentErrors   []ErrorSample            `json:"recentErrors"`
	MemoryLeaks    []LeakSample             `json:"memoryLeaks"`
	LatencySamples int                      `json:"latencySamples"`
}

type ChainSnapshot struct {
	Transactions    TransactionStats `json:"transactions"`
	GasPriceGwei    float64          `json:"gasPriceGwei"`
	GasHistory      []GasSample      `json:"gasHistory"`
	LatestBlock     uint64           `json:"latestBlock"`
	BlocksProcessed uint64           `json:"blocksProcessed"`
}

// RecordRequest accounts one handled HTTP request. Statuses below 400 count
// as successful; 5xx statuses are also counted as server errors.
func (c *Collector) RecordRequest(method, path string, duration time.Duration, status int) {
	ms := float64(duration) / float64(time.Millisecond)
	now := c.opts.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests.Total++
	if status >= 200 && status < 400 {
		c.requests.Success++
	} else {
		c.requests.Failed++
	}
	if status >= 500 {
		c.requests.ServerErrors++
	}
	c.latency = append(c.latency, LatencySample{Timestamp: now, DurationMs: ms, Method: method, Path: path})
	if len(c.latency) > c.opts.MaxSamples {
		c.latency = c.latency[len(c.latency)-c.opts.MaxSamples:]
	}

	key := method + " " + path
	stats, ok := c.endpoints[key]
	if !ok {
		stats = &EndpointStats{}
		c.endpoints[key] = stats
	}
	stats.Count++
	stats.TotalDuration += ms
	stats.AvgDuration = stats.TotalDuration / float64(stats.Count)
}

// RecordError accounts an application error.
func (c *Collector) RecordError(err error) {
	if err == nil {
		return
	}
	now := c.opts.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	c.errors = append(c.errors, ErrorSample{Timestamp: now, Message: err.Error()})
	if len(c.errors) > c.opts.MaxSamples {
		c.errors = c.errors[len(c.errors)-c.opts.MaxSamples:]
	}
}

// RecordTransaction tracks a transaction status change. A positive gas price
// is recorded as well.
func (c *Collector) RecordTransaction(status string, gasPriceGwei float64) {
	c.mu.Lock()
	switch status {
	case "pending":
		c.tx.Pending++
	case "confirmed":
		c.tx.Confirmed++
		c.decPendingLocked()
	case "failed":
		c.tx.Failed++
		c.decPendingLocked()
	}
	c.mu.Unlock()

	if gasPriceGwei > 0 {
		c.RecordGasPrice(gasPriceGwei)
	}
}

func (c *Collector) decPendingLocked() {
	if c.tx.Pending > 0 {
		c.tx.Pending--
	}
}

// RecordGasPrice appends a gas price observation.
func (c *Collector) RecordGasPrice(gwei float64) {
	now := c.opts.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gasCurrent = gwei
	c.gasHistory = append(c.gasHistory, GasSample{Timestamp: now, Gwei: gwei})
	if len(c.gasHistory) > c.opts.MaxSamples {
		c.gasHistory = c.gasHistory[len(c.gasHistory)-c.opts.MaxSamples:]
	}
}

// RecordBlock tracks the latest processed block.
func (c *Collector) RecordBlock(number uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if number > c.blockLatest {
		c.blockLatest = number
	}
	c.blocksSeen++
}

// AverageLatency is the mean duration of the most recent requests.
func (c *Collector) AverageLatency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.averageLatencyLocked() * float64(time.Millisecond))
}

// ErrorRate is failed requests over total requests, in percent.
func (c *Collector) ErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorRateLocked()
}

// ServerErrorRate is 5xx responses over total requests, in percent. Client
// errors, 429 rejections included, do not count.
func (c *Collector) ServerErrorRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests.Total == 0 {
		return 0
	}
	return float64(c.requests.ServerErrors) / float64(c.requests.Total) * 100
}

// Snapshot copies the current state.
func (c *Collector) Snapshot() Snapshot {
	running := c.Running()

	c.mu.Lock()
	defer c.mu.Unlock()

	endpoints := make(map[string]EndpointStats, len(c.endpoints))
	for k, v := range c.endpoints {
		endpoints[k] = *v
	}

	return Snapshot{
		Running:    running,
		System:     c.system,
		Thresholds: c.thresholds,
		Application: AppSnapshot{
			Requests:       c.requests,
			AvgLatencyMs:   c.averageLatencyLocked(),
			ErrorRate:      c.errorRateLocked(),
			Endpoints:      endpoints,
			ErrorCount:     c.errorCount,
			RecentErrors:   append([]ErrorSample(nil), c.errors...),
			MemoryLeaks:    append([]LeakSample(nil), c.leaks...),
			LatencySamples: len(c.latency),
		},
		Blockchain: ChainSnapshot{
			Transactions:    c.tx,
			GasPriceGwei:    c.gasCurrent,
			GasHistory:      append([]GasSample(nil), c.gasHistory...),
			LatestBlock:     c.blockLatest,
			BlocksProcessed: c.blocksSeen,
		},
		Alerts: c.alertsLocked(),
	}
}
