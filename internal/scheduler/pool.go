package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool owns at most one running task per key. Tasks run until stopped, never
// because a tick failed.
type Pool struct {
	logger zerolog.Logger
	base   context.Context

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// NewPool constructs an empty pool.
func NewPool(logger zerolog.Logger) *Pool {
	return &Pool{
		logger: logger.With().Str("component", "task_pool").Logger(),
		base:   context.Background(),
		tasks:  make(map[string]*task),
	}
}

// Start launches fn every interval under key. The first tick runs right away.
// Starting an already running key is a no-op and returns false.
//
// The context handed to fn is cancelled by Stop; ticks must check it before
// applying results so a stopped key never publishes late data.
func (p *Pool) Start(key string, interval time.Duration, fn TickFunc) bool {
	if interval <= 0 {
		p.logger.Error().Str("task", key).Dur("interval", interval).Msg("refusing task with non-positive interval")
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.logger.Warn().Str("task", key).Msg("pool stopped, task not started")
		return false
	}
	if _, ok := p.tasks[key]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(p.base)
	t := &task{cancel: cancel, done: make(chan struct{})}
	p.tasks[key] = t

	sched := New(key, Options{Interval: interval, RunImmediately: true}, p.logger)
	go func() {
		defer close(t.done)
		_ = sched.Run(ctx, fn)
	}()

	p.logger.Info().Str("task", key).Dur("interval", interval).Msg("task started")
	return true
}

// Stop cancels the task under key. Stopping an unknown key is a no-op and
// returns false.
func (p *Pool) Stop(key string) bool {
	p.mu.Lock()
	t, ok := p.tasks[key]
	if ok {
		delete(p.tasks, key)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	t.cancel()
	p.logger.Info().Str("task", key).Msg("task stopped")
	return true
}

// StopAll cancels every task, waits for their goroutines to return and
// refuses further starts.
func (p *Pool) StopAll() {
	p.mu.Lock()
	p.closed = true
	tasks := p.tasks
	p.tasks = make(map[string]*task)
	p.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
	if len(tasks) > 0 {
		p.logger.Info().Int("tasks", len(tasks)).Msg("all tasks stopped")
	}
}

// Active reports whether key currently has a running task.
func (p *Pool) Active(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[key]
	return ok
}

// Keys lists running task keys in sorted order.
func (p *Pool) Keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.tasks))
	for k := range p.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
