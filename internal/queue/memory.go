package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"chainwatch/internal/telemetry"
)

// MemoryOptions tune the in-process queue.
type MemoryOptions struct {
	Buffer  int
	Workers int
	Retry   RetryPolicy
	Now     func() time.Time
}

// Memory is an in-process Queue backed by buffered channels. Jobs are lost on
// restart.
type Memory struct {
	opts   MemoryOptions
	logger zerolog.Logger

	mu       sync.Mutex
	queues   map[string]chan Job
	handlers map[string]Handler
	closed   bool
}

// NewMemory constructs an in-process queue.
func NewMemory(opts MemoryOptions, logger zerolog.Logger) *Memory {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Retry = opts.Retry.normalized()
	return &Memory{
		opts:     opts,
		logger:   logger.With().Str("component", "queue").Str("driver", "memory").Logger(),
		queues:   make(map[string]chan Job),
		handlers: make(map[string]Handler),
	}
}

func (m *Memory) channel(queue string) (chan Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch, ok := m.queues[queue]
	if !ok {
		ch = make(chan Job, m.opts.Buffer)
		m.queues[queue] = ch
	}
	return ch, nil
}

// Enqueue buffers a job, waiting for room until ctx is done.
func (m *Memory) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	job, err := newJob(queue, payload, m.opts.Now())
	if err != nil {
		return "", err
	}
	ch, err := m.channel(queue)
	if err != nil {
		return "", err
	}
	select {
	case ch <- job:
		return job.ID, nil
	case <-ctx.Done():
		telemetry.DroppedEvents.WithLabelValues("queue_" + queue).Inc()
		return "", fmt.Errorf("enqueue %s: %w", queue, ctx.Err())
	}
}

// Subscribe registers the handler for queue. It must be called before Run.
func (m *Memory) Subscribe(queue string, h Handler) error {
	if _, err := m.channel(queue); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[queue]; ok {
		return fmt.Errorf("queue %s already has a handler", queue)
	}
	m.handlers[queue] = h
	return nil
}

// Run starts the workers of every subscribed queue and blocks until ctx is
// done.
func (m *Memory) Run(ctx context.Context) error {
	m.mu.Lock()
	type binding struct {
		name string
		ch   chan Job
		h    Handler
	}
	var bindings []binding
	for name, h := range m.handlers {
		bindings = append(bindings, binding{name: name, ch: m.queues[name], h: h})
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range bindings {
		for i := 0; i < m.opts.Workers; i++ {
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case job := <-b.ch:
						_ = process(ctx, b.h, job, m.opts.Retry, m.logger)
					}
				}
			})
		}
	}
	m.logger.Info().Int("queues", len(bindings)).Int("workers", m.opts.Workers).Msg("queue workers started")
	return g.Wait()
}

// Pending reports how many jobs wait in queue.
func (m *Memory) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// Close refuses further jobs.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Queue = (*Memory)(nil)
