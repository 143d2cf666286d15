package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"
)

// AMQPOptions parameterise the RabbitMQ driver.
type AMQPOptions struct {
	URL      string
	Prefix   string
	Prefetch int
	Retry    RetryPolicy
}

// AMQP publishes jobs to durable RabbitMQ queues and consumes them with
// manual acknowledgement. A job that exhausts its retries is rejected
// without requeue so a dead-letter policy on the broker can pick it up.
type AMQP struct {
	opts   AMQPOptions
	logger zerolog.Logger
	conn   *amqp.Connection

	pubMu sync.Mutex
	pub   *amqp.Channel

	mu       sync.Mutex
	handlers map[string]Handler
	declared map[string]bool
}

// NewAMQP dials the broker.
func NewAMQP(opts AMQPOptions, logger zerolog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	if opts.Prefix == "" {
		opts.Prefix = "chainwatch."
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 8
	}
	opts.Retry = opts.Retry.normalized()
	return &AMQP{
		opts:     opts,
		logger:   logger.With().Str("component", "queue").Str("driver", "amqp").Logger(),
		conn:     conn,
		handlers: make(map[string]Handler),
		declared: make(map[string]bool),
	}, nil
}

func (a *AMQP) queueName(queue string) string {
	return a.opts.Prefix + queue
}

// publisher returns the shared publishing channel, opening and declaring on
// first use. Callers hold pubMu.
func (a *AMQP) publisher(queue string) (*amqp.Channel, error) {
	if a.pub == nil {
		ch, err := a.conn.Channel()
		if err != nil {
			return nil, err
		}
		a.pub = ch
		a.declared = make(map[string]bool)
	}
	if !a.declared[queue] {
		if _, err := a.pub.QueueDeclare(a.queueName(queue), true, false, false, false, nil); err != nil {
			a.pub = nil
			return nil, err
		}
		a.declared[queue] = true
	}
	return a.pub, nil
}

// Enqueue publishes a persistent JSON message.
func (a *AMQP) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job, err := newJob(queue, payload, time.Now())
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	ch, err := a.publisher(queue)
	if err != nil {
		return "", fmt.Errorf("amqp channel: %w", err)
	}
	msg := amqp.Publishing{
		Headers:      amqp.Table{"x-job-id": job.ID},
		MessageId:    job.ID,
		Timestamp:    job.EnqueuedAt,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if err := ch.Publish("", a.queueName(queue), false, false, msg); err != nil {
		a.pub = nil
		return "", fmt.Errorf("publish %s: %w", queue, err)
	}
	return job.ID, nil
}

// Subscribe registers the handler for queue. It must be called before Run.
func (a *AMQP) Subscribe(queue string, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handlers[queue]; ok {
		return fmt.Errorf("queue %s already has a handler", queue)
	}
	a.handlers[queue] = h
	return nil
}

// Run consumes every subscribed queue until ctx is done or the connection
// drops.
func (a *AMQP) Run(ctx context.Context) error {
	a.mu.Lock()
	handlers := make(map[string]Handler, len(a.handlers))
	for k, v := range a.handlers {
		handlers[k] = v
	}
	a.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for queue, h := range handlers {
		g.Go(func() error { return a.consume(ctx, queue, h) })
	}
	return g.Wait()
}

func (a *AMQP) consume(ctx context.Context, queue string, h Handler) error {
	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp consumer channel: %w", err)
	}
	defer ch.Close()

	name := a.queueName(queue)
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	if err := ch.Qos(a.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos %s: %w", name, err)
	}
	deliveries, err := ch.Consume(name, "chainwatch-"+queue, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}
	a.logger.Info().Str("queue", name).Msg("consuming")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("amqp deliveries for %s closed", name)
			}
			var job Job
			if err := json.Unmarshal(d.Body, &job); err != nil {
				a.logger.Error().Err(err).Str("queue", name).Msg("dropping malformed job")
				_ = d.Nack(false, false)
				continue
			}
			if err := process(ctx, h, job, a.opts.Retry, a.logger); err != nil {
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close shuts the connection.
func (a *AMQP) Close() error {
	a.pubMu.Lock()
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close amqp channel")
		}
		a.pub = nil
	}
	a.pubMu.Unlock()
	return a.conn.Close()
}

var _ Queue = (*AMQP)(nil)
