package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// KafkaOptions parameterise the Kafka driver.
type KafkaOptions struct {
	Brokers     []string
	TopicPrefix string
	GroupID     string
	Retry       RetryPolicy
}

// Kafka maps each queue onto a topic. Offsets are committed only after the
// handler succeeded or gave up, so a crash replays the job.
type Kafka struct {
	opts   KafkaOptions
	logger zerolog.Logger
	writer *kafka.Writer

	mu       sync.Mutex
	handlers map[string]Handler
	readers  []*kafka.Reader
}

// NewKafka constructs a Kafka queue. Connections are opened lazily.
func NewKafka(opts KafkaOptions, logger zerolog.Logger) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "chainwatch."
	}
	if opts.GroupID == "" {
		opts.GroupID = "chainwatch"
	}
	opts.Retry = opts.Retry.normalized()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            opts.Retry.Attempts,
		WriteBackoffMin:        opts.Retry.InitialInterval,
		WriteBackoffMax:        opts.Retry.MaxInterval,
	}
	return &Kafka{
		opts:     opts,
		logger:   logger.With().Str("component", "queue").Str("driver", "kafka").Logger(),
		writer:   writer,
		handlers: make(map[string]Handler),
	}, nil
}

func (k *Kafka) topic(queue string) string {
	return k.opts.TopicPrefix + queue
}

// Enqueue writes the job keyed by its id.
func (k *Kafka) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	job, err := newJob(queue, payload, time.Now())
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", err
	}
	msg := kafka.Message{
		Topic: k.topic(queue),
		Key:   []byte(job.ID),
		Value: body,
		Time:  job.EnqueuedAt,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write %s: %w", queue, err)
	}
	return job.ID, nil
}

// Subscribe registers the handler for queue. It must be called before Run.
func (k *Kafka) Subscribe(queue string, h Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.handlers[queue]; ok {
		return fmt.Errorf("queue %s already has a handler", queue)
	}
	k.handlers[queue] = h
	return nil
}

// Run consumes every subscribed topic in the configured consumer group.
func (k *Kafka) Run(ctx context.Context) error {
	k.mu.Lock()
	g, ctx := errgroup.WithContext(ctx)
	for queue, h := range k.handlers {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        k.opts.Brokers,
			Topic:          k.topic(queue),
			GroupID:        k.opts.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		})
		k.readers = append(k.readers, reader)
		g.Go(func() error { return k.consume(ctx, reader, queue, h) })
	}
	k.mu.Unlock()
	return g.Wait()
}

func (k *Kafka) consume(ctx context.Context, reader *kafka.Reader, queue string, h Handler) error {
	k.logger.Info().Str("topic", k.topic(queue)).Msg("consuming")
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch %s: %w", queue, err)
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			k.logger.Error().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("skipping malformed job")
		} else {
			_ = process(ctx, h, job, k.opts.Retry, k.logger)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit %s: %w", queue, err)
		}
	}
}

// Close flushes the writer and closes readers.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var errs []error
	for _, r := range k.readers {
		errs = append(errs, r.Close())
	}
	k.readers = nil
	errs = append(errs, k.writer.Close())
	return errors.Join(errs...)
}

var _ Queue = (*Kafka)(nil)
