// Package queue moves background jobs between producers and workers with
// at-least-once delivery and bounded retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chainwatch/internal/telemetry"
)

// PriceUpdates carries polled prices to the persistence worker.
const PriceUpdates = "priceUpdates"

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Job is one unit of background work.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Handler processes a job. A returned error schedules a retry until the
// retry policy is exhausted.
type Handler func(ctx context.Context, job Job) error

// Queue is a named-queue job broker.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any) (string, error)
	Subscribe(queue string, h Handler) error
	Run(ctx context.Context) error
	Close() error
}

// RetryPolicy bounds redelivery of failing jobs.
type RetryPolicy struct {
	Attempts        int           `mapstructure:"attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultRetryPolicy is three attempts with exponential backoff from one
// second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialInterval: time.Second, MaxInterval: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.Attempts-1)), ctx)
}

func newJob(queue string, payload any, now time.Time) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal %s payload: %w", queue, err)
	}
	return Job{ID: uuid.NewString(), Queue: queue, Payload: raw, EnqueuedAt: now.UTC()}, nil
}

// process runs h with retries and reports the final outcome.
func process(ctx context.Context, h Handler, job Job, policy RetryPolicy, logger zerolog.Logger) error {
	attempt := job.Attempt
	op := func() error {
		attempt++
		j := job
		j.Attempt = attempt
		return h(ctx, j)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).
			Str("job_id", job.ID).
			Str("queue", job.Queue).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("job failed, retrying")
	}

	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	if err != nil {
		telemetry.JobsProcessed.WithLabelValues(job.Queue, "failed").Inc()
		logger.Error().Err(err).Str("job_id", job.ID).Str("queue", job.Queue).Int("attempts", attempt).Msg("job failed permanently")
		return err
	}
	telemetry.JobsProcessed.WithLabelValues(job.Queue, "done").Inc()
	return nil
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
