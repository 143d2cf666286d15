package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chainwatch/internal/telemetry"
)

// Sink accepts notifications without waiting for delivery.
type Sink interface {
	Deliver(note Notification) bool
}

// Dispatcher decouples producers from slow notifiers through a bounded
// buffer. When the buffer is full the notification is dropped and counted.
type Dispatcher struct {
	name     string
	notifier Notifier
	queue    chan Notification
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewDispatcher constructs a Dispatcher with the given buffer size.
func NewDispatcher(name string, notifier Notifier, buffer int, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		name:     name,
		notifier: notifier,
		queue:    make(chan Notification, buffer),
		timeout:  timeout,
		logger:   logger.With().Str("component", "dispatcher").Str("dispatcher", name).Logger(),
	}
}

// Deliver enqueues note. It reports false when the buffer is full.
func (d *Dispatcher) Deliver(note Notification) bool {
	select {
	case d.queue <- note:
		return true
	default:
		telemetry.DroppedEvents.WithLabelValues("notifications_" + d.name).Inc()
		d.logger.Warn().Str("id", note.ID).Str("title", note.Title).Msg("notification buffer full, dropping")
		return false
	}
}

// Run drains the buffer until ctx is cancelled, then flushes what is left
// with a fresh deadline.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case note := <-d.queue:
			d.send(ctx, note)
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	for {
		select {
		case note := <-d.queue:
			d.send(ctx, note)
		default:
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, note Notification) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, note); err != nil {
		d.logger.Error().Err(err).Str("id", note.ID).Str("user_id", note.UserID).Msg("notification delivery failed")
	}
}

var _ Sink = (*Dispatcher)(nil)
