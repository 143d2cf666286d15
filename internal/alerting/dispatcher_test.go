package alerting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (b *countingNotifier) Notify(ctx context.Context, note Notification) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notes = append(b.notes, note)
	return nil
}

func (b *countingNotifier) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.notes)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher("test", &countingNotifier{}, 2, time.Second, testLogger())

	require.True(t, d.Deliver(sampleNote()))
	require.True(t, d.Deliver(sampleNote()))
	require.False(t, d.Deliver(sampleNote()))
}

func TestDispatcherDeliversAndFlushesOnShutdown(t *testing.T) {
	notifier := &countingNotifier{}
	d := NewDispatcher("test", notifier, 8, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		require.True(t, d.Deliver(sampleNote()))
	}
	require.Eventually(t, func() bool { return notifier.count() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.True(t, d.Deliver(sampleNote()))
	d.flush()
	require.Equal(t, 4, notifier.count())
}
