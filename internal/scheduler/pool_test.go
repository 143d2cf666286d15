package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPoolStartIsIdempotent(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.StopAll()

	var ticks atomic.Int32
	fn := func(ctx context.Context, at time.Time) error {
		ticks.Add(1)
		return nil
	}

	require.True(t, p.Start("ethereum", time.Hour, fn))
	require.False(t, p.Start("ethereum", time.Hour, fn))
	require.True(t, p.Active("ethereum"))
	require.Equal(t, []string{"ethereum"}, p.Keys())

	require.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPoolStopTwiceIsNoop(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.StopAll()

	require.True(t, p.Start("bitcoin", time.Hour, func(ctx context.Context, at time.Time) error { return nil }))
	require.True(t, p.Stop("bitcoin"))
	require.False(t, p.Stop("bitcoin"))
	require.False(t, p.Active("bitcoin"))
	require.False(t, p.Stop("never-started"))
}

func TestPoolFailingTickKeepsRunning(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.StopAll()

	var ticks atomic.Int32
	require.True(t, p.Start("flaky", 10*time.Millisecond, func(ctx context.Context, at time.Time) error {
		n := ticks.Add(1)
		if n == 1 {
			panic("boom")
		}
		return errors.New("upstream unavailable")
	}))

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, p.Active("flaky"))
}

func TestPoolStopCancelsTaskContext(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.StopAll()

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.True(t, p.Start("slow", time.Hour, func(ctx context.Context, at time.Time) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	<-started
	p.Stop("slow")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("stop should cancel the in-flight tick context")
	}
}

func TestPoolRestartAfterStop(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.StopAll()

	fn := func(ctx context.Context, at time.Time) error { return nil }
	require.True(t, p.Start("usdc", time.Hour, fn))
	require.True(t, p.Stop("usdc"))
	require.True(t, p.Start("usdc", time.Hour, fn))
}

func TestPoolStopAllRefusesNewTasks(t *testing.T) {
	p := NewPool(zerolog.Nop())
	fn := func(ctx context.Context, at time.Time) error { return nil }
	require.True(t, p.Start("a", time.Hour, fn))
	require.True(t, p.Start("b", time.Hour, fn))

	p.StopAll()
	require.Empty(t, p.Keys())
	require.False(t, p.Start("c", time.Hour, fn))
}

func TestPoolRejectsNonPositiveInterval(t *testing.T) {
	p := NewPool(zerolog.Nop())
	defer p.StopAll()
	require.False(t, p.Start("bad", 0, func(ctx context.Context, at time.Time) error { return nil }))
}
