package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type priceUpdate struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func fastRetry() RetryPolicy {
	return RetryPolicy{Attempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func runQueue(t *testing.T, q *Memory) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestMemoryDeliversPayload(t *testing.T) {
	q := NewMemory(MemoryOptions{Retry: fastRetry()}, zerolog.Nop())

	got := make(chan priceUpdate, 1)
	require.NoError(t, q.Subscribe(PriceUpdates, func(ctx context.Context, job Job) error {
		var u priceUpdate
		if err := job.Decode(&u); err != nil {
			return err
		}
		if job.Attempt != 1 {
			return Permanent(errors.New("unexpected attempt"))
		}
		got <- u
		return nil
	}))
	runQueue(t, q)

	id, err := q.Enqueue(context.Background(), PriceUpdates, priceUpdate{Symbol: "ethereum", Price: "2001"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case u := <-got:
		require.Equal(t, priceUpdate{Symbol: "ethereum", Price: "2001"}, u)
	case <-time.After(time.Second):
		t.Fatal("job not delivered")
	}
}

func TestMemoryRetriesUpToAttempts(t *testing.T) {
	q := NewMemory(MemoryOptions{Retry: fastRetry(), Workers: 1}, zerolog.Nop())

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("exports", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return errors.New("disk full")
	}))
	runQueue(t, q)

	_, err := q.Enqueue(context.Background(), "exports", map[string]string{"format": "csv"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 3, calls.Load())
}

func TestMemoryRecoversOnRetry(t *testing.T) {
	q := NewMemory(MemoryOptions{Retry: fastRetry(), Workers: 1}, zerolog.Nop())

	attempts := make(chan int, 3)
	require.NoError(t, q.Subscribe("analytics", func(ctx context.Context, job Job) error {
		attempts <- job.Attempt
		if job.Attempt < 2 {
			return errors.New("transient")
		}
		return nil
	}))
	runQueue(t, q)

	_, err := q.Enqueue(context.Background(), "analytics", struct{}{})
	require.NoError(t, err)

	require.Equal(t, 1, <-attempts)
	require.Equal(t, 2, <-attempts)
}

func TestMemoryPermanentErrorSkipsRetries(t *testing.T) {
	q := NewMemory(MemoryOptions{Retry: fastRetry(), Workers: 1}, zerolog.Nop())

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("bad", func(ctx context.Context, job Job) error {
		calls.Add(1)
		return Permanent(errors.New("malformed"))
	}))
	runQueue(t, q)

	_, err := q.Enqueue(context.Background(), "bad", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, calls.Load())
}

func TestMemoryEnqueueHonoursContextWhenFull(t *testing.T) {
	q := NewMemory(MemoryOptions{Buffer: 1}, zerolog.Nop())
	_, err := q.Enqueue(context.Background(), "slow", 1)
	require.NoError(t, err)
	require.Equal(t, 1, q.Pending("slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = q.Enqueue(ctx, "slow", 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryClosedRejectsJobs(t *testing.T) {
	q := NewMemory(MemoryOptions{}, zerolog.Nop())
	require.NoError(t, q.Close())
	_, err := q.Enqueue(context.Background(), PriceUpdates, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSubscribeTwiceFails(t *testing.T) {
	q := NewMemory(MemoryOptions{}, zerolog.Nop())
	h := func(context.Context, Job) error { return nil }
	require.NoError(t, q.Subscribe("a", h))
	require.Error(t, q.Subscribe("a", h))
}
