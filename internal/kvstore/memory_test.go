package kvstore

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemory(clock.Now)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "price:ethereum", "2000", 5*time.Second))

	value, ok, err := store.Get(ctx, "price:ethereum")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2000", value)

	clock.Advance(5 * time.Second)
	_, ok, err = store.Get(ctx, "price:ethereum")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryTransactionAppliesWritesTogether(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	err := store.Transaction(ctx, []string{"a", "b"}, func(entries map[string]Entry, w Writer) error {
		require.False(t, entries["a"].Found)
		w.Set("a", "1", time.Minute)
		w.Set("b", "2", time.Minute)
		return nil
	})
	require.NoError(t, err)

	a, _, _ := store.Get(ctx, "a")
	b, _, _ := store.Get(ctx, "b")
	require.Equal(t, "1", a)
	require.Equal(t, "2", b)
}

func TestMemoryTransactionAbortDiscardsWrites(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	boom := errors.New("abort")
	err := store.Transaction(ctx, []string{"a"}, func(entries map[string]Entry, w Writer) error {
		w.Set("a", "1", 0)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, ok, _ := store.Get(ctx, "a")
	require.False(t, ok)
}

func TestMemoryTransactionSerialisesCounters(t *testing.T) {
	store := NewMemory(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Transaction(ctx, []string{"n"}, func(entries map[string]Entry, w Writer) error {
				n := 0
				if entries["n"].Found {
					n, _ = strconv.Atoi(entries["n"].Value)
				}
				w.Set("n", strconv.Itoa(n+1), 0)
				return nil
			})
		}()
	}
	wg.Wait()

	value, _, _ := store.Get(ctx, "n")
	require.Equal(t, "50", value)
}

func TestMemoryFailWith(t *testing.T) {
	store := NewMemory(nil)
	down := errors.New("connection refused")
	store.FailWith(down)

	_, _, err := store.Get(context.Background(), "k")
	require.ErrorIs(t, err, down)

	store.FailWith(nil)
	_, _, err = store.Get(context.Background(), "k")
	require.NoError(t, err)
}
