package pricealert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"chainwatch/internal/alerting"
	"chainwatch/internal/apperr"
	"chainwatch/internal/pricefeed"
)

type scriptedPrices struct {
	mu     sync.Mutex
	prices map[string][]string
	calls  map[string]int
}

func newScriptedPrices() *scriptedPrices {
	return &scriptedPrices{prices: map[string][]string{}, calls: map[string]int{}}
}

// GetPrice returns the next scripted price, repeating the last one.
func (s *scriptedPrices) GetPrice(_ context.Context, symbol string) (pricefeed.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.prices[symbol]
	if len(seq) == 0 {
		return pricefeed.Quote{}, false
	}
	i := s.calls[symbol]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	s.calls[symbol]++
	return pricefeed.Quote{Symbol: symbol, Price: decimal.RequireFromString(seq[i])}, true
}

type watchRecorder struct {
	mu      sync.Mutex
	symbols []string
}

func (w *watchRecorder) Watch(symbol string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.symbols = append(w.symbols, symbol)
	return true
}

type sinkRecorder struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (s *sinkRecorder) Deliver(note alerting.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append(s.notes, note)
	return true
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notes)
}

func newRegistry(prices PriceSource) (*Registry, *watchRecorder, *sinkRecorder) {
	watcher := &watchRecorder{}
	sink := &sinkRecorder{}
	return NewRegistry(prices, watcher, sink, Options{}, zerolog.Nop()), watcher, sink
}

func TestAddRejectsInvalidDirectionWithoutStateChange(t *testing.T) {
	reg, watcher, _ := newRegistry(newScriptedPrices())

	_, err := reg.Add("u1", "ethereum", decimal.NewFromInt(2000), "sideways")
	require.Error(t, err)
	require.True(t, apperr.IsValidation(err))
	require.Empty(t, reg.UserAlerts("u1"))
	require.Empty(t, watcher.symbols)
}

func TestAddRejectsUnsupportedSymbol(t *testing.T) {
	reg, _, _ := newRegistry(newScriptedPrices())

	_, err := reg.Add("u1", "dogecoin", decimal.NewFromInt(1), "above")
	require.True(t, apperr.IsValidation(err))
	require.Zero(t, reg.Count())
}

func TestAddRejectsNonPositiveThreshold(t *testing.T) {
	reg, _, _ := newRegistry(newScriptedPrices())

	_, err := reg.Add("u1", "bitcoin", decimal.Zero, "below")
	require.True(t, apperr.IsValidation(err))
}

func TestAddStartsWatchingSymbol(t *testing.T) {
	reg, watcher, _ := newRegistry(newScriptedPrices())

	alert, err := reg.Add("u1", "ETHEREUM", decimal.NewFromInt(2000), "Above")
	require.NoError(t, err)
	require.NotEmpty(t, alert.ID)
	require.Equal(t, "ethereum", alert.Symbol)
	require.Equal(t, Above, alert.Direction)
	require.Equal(t, []string{"ethereum"}, watcher.symbols)
	require.Len(t, reg.UserAlerts("u1"), 1)
}

func TestCheckAllFiresOnThirdPrice(t *testing.T) {
	prices := newScriptedPrices()
	prices.prices["ethereum"] = []string{"1990", "1995", "2001"}
	reg, _, sink := newRegistry(prices)

	_, err := reg.Add("u1", "ethereum", decimal.NewFromInt(2000), "above")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		fired, err := reg.CheckAll(context.Background())
		require.NoError(t, err)
		require.Zero(t, fired)
		require.Len(t, reg.UserAlerts("u1"), 1)
	}

	fired, err := reg.CheckAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fired)
	require.Empty(t, reg.UserAlerts("u1"))
	require.Equal(t, 1, sink.count())

	note := sink.notes[0]
	require.Equal(t, "u1", note.UserID)
	require.Equal(t, alerting.TypePrice, note.Type)
	require.Equal(t, "2001", note.Data["price"])

	fired, err = reg.CheckAll(context.Background())
	require.NoError(t, err)
	require.Zero(t, fired)
	require.Equal(t, 1, sink.count())
}

func TestCheckAllBelowIsInclusive(t *testing.T) {
	prices := newScriptedPrices()
	prices.prices["usdt"] = []string{"0.99"}
	reg, _, sink := newRegistry(prices)

	_, err := reg.Add("u1", "usdt", decimal.RequireFromString("0.99"), "below")
	require.NoError(t, err)
	_, err = reg.Add("u2", "usdt", decimal.RequireFromString("0.98"), "below")
	require.NoError(t, err)

	fired, err := reg.CheckAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, fired)
	require.Equal(t, 1, sink.count())
	require.Len(t, reg.UserAlerts("u2"), 1)
}

func TestCheckAllFetchesEachSymbolOnce(t *testing.T) {
	prices := newScriptedPrices()
	prices.prices["bitcoin"] = []string{"60000"}
	reg, _, _ := newRegistry(prices)

	for _, user := range []string{"a", "b", "c"} {
		_, err := reg.Add(user, "bitcoin", decimal.NewFromInt(70000), "above")
		require.NoError(t, err)
	}

	_, err := reg.CheckAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, prices.calls["bitcoin"])
}

func TestCheckAllSkipsSymbolsWithoutPrice(t *testing.T) {
	reg, _, sink := newRegistry(newScriptedPrices())
	_, err := reg.Add("u1", "dai", decimal.NewFromInt(1), "above")
	require.NoError(t, err)

	fired, err := reg.CheckAll(context.Background())
	require.NoError(t, err)
	require.Zero(t, fired)
	require.Zero(t, sink.count())
	require.Equal(t, 1, reg.Count())
}

func TestRemoveIsNoopForUnknownAlert(t *testing.T) {
	reg, _, _ := newRegistry(newScriptedPrices())
	require.False(t, reg.Remove("nobody", "missing"))

	alert, err := reg.Add("u1", "bitcoin", decimal.NewFromInt(50000), "below")
	require.NoError(t, err)
	require.False(t, reg.Remove("u1", "missing"))
	require.True(t, reg.Remove("u1", alert.ID))
	require.False(t, reg.Remove("u1", alert.ID))
	require.Empty(t, reg.UserAlerts("u1"))
}

func TestConcurrentChecksFireOnce(t *testing.T) {
	prices := newScriptedPrices()
	prices.prices["ethereum"] = []string{"2500"}
	reg, _, sink := newRegistry(prices)
	_, err := reg.Add("u1", "ethereum", decimal.NewFromInt(2000), "above")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.CheckAll(context.Background())
		}()
	}
	wg.Wait()
	require.Equal(t, 1, sink.count())
}

func TestTriggered(t *testing.T) {
	above := Alert{Threshold: decimal.NewFromInt(10), Direction: Above}
	below := Alert{Threshold: decimal.NewFromInt(10), Direction: Below}
	require.True(t, above.Triggered(decimal.NewFromInt(10)))
	require.False(t, above.Triggered(decimal.RequireFromString("9.99")))
	require.True(t, below.Triggered(decimal.NewFromInt(10)))
	require.False(t, below.Triggered(decimal.RequireFromString("10.01")))
}

func TestAlertCreatedAtUsesClock(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(newScriptedPrices(), nil, nil, Options{Now: func() time.Time { return fixed }}, zerolog.Nop())
	alert, err := reg.Add("u1", "usdc", decimal.NewFromInt(1), "above")
	require.NoError(t, err)
	require.Equal(t, fixed, alert.CreatedAt)
}
