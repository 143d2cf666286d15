package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"chainwatch/internal/config"
	"chainwatch/internal/storage"
)

func makeSamples(n int) []storage.PriceSample {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.PriceSample, n)
	for i := range out {
		out[i] = storage.PriceSample{
			ID:        int64(i + 1),
			Symbol:    "ethereum",
			Price:     decimal.NewFromInt(int64(2000 + i)),
			Source:    "coingecko",
			SampledAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	samples := makeSamples(100)

	got := downsampleSamples(samples, 10)
	if len(got) != 10 {
		t.Fatalf("降采样数量错误: %d", len(got))
	}
	if got[0].ID != 1 || got[9].ID != 100 {
		t.Fatalf("首尾样本应保留: %d %d", got[0].ID, got[9].ID)
	}

	if len(downsampleSamples(samples, 0)) != 100 {
		t.Fatal("max<=0 时不应降采样")
	}
	if one := downsampleSamples(samples, 1); len(one) != 1 || one[0].ID != 100 {
		t.Fatalf("max=1 时应返回最新样本: %+v", one)
	}
}

func TestExportWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	from, to, err := exportWindow(now, ExportOptions{MaxPoints: 60}, time.Minute)
	require.NoError(t, err)
	require.True(t, to.Equal(now))
	require.True(t, from.Equal(now.Add(-time.Hour)))

	early := now.Add(time.Hour)
	_, _, err = exportWindow(now, ExportOptions{From: &early, MaxPoints: 60}, time.Minute)
	require.Error(t, err)
}

func TestWriteSamplesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "eth.csv")
	require.NoError(t, writeSamplesCSV(path, makeSamples(3)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "sampled_at,symbol,price_usd,source", lines[0])
	require.Equal(t, "2024-05-01T00:02:00Z,ethereum,2002,coingecko", lines[3])
}

func TestSimulateAlertDeliversThroughTelegram(t *testing.T) {
	var hits atomic.Int32
	var text atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		text.Store(payload["text"])
		hits.Add(1)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	cfg := &config.Config{}
	cfg.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "token", ChatID: "1", APIBase: srv.URL}
	a := NewApp(cfg, zerolog.Nop())

	err := a.SimulateAlert(context.Background(), SimulateOptions{
		UserID: "u1", Symbol: "ETHEREUM", Price: "2100", Threshold: "2000", Direction: "above",
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
	require.Contains(t, text.Load().(string), "ethereum")

	// 未越过阈值时不发送
	err = a.SimulateAlert(context.Background(), SimulateOptions{
		UserID: "u1", Symbol: "ethereum", Price: "1900", Threshold: "2000", Direction: "above",
	})
	require.Error(t, err)
	require.EqualValues(t, 1, hits.Load())
}

func TestSimulateAlertRejectsBadInput(t *testing.T) {
	a := NewApp(&config.Config{}, zerolog.Nop())
	ctx := context.Background()

	require.Error(t, a.SimulateAlert(ctx, SimulateOptions{UserID: "u1", Symbol: "ethereum", Price: "abc", Threshold: "1", Direction: "above"}))
	require.Error(t, a.SimulateAlert(ctx, SimulateOptions{UserID: "u1", Symbol: "doge", Price: "1", Threshold: "1", Direction: "above"}))
	require.Error(t, a.SimulateAlert(ctx, SimulateOptions{UserID: "u1", Symbol: "ethereum", Price: "1", Threshold: "1", Direction: "up"}))
}
