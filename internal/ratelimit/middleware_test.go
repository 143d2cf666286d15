package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareSetsHeadersAndRejects(t *testing.T) {
	l, _, clock := newTestLimiter(t)
	rules, err := NewRules(map[Tier]Rule{
		TierPublic: {Capacity: 2, RefillWindow: time.Minute, BlockDuration: time.Minute},
	}, nil)
	require.NoError(t, err)

	handler := Middleware(l, rules, MiddlewareOptions{Now: clock.Now})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/prices/ethereum", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := call()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10), first.Header().Get("X-RateLimit-Reset"))

	second := call()
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	third := call()
	require.Equal(t, http.StatusTooManyRequests, third.Code)
	assert.Equal(t, "60", third.Header().Get("Retry-After"))

	var body rejection
	require.NoError(t, json.NewDecoder(third.Body).Decode(&body))
	assert.Equal(t, "Too Many Requests", body.Error)
	assert.Equal(t, 60, body.RetryAfter)
}

func TestMiddlewareUsesEndpointOverride(t *testing.T) {
	l, _, _ := newTestLimiter(t)
	rules, err := NewRules(nil, nil)
	require.NoError(t, err)

	handler := Middleware(l, rules, MiddlewareOptions{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions/send", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.5:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.168.1.5", ClientIP(req, false))
	assert.Equal(t, "203.0.113.9", ClientIP(req, true))
}

func TestRulesResolve(t *testing.T) {
	rules, err := NewRules(nil, map[string]Rule{
		"/api/v1/wallet/export/": {Capacity: 5, RefillWindow: time.Minute},
	})
	require.NoError(t, err)

	rule, class := rules.Resolve("/api/v1/wallet/export", TierPremium)
	assert.Equal(t, 5, rule.Capacity)
	assert.Equal(t, "/api/v1/wallet/export", class)

	rule, class = rules.Resolve("/api/v1/wallet/balance", TierPremium)
	assert.Equal(t, 150, rule.Capacity)
	assert.Equal(t, "/api/v1/wallet", class)

	rule, class = rules.Resolve("/api/v1/walletx", TierPremium)
	assert.Equal(t, 1000, rule.Capacity)
	assert.Equal(t, "premium", class)

	rule, _ = rules.Resolve("/api/v1/prices/btc", Tier("unknown"))
	assert.Equal(t, 60, rule.Capacity)
}

func TestNewRulesRejectsInvalid(t *testing.T) {
	_, err := NewRules(map[Tier]Rule{TierPublic: {Capacity: 0, RefillWindow: time.Minute}}, nil)
	assert.Error(t, err)
}
