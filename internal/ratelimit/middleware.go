package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// TierFunc classifies a request into a caller tier.
type TierFunc func(r *http.Request) Tier

// DefaultTier treats any request carrying an Authorization header as
// authenticated.
func DefaultTier(r *http.Request) Tier {
	if r.Header.Get("Authorization") != "" {
		return TierAuthenticated
	}
	return TierPublic
}

// MiddlewareOptions configure the HTTP admission middleware.
type MiddlewareOptions struct {
	Tier TierFunc
	// TrustForwarded reads the client address from X-Forwarded-For.
	TrustForwarded bool
	Now            func() time.Time
}

type rejection struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter"`
}

// Middleware admits requests through the limiter and annotates every response
// with the X-RateLimit-* headers. Rejected requests get 429 and a Retry-After.
func Middleware(l *Limiter, rules Rules, opts MiddlewareOptions) func(http.Handler) http.Handler {
	tierOf := opts.Tier
	if tierOf == nil {
		tierOf = DefaultTier
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, class := rules.Resolve(r.URL.Path, tierOf(r))
			decision := l.Consume(r.Context(), Key(ClientIP(r, opts.TrustForwarded), class), rule)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retry := decision.RetryAfter(now())
			h.Set("Retry-After", strconv.Itoa(retry))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(rejection{
				Error:      "Too Many Requests",
				Message:    "rate limit exceeded",
				RetryAfter: retry,
			})
		})
	}
}

// ClientIP extracts the caller address used as the limiter identity.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
