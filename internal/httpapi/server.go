// Package httpapi exposes prices, price alerts and health over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chainwatch/internal/alerting"
	"chainwatch/internal/monitoring"
	"chainwatch/internal/pricealert"
	"chainwatch/internal/pricefeed"
	"chainwatch/internal/ratelimit"
	"chainwatch/internal/service"
	"chainwatch/internal/telemetry"
)

// UserHeader carries the caller identity established by the upstream
// authentication layer.
const UserHeader = "X-User-ID"

// PriceReader serves cached prices.
type PriceReader interface {
	GetPrice(ctx context.Context, symbol string) (pricefeed.Quote, bool)
}

// GasReader serves the cached gas reading.
type GasReader interface {
	CachedGas(ctx context.Context) (service.GasQuote, bool)
}

// NotificationHistory lists a user's delivered notifications.
type NotificationHistory interface {
	Recent(ctx context.Context, userID string, limit int) ([]alerting.Notification, error)
}

// Options configure the listener and the admission middleware.
type Options struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       bool
	TrustForwarded  bool
	Tier            ratelimit.TierFunc
	Now             func() time.Time
}

// Deps are the backing components. Gas and History may be nil.
type Deps struct {
	Prices    PriceReader
	Alerts    *pricealert.Registry
	Gas       GasReader
	History   NotificationHistory
	Collector *monitoring.Collector
	Limiter   *ratelimit.Limiter
	Rules     ratelimit.Rules
}

// Server is the HTTP surface.
type Server struct {
	opts    Options
	deps    Deps
	logger  zerolog.Logger
	router  *mux.Router
	started time.Time
}

// NewServer builds the router.
func NewServer(opts Options, deps Deps, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		opts:    opts,
		deps:    deps,
		logger:  logger.With().Str("component", "http").Logger(),
		started: opts.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	api := r.PathPrefix("/api/v1").Subrouter()
	if s.opts.RateLimit && s.deps.Limiter != nil {
		api.Use(ratelimit.Middleware(s.deps.Limiter, s.deps.Rules, ratelimit.MiddlewareOptions{
			Tier:           s.opts.Tier,
			TrustForwarded: s.opts.TrustForwarded,
			Now:            s.opts.Now,
		}))
	}
	api.HandleFunc("/prices/{symbol}", s.priceHandler).Methods(http.MethodGet)
	api.HandleFunc("/gas", s.gasHandler).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.listAlertsHandler).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.addAlertHandler).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}", s.removeAlertHandler).Methods(http.MethodDelete)
	api.HandleFunc("/notifications", s.notificationsHandler).Methods(http.MethodGet)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/metrics", s.metricsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/alerts", s.systemAlertsHandler).Methods(http.MethodGet)
	r.HandleFunc("/health/alerts", s.clearSystemAlertsHandler).Methods(http.MethodDelete)
	r.HandleFunc("/health/thresholds/{name}", s.thresholdHandler).Methods(http.MethodPut)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument feeds every request into Prometheus and the metrics collector.
// Routes are labelled by their template to keep cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.opts.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := s.opts.Now().Sub(start)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		telemetry.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		telemetry.HTTPLatency.WithLabelValues(route).Observe(elapsed.Seconds())
		if s.deps.Collector != nil {
			s.deps.Collector.RecordRequest(r.Method, route, elapsed, rec.status)
		}
	})
}
