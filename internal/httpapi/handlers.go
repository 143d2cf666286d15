package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"chainwatch/internal/apperr"
	"chainwatch/internal/pricefeed"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type priceBody struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Stale     bool            `json:"stale"`
}

type alertRequest struct {
	Symbol    string          `json:"symbol"`
	Threshold decimal.Decimal `json:"threshold"`
	Direction string          `json:"direction"`
}

type thresholdRequest struct {
	Value *float64 `json:"value"`
}

type healthBody struct {
	Status     string    `json:"status"`
	Monitoring bool      `json:"monitoring"`
	Uptime     string    `json:"uptime"`
	Time       time.Time `json:"time"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json;charset=utf8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusOf maps the error taxonomy onto HTTP.
func statusOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
		if s.deps.Collector != nil {
			s.deps.Collector.RecordError(err)
		}
	}
	writeJSON(w, status, errorBody{Error: http.StatusText(status), Message: msg})
}

func userID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(UserHeader))
	if id == "" {
		return "", apperr.Validation("missing %s header", UserHeader)
	}
	return id, nil
}

func (s *Server) priceHandler(w http.ResponseWriter, r *http.Request) {
	symbol := pricefeed.NormalizeSymbol(mux.Vars(r)["symbol"])
	if symbol == "" {
		s.writeError(w, r, apperr.Validation("symbol is required"))
		return
	}
	q, ok := s.deps.Prices.GetPrice(r.Context(), symbol)
	if !ok {
		s.writeError(w, r, apperr.Upstream("price for "+symbol+" is unavailable", nil))
		return
	}
	writeJSON(w, http.StatusOK, priceBody{Symbol: q.Symbol, Price: q.Price, FetchedAt: q.FetchedAt, Stale: q.Stale})
}

func (s *Server) gasHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gas == nil {
		s.writeError(w, r, apperr.NotFound("gas tracking is disabled"))
		return
	}
	q, ok := s.deps.Gas.CachedGas(r.Context())
	if !ok {
		s.writeError(w, r, apperr.NotFound("no gas reading yet"))
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Alerts.UserAlerts(user))
}

func (s *Server) addAlertHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("invalid request body: %v", err))
		return
	}
	alert, err := s.deps.Alerts.Add(user, req.Symbol, req.Threshold, req.Direction)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (s *Server) removeAlertHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// 删除不存在的告警视为空操作
	id := mux.Vars(r)["id"]
	if !s.deps.Alerts.Remove(user, id) {
		s.logger.Debug().Str("user_id", user).Str("alert_id", id).Msg("alert already gone")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) notificationsHandler(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.deps.History == nil {
		s.writeError(w, r, apperr.NotFound("notification history is disabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, r, apperr.Validation("limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	notes, err := s.deps.History.Recent(r.Context(), user, limit)
	if err != nil {
		s.writeError(w, r, apperr.Upstream("load notifications", err))
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	now := s.opts.Now()
	body := healthBody{
		Status: "ok",
		Uptime: now.Sub(s.started).Round(time.Second).String(),
		Time:   now.UTC(),
	}
	if s.deps.Collector != nil {
		body.Monitoring = s.deps.Collector.Running()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		s.writeError(w, r, apperr.NotFound("monitoring is disabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Collector.Snapshot())
}

func (s *Server) systemAlertsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		s.writeError(w, r, apperr.NotFound("monitoring is disabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Collector.Alerts())
}

func (s *Server) clearSystemAlertsHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		s.writeError(w, r, apperr.NotFound("monitoring is disabled"))
		return
	}
	s.deps.Collector.ClearAlerts()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) thresholdHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		s.writeError(w, r, apperr.NotFound("monitoring is disabled"))
		return
	}
	var req thresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		s.writeError(w, r, apperr.Validation("body must be {\"value\": <number>}"))
		return
	}
	if err := s.deps.Collector.SetThreshold(mux.Vars(r)["name"], *req.Value); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Collector.Thresholds())
}
