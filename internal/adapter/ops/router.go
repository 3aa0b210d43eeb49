// Package ops serves the worker's HTTP side: Prometheus metrics, a store
// health probe and read-only ledger lookups for operators.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/simaogato/topup-engine/internal/domain"
)

var httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "topup_ops_http_request_duration_seconds",
	Help:    "Latency of ops HTTP requests",
	Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"route", "status"})

const healthTimeout = 2 * time.Second

// Pinger reports whether the ledger store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store        Pinger
	Accounts     domain.AccountRepository
	Transactions domain.TransactionRepository
	Alerts       domain.AlertRepository
	logger       *zap.Logger
}

func NewHandler(
	store Pinger,
	accounts domain.AccountRepository,
	transactions domain.TransactionRepository,
	alerts domain.AlertRepository,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		Store:        store,
		Accounts:     accounts,
		Transactions: transactions,
		Alerts:       alerts,
		logger:       logger,
	}
}

// NewRouter wires the ops routes
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.instrument("/health", h.Health)).Methods(http.MethodGet)

	r.HandleFunc("/accounts/{id}", h.instrument("/accounts/{id}", h.GetAccount)).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/transactions", h.instrument("/accounts/{id}/transactions", h.ListTransactions)).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}/alerts", h.instrument("/accounts/{id}/alerts", h.ListAlerts)).Methods(http.MethodGet)
	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		h.logger.Warn("health probe failed", zap.Error(err))
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Accounts.GetByID(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, domain.ErrAccountNotFound) {
		h.respondError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load account", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	h.respondJSON(w, http.StatusOK, accountView{
		ID:      account.ID,
		Name:    account.DisplayName(),
		Balance: account.Balance.String(),
		Rating:  account.Rating,
		Ratings: len(account.RatedBy),
	})
}

type accountView struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Balance string  `json:"balance"`
	Rating  float64 `json:"rating"`
	Ratings int     `json:"ratings"`
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Transactions.ListByAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.logger.Error("failed to list transactions", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	h.respondJSON(w, http.StatusOK, txs)
}

func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := h.Alerts.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	h.respondJSON(w, http.StatusOK, alerts)
}

func (h *Handler) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		httpLatency.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg string) {
	h.respondJSON(w, code, map[string]string{"error": msg})
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}
