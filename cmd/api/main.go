package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/voltia/cuotaledger/pkg/config"
	"github.com/voltia/cuotaledger/pkg/events"
	"github.com/voltia/cuotaledger/pkg/ledger"
	"github.com/voltia/cuotaledger/pkg/models"
	"github.com/voltia/cuotaledger/pkg/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cuotaledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	paymentDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cuotaledger_payment_duration_seconds",
		Help:    "Latency distribution of payment recording",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
)

// Server holds the ledger instance.
type Server struct {
	ledger  *ledger.Ledger
	storage store.Storage
	log     *logrus.Logger
}

func NewServer(s store.Storage, log *logrus.Logger) *Server {
	return &Server{
		ledger:  ledger.NewLedger(s, log),
		storage: s,
		log:     log,
	}
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(paymentDuration)
	defer timer.ObserveDuration()
	const endpoint = "/installments/{id}/payments"

	installmentID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.countAndError(w, r, endpoint, http.StatusBadRequest, "Invalid installment ID")
		return
	}

	var req struct {
		Amount decimal.Decimal      `json:"amount"`
		Method models.PaymentMethod `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.countAndError(w, r, endpoint, http.StatusBadRequest, "Malformed JSON body")
		return
	}

	payment, err := s.ledger.RecordPayment(r.Context(), installmentID, req.Amount, req.Method)
	if err != nil {
		s.writeLedgerError(w, r, endpoint, err)
		return
	}

	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "201").Inc()
	respondJSON(w, http.StatusCreated, payment)
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/credits/{id}/schedule"
	creditID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.countAndError(w, r, endpoint, http.StatusBadRequest, "Invalid credit ID")
		return
	}
	includePayments := r.URL.Query().Get("include_payments") != "false"

	schedule, err := s.ledger.Schedule(r.Context(), creditID, includePayments)
	if err != nil {
		s.writeLedgerError(w, r, endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondJSON(w, http.StatusOK, schedule)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/credits/{id}/summary"
	creditID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.countAndError(w, r, endpoint, http.StatusBadRequest, "Invalid credit ID")
		return
	}

	summary, err := s.ledger.Summarize(r.Context(), creditID)
	if err != nil {
		s.writeLedgerError(w, r, endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) nextPaymentHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/credits/{id}/next-payment"
	creditID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.countAndError(w, r, endpoint, http.StatusBadRequest, "Invalid credit ID")
		return
	}

	next, err := s.ledger.NextDue(r.Context(), creditID)
	if err != nil {
		s.writeLedgerError(w, r, endpoint, err)
		return
	}
	if next == nil {
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, "204").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondJSON(w, http.StatusOK, next)
}

func (s *Server) paymentStatsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/credits/{id}/payments/stats"
	creditID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.countAndError(w, r, endpoint, http.StatusBadRequest, "Invalid credit ID")
		return
	}

	stats, err := s.ledger.PaymentStats(r.Context(), creditID)
	if err != nil {
		s.writeLedgerError(w, r, endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) overdueHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/payments/overdue"
	minDays := 0
	if raw := r.URL.Query().Get("days_overdue"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.countAndError(w, r, endpoint, http.StatusBadRequest, "days_overdue must be a non-negative integer")
			return
		}
		minDays = parsed
	}

	overdue, err := s.ledger.ScanOverdue(r.Context(), minDays)
	if err != nil {
		s.writeLedgerError(w, r, endpoint, err)
		return
	}
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, "200").Inc()
	respondJSON(w, http.StatusOK, overdue)
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		s.countAndError(w, r, endpoint, http.StatusNotFound, err.Error())
	case errors.As(err, &verr):
		s.countAndError(w, r, endpoint, http.StatusBadRequest, verr.Error())
	case errors.Is(err, ledger.ErrConflict):
		s.countAndError(w, r, endpoint, http.StatusConflict, "Concurrent payment in progress, retry")
	default:
		s.log.Errorf("%s: %v", endpoint, err)
		s.countAndError(w, r, endpoint, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) countAndError(w http.ResponseWriter, r *http.Request, endpoint string, code int, message string) {
	httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(code)).Inc()
	respondJSON(w, code, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	router.HandleFunc("/installments/{id}/payments", s.recordPaymentHandler).Methods("POST")
	router.HandleFunc("/credits/{id}/schedule", s.scheduleHandler).Methods("GET")
	router.HandleFunc("/credits/{id}/summary", s.summaryHandler).Methods("GET")
	router.HandleFunc("/credits/{id}/next-payment", s.nextPaymentHandler).Methods("GET")
	router.HandleFunc("/credits/{id}/payments/stats", s.paymentStatsHandler).Methods("GET")
	router.HandleFunc("/payments/overdue", s.overdueHandler).Methods("GET")
	return router
}

func openStorage(cfg *config.Config) (store.Storage, error) {
	switch cfg.DBDriver {
	case "postgres":
		return store.NewPostgresStore(context.Background(), cfg.DBConn)
	default:
		return store.NewSQLiteStore(cfg.DBConn)
	}
}

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	storage, err := openStorage(cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize %s store: %v", cfg.DBDriver, err)
	}
	defer storage.Close()

	server := NewServer(storage, logger)

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		server.ledger.SetEventPublisher(publisher)
		logger.Infof("Payment events publishing to %s", cfg.KafkaTopic)
	}

	// Nightly re-projection of pending installments that went past due.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.StatusRefreshSpec, func() {
		if _, err := server.ledger.RefreshStatuses(context.Background()); err != nil {
			logger.Errorf("Status refresh failed: %v", err)
		}
	}); err != nil {
		logger.Fatalf("Invalid STATUS_REFRESH_CRON %q: %v", cfg.StatusRefreshSpec, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	addr := fmt.Sprintf(":%s", cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Infof("Server starting on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("Server failed: %v", err)
	}
}
