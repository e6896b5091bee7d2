// Package api exposes the ledger's operations over HTTP. Routing is thin:
// handlers decode JSON, call the positions service, and map errors to
// status codes. All matching and reconciliation logic lives elsewhere.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/trade_ledger/internal/metrics"
	"github.com/eddiefleurent/trade_ledger/internal/models"
	"github.com/eddiefleurent/trade_ledger/internal/positions"
	"github.com/eddiefleurent/trade_ledger/internal/storage"
)

// Server wraps the HTTP API around the positions service.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	service *positions.Service
	store   storage.Storage
	logger  *logrus.Logger
	metrics *metrics.Metrics
	addr    string
}

// Config holds the server settings.
type Config struct {
	ListenAddr string
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewServer builds the router. metrics may be nil.
func NewServer(cfg Config, service *positions.Service, store storage.Storage, logger *logrus.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		service: service,
		store:   store,
		logger:  logger,
		metrics: m,
		addr:    cfg.ListenAddr,
	}
	s.setupRoutes(cfg.Gatherer)
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.requestLogger)

	s.router.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/trades", s.handleListTrades)
		r.Post("/imports", s.handleImport)
		r.Post("/trades/{id}/expire-worthless", s.handleExpireWorthless)
		r.Post("/trades/{id}/review", s.handleSetReview)
		r.Delete("/trades/{id}", s.handleDeleteTrade)
		r.Delete("/accounts/{id}/trades", s.handleDeleteAccountTrades)
		r.Post("/splits", s.handleApplySplit)

		r.Get("/positions", s.handleListPositions)
		r.Get("/positions/{id}", s.handleGetPosition)
		r.Post("/positions", s.handleCreatePosition)
		r.Post("/positions/{id}/trades", s.handleAddTrades)
		r.Delete("/positions/{id}/trades", s.handleRemoveTrades)
		r.Post("/positions/merge", s.handleMergePositions)
		r.Delete("/positions/{id}/group", s.handleUngroup)
		r.Post("/recompute", s.handleRecompute)

		r.Get("/backup", s.handleBackup)
		r.Post("/restore", s.handleRestore)
	})
}

// requestLogger records each request with its outcome.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		s.metrics.CountRequest(route, strconv.Itoa(ww.Status()))
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"route":    route,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("api request")
	})
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting API server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- trades ---

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.service.ListTrades(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trades []positions.TradeInput `json:"trades"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.service.ImportBatch(r.Context(), req.Trades)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExpireWorthless(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expired bool `json:"expired"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.MarkExpiredWorthless(r.Context(), chi.URLParam(r, "id"), req.Expired); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Review models.ReviewState `json:"review"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.SetReview(r.Context(), chi.URLParam(r, "id"), req.Review); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTrade(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTrade(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAccountTrades(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.service.DeleteAccountTrades(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (s *Server) handleApplySplit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string          `json:"account_id"`
		Symbol    string          `json:"symbol"`
		Ratio     decimal.Decimal `json:"ratio"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	adjusted, err := s.service.ApplySplit(r.Context(), req.AccountID, req.Symbol, req.Ratio)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"adjusted": adjusted})
}

// --- positions ---

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.service.ListPositions(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if views == nil {
		views = []models.PositionView{}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.GetPositionView(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string   `json:"name"`
		TradeIDs []string `json:"trade_ids"`
		Notes    string   `json:"notes"`
		Why      string   `json:"why"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.service.CreatePosition(r.Context(), req.Name, req.TradeIDs, req.Notes, req.Why)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleAddTrades(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TradeIDs []string `json:"trade_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.AddTrades(r.Context(), chi.URLParam(r, "id"), req.TradeIDs); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveTrades(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TradeIDs []string `json:"trade_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.service.RemoveTrades(r.Context(), chi.URLParam(r, "id"), req.TradeIDs); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMergePositions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PositionIDs []string `json:"position_ids"`
		Name        string   `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.service.MergePositions(r.Context(), req.PositionIDs, req.Name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUngroup(w http.ResponseWriter, r *http.Request) {
	if err := s.service.UngroupPosition(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	if err := s.service.RecomputeAllPositions(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- backup / restore ---

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="ledger-backup.json"`)
	if err := s.service.Backup(r.Context(), w); err != nil {
		s.logger.WithError(err).Error("backup failed")
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Restore(r.Context(), r.Body); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeServiceError maps service errors to status codes: not-found is 404,
// invalid arguments are 400, anything else is a 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, positions.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.logger.WithError(err).Error("internal error")
		s.writeError(w, http.StatusInternalServerError, err)
	}
}
