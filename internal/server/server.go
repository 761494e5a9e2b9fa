// Package server exposes the operational HTTP surface: health, system
// status, trade and signal listings, recovery history, strategy
// pause/resume, and the prometheus scrape endpoint. It is read-mostly; the
// only mutations are the explicit strategy controls.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/evertide/swingbot/internal/executor"
	"github.com/evertide/swingbot/internal/store"
	"github.com/evertide/swingbot/pkg/types"
)

// Config holds the HTTP listener settings.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the listener defaults.
func DefaultConfig() Config {
	return Config{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the operational API server.
type Server struct {
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	store      store.Interface
	exec       *executor.Executor
}

// New creates the server and wires its routes.
func New(logger *zap.Logger, config Config, st store.Interface, exec *executor.Executor) *Server {
	s := &Server{
		logger: logger.Named("server"),
		config: config,
		router: mux.NewRouter(),
		store:  st,
		exec:   exec,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies", s.handleListStrategies).Methods("GET")
	s.router.HandleFunc("/api/v1/strategies/{id}/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/strategies/{id}/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/v1/strategies/{id}/clear-error", s.handleClearError).Methods("POST")
	s.router.HandleFunc("/api/v1/strategies/{id}/signals", s.handleListSignals).Methods("GET")
	s.router.HandleFunc("/api/v1/trades/open", s.handleOpenTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/recovery", s.handleRecoveryEvents).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Start runs the listener until it fails or Stop is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting API server", zap.String("addr", addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleStatus reports the system heartbeat row plus live executor flags.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetSystemState(r.Context())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"brokerConnected": s.exec.Connected(),
		"recoveryMode":    s.exec.RecoveryMode(),
	}
	if st != nil {
		resp["system"] = st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies, err := s.store.ListStrategies(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": strategies,
		"count":      len(strategies),
	})
}

func (s *Server) strategyByID(w http.ResponseWriter, r *http.Request) *types.Strategy {
	strat, err := s.store.GetStrategy(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "strategy not found", http.StatusNotFound)
		return nil
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil
	}
	return strat
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	strat := s.strategyByID(w, r)
	if strat == nil {
		return
	}
	if err := s.exec.Pause(r.Context(), strat); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     strat.ID,
		"status": strat.Status,
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	strat := s.strategyByID(w, r)
	if strat == nil {
		return
	}
	if err := s.exec.Resume(r.Context(), strat); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     strat.ID,
		"status": strat.Status,
	})
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	strat := s.strategyByID(w, r)
	if strat == nil {
		return
	}
	if err := s.exec.ClearError(r.Context(), strat); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     strat.ID,
		"status": strat.Status,
	})
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	strat := s.strategyByID(w, r)
	if strat == nil {
		return
	}

	since := time.Now().AddDate(0, 0, -7)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}

	signals, err := s.store.ListSignals(r.Context(), strat.ID, since)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"signals": signals,
		"count":   len(signals),
	})
}

func (s *Server) handleOpenTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListOpenTrades(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleRecoveryEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListRecoveryEvents(r.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
