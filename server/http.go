package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"otsync/auth"
	"otsync/common"
	"otsync/storage"
)

// Server ties the coordinator, the storage backend and the HTTP
// surface together.
type Server struct {
	config      Config
	store       storage.Store
	coordinator *Coordinator
	metrics     *Metrics
	router      *http.ServeMux
	server      *http.Server
	logger      *zap.Logger
	stop        chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewServer opens the storage backend, builds the auth service and
// wires the routes.
func NewServer(config Config, logger *zap.Logger) (*Server, error) {
	config = config.withDefaults()

	store, err := storage.Open(context.Background(), config.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	var authSvc auth.Service
	if config.AuthRequired {
		if config.AuthSecret == "" {
			store.Close()
			return nil, fmt.Errorf("auth requires a secret")
		}
		authSvc = auth.NewJWTService(config.AuthSecret)
	} else {
		authSvc = auth.NewNoopService()
	}

	metrics := NewMetrics()
	s := &Server{
		config:      config,
		store:       store,
		coordinator: NewCoordinator(config, store, authSvc, logger, metrics),
		metrics:     metrics,
		router:      http.NewServeMux(),
		logger:      logger,
		stop:        make(chan struct{}),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/ws", s.coordinator.HandleWS)
	s.router.HandleFunc("/health", s.handleHealth)
	s.router.HandleFunc("/documents", s.handleDocuments)
	s.router.HandleFunc("/documents/", s.handleDocumentInfo)
	s.router.Handle("/metrics", s.metrics.Handler())
}

// Handler returns the middleware-wrapped root handler.
func (s *Server) Handler() http.Handler {
	return MiddlewareChain(s.router,
		func(h http.Handler) http.Handler { return LoggingMiddleware(s.logger, h) },
		func(h http.Handler) http.Handler { return RecoveryMiddleware(s.logger, h) },
		func(h http.Handler) http.Handler { return CORSMiddleware(s.config.CORSOrigin, h) },
	)
}

// Start serves until a SIGINT/SIGTERM arrives or Stop is called, then
// shuts down gracefully.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.config.Addr(),
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("addr", s.config.Addr()))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case err := <-errCh:
		return err
	case <-sig:
	case <-s.stop:
	}

	s.logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}

	if err := s.Close(); err != nil {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}

// Stop triggers the graceful shutdown Start is waiting on.
func (s *Server) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
}

// Close releases the coordinator and the storage backend. It is safe to
// call more than once; Start runs it during shutdown, and tests that
// serve the Handler themselves run it directly.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.coordinator.Close()
		if err := s.store.Close(); err != nil {
			s.logger.Error("storage close error", zap.Error(err))
			s.closeErr = err
		}
	})
	return s.closeErr
}

type healthResponse struct {
	Status           string `json:"status"`
	Timestamp        int64  `json:"timestamp"`
	ConnectedClients int    `json:"connectedClients"`
	ActiveDocuments  int    `json:"activeDocuments"`
	TotalOperations  int64  `json:"totalOperations"`
	Uptime           int64  `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	clients, documents, operations := s.coordinator.stats()
	sendJSONResponse(w, http.StatusOK, healthResponse{
		Status:           "ok",
		Timestamp:        common.NowMillis(),
		ConnectedClients: clients,
		ActiveDocuments:  documents,
		TotalOperations:  operations,
		Uptime:           int64(time.Since(s.coordinator.startTime).Seconds()),
	})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ids := s.coordinator.documentIDs()
	sendJSONResponse(w, http.StatusOK, map[string]any{
		"documents": ids,
		"count":     len(ids),
	})
}

func (s *Server) handleDocumentInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := common.DocumentID(strings.TrimPrefix(r.URL.Path, "/documents/"))
	if !id.Valid() {
		sendJSONResponse(w, http.StatusBadRequest, map[string]string{"error": "invalid document id"})
		return
	}
	info, err := s.coordinator.documentInfo(r.Context(), id)
	if err != nil {
		if err == storage.ErrNotFound {
			sendJSONResponse(w, http.StatusNotFound, map[string]string{"error": "document not found"})
			return
		}
		s.logger.Error("failed to load document info",
			zap.String("documentId", string(id)),
			zap.Error(err))
		sendJSONResponse(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	sendJSONResponse(w, http.StatusOK, info)
}

func sendJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}
