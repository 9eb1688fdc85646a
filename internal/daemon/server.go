package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/conn"
	"github.com/matheus3301/convsync/internal/status"
	"github.com/matheus3301/convsync/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusSource reports the connection state for the health check.
type StatusSource interface {
	Status() status.State
}

// Server exposes health, metrics and read-only store snapshots over HTTP.
type Server struct {
	router   *mux.Router
	server   *http.Server
	listener net.Listener
	conn     StatusSource
	store    *store.Store
	logger   *zap.Logger
}

// NewServer binds the listener on cfg.MetricsAddr so a port conflict fails
// startup instead of surfacing later.
func NewServer(cfg *config.Session, mgr *conn.Manager, st *store.Store, reg *prometheus.Registry, logger *zap.Logger) (*Server, error) {
	return newServer(cfg.MetricsAddr, mgr, st, reg, logger)
}

func newServer(addr string, src StatusSource, st *store.Store, gatherer prometheus.Gatherer, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &Server{
		router:   mux.NewRouter(),
		listener: ln,
		conn:     src,
		store:    st,
		logger:   logger,
	}
	s.setupRoutes(gatherer)
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("/healthz", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/inbox", s.handleInbox()).Methods(http.MethodGet)
	s.router.HandleFunc("/conversations/{id}/messages", s.handleMessages()).Methods(http.MethodGet)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server starting", zap.String("addr", s.Addr()))
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	err := s.server.Shutdown(ctx)
	// Shutdown does not close a listener that was never served.
	_ = s.listener.Close()
	return err
}

type healthResponse struct {
	Status status.State `json:"status"`
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.conn.Status()
		code := http.StatusOK
		if st != status.Connected {
			code = http.StatusServiceUnavailable
		}
		s.writeJSON(w, code, healthResponse{Status: st})
	}
}

type inboxResponse struct {
	Active        string               `json:"active,omitempty"`
	Conversations []store.Conversation `json:"conversations"`
}

func (s *Server) handleInbox() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := inboxResponse{Conversations: s.store.Inbox()}
		if c, ok := s.store.ActiveConversation(); ok {
			resp.Active = c.ID
		}
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if _, ok := s.store.Conversation(id); !ok {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		s.writeJSON(w, http.StatusOK, s.store.Messages(id))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", zap.Error(err))
	}
}
