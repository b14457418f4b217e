package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/holdfast/pkg/fsm"
	"github.com/pixperk/holdfast/pkg/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports the local replica's view of the cluster.
// *server.Server satisfies it.
type StatusSource interface {
	Status(ctx context.Context, req *server.StatusRequest) (*server.StatusResponse, error)
}

// MembersFunc lists the live cluster members.
type MembersFunc func() []fsm.Member

// Server is the operator-facing HTTP surface: prometheus metrics plus
// read-only JSON views of replica status and membership.
type Server struct {
	httpServer *http.Server
	status     StatusSource
	members    MembersFunc
	logger     hclog.Logger
}

func NewServer(httpAddr string, status StatusSource, members MembersFunc, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Server{
		status:  status,
		members: members,
		logger:  logger.Named("gateway"),
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /members", s.handleMembers)
	return mux
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("http gateway listening", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status.Status(r.Context(), &server.StatusRequest{})
	if err != nil {
		s.logger.Warn("status failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	members := s.members()
	if members == nil {
		members = []fsm.Member{}
	}
	s.writeJSON(w, members)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}
