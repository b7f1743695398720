// Package statusapi is a small, optional HTTP surface for observing a
// running dispatcher from outside the process: GET /status reports
// replications currently in flight and GET /healthz is a liveness probe.
// Neither is required for snap/send to function (spec.md §6 "External
// interfaces"); the server only exists when a listen address is
// configured. Grounded on the teacher's own http.HTTP (http/http.go),
// adapted from logrus to internal/logging and from ZFS dataset CRUD to
// reporting policy.Dispatcher state.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"

	"github.com/pyznap/pyznap/internal/logging"
	"github.com/pyznap/pyznap/internal/policy"
)

// Config is the listener configuration for Server.
type Config struct {
	Host string
	Port int
}

// Server serves /status and /healthz over HTTP.
type Server struct {
	router     *httprouter.Router
	config     Config
	dispatcher *policy.Dispatcher
	logger     logging.Logger

	httpSocket net.Listener
	httpServer *http.Server
}

// New builds a Server bound to dispatcher's in-flight state. Listen must be
// called before Serve.
func New(conf Config, dispatcher *policy.Dispatcher, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.NoopLogger{}
	}
	s := &Server{
		router:     httprouter.New(),
		config:     conf,
		dispatcher: dispatcher,
		logger:     logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/status", s.withRequestLogger(s.handleStatus))
	s.router.GET("/healthz", s.withRequestLogger(s.handleHealthz))
}

type handle func(http.ResponseWriter, *http.Request, httprouter.Params, logging.Logger)

// withRequestLogger tags every request with a request ID (the pattern
// other_examples/snapsentry uses for its workflow run IDs) and hands each
// handler a logger already carrying it, rather than re-deriving one per
// handler as the teacher's authenticated wrapper does for auth state.
func (s *Server) withRequestLogger(h handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		logger := s.logger.
			WithField("requestID", "req-"+uuid.New().String()).
			WithField("path", req.URL.Path)
		h(w, req, ps, logger)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, _ logging.Logger) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// activeAction is the wire shape for one entry of GET /status.
type activeAction struct {
	Dataset     string    `json:"dataset"`
	Destination string    `json:"destination"`
	Action      string    `json:"action,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, logger logging.Logger) {
	if s.dispatcher == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	active := s.dispatcher.ActiveActions()
	out := make([]activeAction, 0, len(active))
	for _, a := range active {
		out = append(out, activeAction{
			Dataset:     a.Dataset,
			Destination: a.Destination,
			Action:      a.Action,
			StartedAt:   a.StartedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.WithError(err).Error("statusapi: encoding /status response failed")
	}
}

// Listen opens the configured socket. Call it before Serve.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	sock, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("statusapi: opening socket on %s: %w", addr, err)
	}
	s.httpSocket = sock
	s.httpServer = &http.Server{Handler: s.router}
	s.logger.Infof("statusapi: serving on %s", addr)
	return nil
}

// Addr returns the bound listener address. Only valid after Listen.
func (s *Server) Addr() string {
	if s.httpSocket == nil {
		return ""
	}
	return s.httpSocket.Addr().String()
}

// Serve blocks, serving requests on the socket opened by Listen.
func (s *Server) Serve() {
	err := s.httpServer.Serve(s.httpSocket)
	if err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("statusapi: server error")
	}
}

// Shutdown gracefully stops the server, per ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
