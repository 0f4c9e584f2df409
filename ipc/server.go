// Package ipc implements the control API of the boxclient daemon. The server listens on a Unix
// domain socket (a named pipe on Windows) and exposes the client lifecycle over HTTP; the package
// level functions are the matching client calls.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sagernet/sing/common/json"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/getlantern/boxclient"
	"github.com/getlantern/boxclient/assets"
	"github.com/getlantern/boxclient/config"
)

const tracerName = "github.com/getlantern/boxclient/ipc"

// RequestTimeout is how long the server may take to answer. A start that first fetches rule sets is
// the slowest request.
const RequestTimeout = assets.EnsureTimeout + time.Minute

var ErrIPCNotRunning = errors.New("IPC not running")

// Service is the client lifecycle controlled through the server. *boxclient.Client implements it.
type Service interface {
	State() boxclient.State
	LastError() string
	EngineVersion() string
	Stats() (boxclient.Stats, error)
	Start() error
	Stop() error
	LoadConfigFromFile(path string) error
	TestConfig(cfg *config.Config) (bool, error)
}

// Server serves the control API.
type Server struct {
	svr     *http.Server
	service Service
	router  chi.Router
	logger  *slog.Logger
}

// Status is the response of the status endpoint.
type Status struct {
	State     string `json:"state"`
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
	Version   string `json:"version"`
	Engine    string `json:"engine"`
}

type pathRequest struct {
	Path string `json:"path"`
}

// TestResult is the response of the config test endpoint.
type TestResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// NewServer creates a server controlling service.
func NewServer(service Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		router:  chi.NewMux(),
		logger:  logger,
	}
	s.router.Use(s.log, tracer, authPeer)
	s.router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.router.Get(statusEndpoint, s.statusHandler)
	s.router.Get(statsEndpoint, s.statsHandler)
	s.router.Post(startServiceEndpoint, s.startServiceHandler)
	s.router.Post(stopServiceEndpoint, s.stopServiceHandler)
	s.router.Post(configEndpoint, s.loadConfigHandler)
	s.router.Post(testConfigEndpoint, s.testConfigHandler)
	return s
}

// Start starts serving. The socket file is created in dir; on Windows dir is ignored and the
// default named pipe is used.
func (s *Server) Start(dir string) error {
	l, err := listen(dir)
	if err != nil {
		return fmt.Errorf("IPC server: listen: %w", err)
	}
	s.svr = &http.Server{
		Handler:      s.router,
		ReadTimeout:  time.Second * 5,
		WriteTimeout: RequestTimeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			peer, err := getConnPeer(c)
			if err != nil {
				s.logger.Warn("Failed to identify IPC peer", "error", err)
				return ctx
			}
			return contextWithUsr(ctx, peer)
		},
	}
	go func() {
		s.logger.Info("IPC server started", "address", l.Addr().String())
		err := s.svr.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("IPC server", "error", err)
		}
	}()
	return nil
}

// Close shuts down the server.
func (s *Server) Close() error {
	if s.svr == nil {
		return nil
	}
	s.logger.Info("Closing IPC server")
	return s.svr.Close()
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	state := s.service.State()
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("state", state.String()))
	writeJSON(w, Status{
		State:     state.String(),
		Running:   state == boxclient.StateRunning,
		LastError: s.service.LastError(),
		Version:   boxclient.Version,
		Engine:    s.service.EngineVersion(),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) startServiceHandler(w http.ResponseWriter, r *http.Request) {
	if s.service.State() == boxclient.StateRunning {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.service.Start(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) stopServiceHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Stop(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) loadConfigHandler(w http.ResponseWriter, r *http.Request) {
	var p pathRequest
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	if err := s.service.LoadConfigFromFile(p.Path); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) testConfigHandler(w http.ResponseWriter, r *http.Request) {
	var p pathRequest
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	cfg, err := config.LoadFile(p.Path)
	if err != nil {
		writeJSON(w, TestResult{Error: err.Error()})
		return
	}
	ok, err := s.service.TestConfig(cfg)
	res := TestResult{Valid: ok}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

var errorKinds = map[string]error{
	"config": boxclient.ErrConfig,
	"io":     boxclient.ErrIO,
	"parse":  boxclient.ErrParse,
	"state":  boxclient.ErrState,
	"engine": boxclient.ErrEngine,
}

func kindName(err error) string {
	for name, kind := range errorKinds {
		if errors.Is(err, kind) {
			return name
		}
	}
	return ""
}

func statusCode(kind string) int {
	switch kind {
	case "config", "parse", "io":
		return http.StatusBadRequest
	case "state":
		return http.StatusConflict
	case "engine":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := kindName(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode(kind))
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error(), Kind: kind})
}
