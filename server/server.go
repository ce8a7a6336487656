// Package server exposes the runtime over HTTP: component statuses, the table
// catalog, row reads and writes, loaded models, and a websocket stream of
// status transitions.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/rthomas/spiceai/dataupdate"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/model"
	"github.com/rthomas/spiceai/queryengine"
	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/status"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultAddr is used when no bind address is configured
const DefaultAddr = "127.0.0.1:8090"

// Catalog is the subset of the query engine the API reads and writes through
type Catalog interface {
	Tables() []queryengine.TableInfo
	Scan(ctx context.Context, name string) ([]dataupdate.Row, error)
	Write(ctx context.Context, name string, update dataupdate.DataUpdate) error
}

// Options wires a Server. Catalog and Status are required.
type Options struct {
	Addr    string
	Catalog Catalog
	Status  *status.Registry
	Models  *model.Registry
	// App returns the accepted spicepod snapshot
	App    func() *spec.App
	Logger *slog.Logger

	PingInterval time.Duration
}

// Server is the HTTP API
type Server struct {
	addr    string
	catalog Catalog
	status  *status.Registry
	models  *model.Registry
	app     func() *spec.App
	logger  *slog.Logger

	upgrader     websocket.Upgrader
	pingInterval time.Duration

	// streams are hijacked connections, which http.Server.Shutdown does not track
	streamMu   sync.Mutex
	streams    sync.WaitGroup
	streamCtx  context.Context
	stopStream context.CancelFunc

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates the HTTP API server
func New(opts Options) (*Server, error) {
	if opts.Catalog == nil || opts.Status == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "catalog and status registry required")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Models == nil {
		opts.Models = model.NewRegistry()
	}
	if opts.App == nil {
		opts.App = func() *spec.App { return &spec.App{} }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    opts.Addr,
		catalog: opts.Catalog,
		status:  opts.Status,
		models:  opts.Models,
		app:     opts.App,
		logger:  opts.Logger.With("component", "http"),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pingInterval: opts.PingInterval,
		streamCtx:    ctx,
		stopStream:   cancel,
	}, nil
}

// Name identifies the server in runtime errors
func (s *Server) Name() string {
	return "http"
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /v1/datasets", s.handleDatasets)
	mux.HandleFunc("GET /v1/datasets/{name}/rows", s.handleScan)
	mux.HandleFunc("POST /v1/datasets/{name}/rows", s.handleWrite)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	return mux
}

// Start binds the listener. Serve must be called afterwards.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "http server start")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("HTTP server listening", "address", ln.Addr().String())
	return nil
}

// Serve runs the server until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	started := s.server != nil
	s.mu.Unlock()
	if !started {
		if err := s.Start(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.stopStreams()
			return errors.WrapFatal(err, "Server", "Serve", "http server")
		}
		return nil
	}
}

// Stop closes open status streams and shuts the listener down
func (s *Server) Stop() error {
	s.stopStreams()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.server = nil
	s.listener = nil
	if err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "http server shutdown")
	}
	return nil
}

func (s *Server) stopStreams() {
	s.streamMu.Lock()
	s.stopStream()
	s.streamMu.Unlock()
	s.streams.Wait()
}

// trackStream registers a stream unless the server is stopping
func (s *Server) trackStream() bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streamCtx.Err() != nil {
		return false
	}
	s.streams.Add(1)
	return true
}

// Address returns the base URL. The bound address is used once started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := s.addr
	if s.listener != nil {
		addr = s.listener.Addr().String()
	}
	return "http://" + addr
}
