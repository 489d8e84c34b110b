package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/types"
)

// DefaultShutdownTimeout bounds GracefulStop when Stop gets a context
// without a deadline
const DefaultShutdownTimeout = 10 * time.Second

// Server serves the gRPC health service on a tcp or unix endpoint
type Server struct {
	endpoint config.Endpoint
	listener net.Listener
	server   *grpc.Server
	health   *HealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	started  bool
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a health server for address (tcp://host:port or
// unix:///path). It does not listen until Start.
func NewServer(address string, log *logger.Logger) (*Server, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	ep, err := config.ParseEndpoint(address)
	if err != nil {
		return nil, err
	}

	health, err := NewHealthServer(log)
	if err != nil {
		return nil, err
	}

	s := &Server{
		endpoint: ep,
		health:   health,
		logger:   log.With("component", "grpc_server", "endpoint", ep.String()),
	}
	s.server = grpc.NewServer(
		grpc.Creds(insecure.NewCredentials()),
		grpc.ChainUnaryInterceptor(loggingUnaryInterceptor(s.logger)),
		grpc.ChainStreamInterceptor(loggingStreamInterceptor(s.logger)),
	)
	grpc_health_v1.RegisterHealthServer(s.server, health)

	s.logger.Info("gRPC health server initialized")
	return s, nil
}

// Start binds the endpoint and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "server already started")
	}

	if s.endpoint.Network == "unix" {
		if err := removeStaleSocket(s.endpoint.Address); err != nil {
			return err
		}
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, s.endpoint.Network, s.endpoint.Address)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+s.endpoint.String(), err)
	}
	if s.endpoint.Network == "tcp" {
		s.endpoint.Address = listener.Addr().String()
	}
	s.listener = listener
	s.started = true

	s.wg.Add(1)
	go s.serve(listener)

	s.logger.Info("gRPC health server listening", "address", s.endpoint.String())
	return nil
}

// removeStaleSocket deletes a socket or regular file left at path and
// refuses anything else
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "failed to stat existing path at socket path", err)
	}
	mode := fi.Mode()
	if mode&os.ModeSocket == 0 && !mode.IsRegular() {
		return types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("existing path at socket path is of unsafe type %v; refusing to remove", mode))
	}
	if err := os.Remove(path); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to remove existing file at socket path", err)
	}
	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()
		if !closed {
			s.logger.Error("gRPC server error", "error", err)
		}
	}
}

// Health returns the health service so the plane can report its status
func (s *Server) Health() *HealthServer {
	return s.health
}

// Address returns the endpoint in URL form. A tcp port of 0 is resolved
// once the server has started.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint.String()
}

// Stop reports NOT_SERVING, then stops gracefully. Watch streams are cut
// when ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "server already closed")
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.health.Shutdown()
	if !started {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC health server stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("gRPC health server shutdown timeout, stopping immediately")
		s.server.Stop()
		<-done
	}
	s.wg.Wait()

	if s.endpoint.Network == "unix" {
		if err := os.Remove(s.endpoint.Address); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "path", s.endpoint.Address, "error", err)
		}
	}
	return nil
}

// String returns a string representation of the server
func (s *Server) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("Server{Address: %s, Started: %v, Closed: %v, Serving: %v}",
		s.endpoint.String(), s.started, s.closed, s.health.IsServing(PlaneService))
}
