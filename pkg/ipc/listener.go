package ipc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/types"
)

// acceptFunc hands an accepted transport to the broker
type acceptFunc func(t Transport)

// streamListener accepts tcp or unix connections on one endpoint
type streamListener struct {
	endpoint config.Endpoint
	listener net.Listener
	maxFrame int
	logger   *logger.Logger

	mu     sync.Mutex
	closed bool
}

func listenStream(ep config.Endpoint, maxFrame int, log *logger.Logger) (*streamListener, error) {
	if ep.Network == "unix" {
		// Remove a stale socket file left by an unclean exit
		if _, err := os.Stat(ep.Address); err == nil {
			if err := os.Remove(ep.Address); err != nil {
				return nil, types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
			}
		}
	}

	l, err := net.Listen(ep.Network, ep.Address)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+ep.String(), err)
	}

	bound := ep
	if ep.Network == "tcp" {
		bound.Address = l.Addr().String()
	}

	return &streamListener{
		endpoint: bound,
		listener: l,
		maxFrame: maxFrame,
		logger:   log.With("endpoint", bound.String()),
	}, nil
}

// serve accepts until the listener is closed
func (s *streamListener) serve(accept acceptFunc) error {
	s.logger.Info("Listening for plugin connections")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("Temporary accept failure", "error", err)
				continue
			}
			return types.WrapError(types.ErrCodeInternal, "accept failed on "+s.endpoint.String(), err)
		}
		accept(NewStreamTransport(conn, s.maxFrame))
	}
}

func (s *streamListener) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *streamListener) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	if s.endpoint.Network == "unix" {
		if rmErr := os.Remove(s.endpoint.Address); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("Failed to remove socket file", "path", s.endpoint.Address, "error", rmErr)
		}
	}
	return err
}

// wsListener upgrades HTTP requests on one path to websocket transports
type wsListener struct {
	address  string
	path     string
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader
	maxFrame int
	logger   *logger.Logger
}

func listenWebSocket(address, path string, maxFrame int, log *logger.Logger, accept acceptFunc) (*wsListener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+address, err)
	}

	w := &wsListener{
		address:  l.Addr().String(),
		path:     path,
		listener: l,
		maxFrame: maxFrame,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// Plugins are local processes, not browsers
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	w.logger = log.With("endpoint", w.URL())

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(rw http.ResponseWriter, r *http.Request) {
		conn, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			w.logger.Debug("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		accept(NewWebSocketTransport(conn, w.maxFrame))
	})
	w.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return w, nil
}

// URL returns the websocket URL plugins dial
func (w *wsListener) URL() string {
	return "ws://" + w.address + w.path
}

func (w *wsListener) serve() error {
	w.logger.Info("Listening for websocket plugin connections")
	if err := w.server.Serve(w.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return types.WrapError(types.ErrCodeInternal, "websocket server failed", err)
	}
	return nil
}

func (w *wsListener) close(ctx context.Context) error {
	// Hijacked websocket connections are not tracked by the server
	return w.server.Shutdown(ctx)
}
