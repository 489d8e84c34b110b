package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/ipc"
	"github.com/baaaht/msgplane/pkg/metrics"
	"github.com/baaaht/msgplane/pkg/store"
	"github.com/baaaht/msgplane/pkg/types"
)

// Plane is what the admin routes report on
type Plane interface {
	Status() types.Status
	Stats() ipc.BrokerStats
	Connections() []ipc.ConnectionInfo
	Plugins() []store.PluginInfo
	Plugin(id types.PluginID) (store.PluginInfo, bool)
	Pending() []store.PendingRequest
}

// Server is the admin HTTP endpoint: Prometheus metrics, liveness, broker
// statistics and the routing table
type Server struct {
	cfg    config.MetricsConfig
	plane  Plane
	router *gin.Engine
	logger *logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New builds the admin router. gatherer backs the metrics route and m
// records the admin's own requests; both may be nil.
func New(cfg config.MetricsConfig, plane Plane, gatherer prometheus.Gatherer, m *metrics.Metrics, log *logger.Logger) (*Server, error) {
	if plane == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "plane cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if cfg.Path == "" {
		cfg.Path = config.DefaultMetricsPath
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		plane:  plane,
		router: gin.New(),
		logger: log.With("component", "admin_server"),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))
	s.router.Use(requestMetrics(m))
	s.registerRoutes(gatherer)
	return s, nil
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	s.router.GET(s.cfg.Path, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.router.GET("/healthz", func(c *gin.Context) {
		st := s.plane.Status()
		code := http.StatusOK
		if st != types.StatusRunning {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": st})
	})

	s.router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.plane.Stats())
	})

	s.router.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.plane.Connections()})
	})

	s.router.GET("/plugins", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"plugins": s.plane.Plugins()})
	})

	s.router.GET("/plugins/:id", func(c *gin.Context) {
		info, ok := s.plane.Plugin(types.PluginID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "plugin not registered"})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	s.router.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": s.plane.Pending()})
	})
}

// Handler returns the admin router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "admin server already started")
	}

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", s.cfg.Address)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on "+s.cfg.Address, err)
	}

	s.listener = l
	s.done = make(chan struct{})
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server, done := s.server, s.done
	go func() {
		defer close(done)
		if err := server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server error", "error", err)
		}
	}()

	s.logger.Info("Admin server listening", "address", l.Addr().String(), "metrics_path", s.cfg.Path)
	return nil
}

// Addr returns the bound address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server, done := s.server, s.done
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	<-done
	if err != nil {
		return types.WrapError(types.ErrCodeCanceled, "admin server shutdown incomplete", err)
	}
	s.logger.Info("Admin server stopped")
	return nil
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", routePath(c),
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"bytes", c.Writer.Size(),
		}
		switch {
		case status >= 500:
			log.Error("HTTP request", args...)
		case status >= 400:
			log.Warn("HTTP request", args...)
		default:
			log.Debug("HTTP request", args...)
		}
	}
}

func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.HTTPRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath keeps label cardinality bounded: unmatched paths share one label
func routePath(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}
