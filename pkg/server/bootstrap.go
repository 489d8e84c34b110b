package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/baaaht/msgplane/internal/config"
	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/admin"
	"github.com/baaaht/msgplane/pkg/bridge"
	healthgrpc "github.com/baaaht/msgplane/pkg/grpc"
	"github.com/baaaht/msgplane/pkg/ipc"
	"github.com/baaaht/msgplane/pkg/metrics"
	"github.com/baaaht/msgplane/pkg/store"
	"github.com/baaaht/msgplane/pkg/types"
)

// DefaultVersion is the version reported when none is injected at build time
const DefaultVersion = "0.1.0"

// BootstrapConfig contains configuration for the bootstrap process
type BootstrapConfig struct {
	Config  *config.Config
	Logger  *logger.Logger
	Version string
}

// BootstrapResult contains the result of a bootstrap operation
type BootstrapResult struct {
	Plane     *Plane
	StartedAt time.Time
	Version   string
	Error     error
}

// Plane is a running message plane with its optional servers
type Plane struct {
	cfg      *config.Config
	logger   *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *store.Store
	broker   *ipc.Broker
	mirror   *bridge.Mirror
	health   *healthgrpc.Server
	admin    *admin.Server

	mu     sync.Mutex
	closed bool
}

// Bootstrap builds every component from the configuration and starts them.
// The health service reports SERVING only once all of them are up. Any
// failure stops what was already started and is returned.
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	startedAt := time.Now()
	result := &BootstrapResult{StartedAt: startedAt, Version: cfg.Version}
	if result.Version == "" {
		result.Version = DefaultVersion
	}

	fail := func(p *Plane, err error) (*BootstrapResult, error) {
		if p != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = p.Close(stopCtx)
		}
		result.Error = err
		return result, err
	}

	if cfg.Config == nil {
		return fail(nil, types.NewError(types.ErrCodeInvalidArgument, "config cannot be nil"))
	}
	if err := cfg.Config.Validate(); err != nil {
		return fail(nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err))
	}

	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logger.New(cfg.Config.Logging)
		if err != nil {
			return fail(nil, types.WrapError(types.ErrCodeInternal, "failed to create logger", err))
		}
	}

	p := &Plane{
		cfg:      cfg.Config,
		logger:   log.With("component", "plane"),
		registry: prometheus.NewRegistry(),
	}
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	if p.metrics, err = metrics.New(p.registry); err != nil {
		return fail(nil, types.WrapError(types.ErrCodeInternal, "failed to register metrics", err))
	}
	if p.store, err = store.New(cfg.Config.Store, log); err != nil {
		return fail(nil, types.WrapError(types.ErrCodeInternal, "failed to create store", err))
	}

	limits := ipc.LimitsFor(cfg.Config.Transport)
	opts := []ipc.Option{ipc.WithMetrics(p.metrics)}
	if cfg.Config.Bridge.Enabled {
		if p.mirror, err = bridge.Connect(ctx, cfg.Config.Bridge, limits, p.metrics, log); err != nil {
			return fail(p, err)
		}
		opts = append(opts, ipc.WithMirror(p.mirror))
	}

	if cfg.Config.Health.Enabled {
		if p.health, err = healthgrpc.NewServer(cfg.Config.Health.Address, log); err != nil {
			return fail(p, err)
		}
		if err := p.health.Start(ctx); err != nil {
			return fail(p, err)
		}
	}

	if p.broker, err = ipc.New(cfg.Config, p.store, log, opts...); err != nil {
		return fail(p, types.WrapError(types.ErrCodeInternal, "failed to create broker", err))
	}
	if err := p.broker.Start(ctx); err != nil {
		return fail(p, err)
	}

	if cfg.Config.Metrics.Enabled {
		if p.admin, err = admin.New(cfg.Config.Metrics, p.broker, p.registry, p.metrics, log); err != nil {
			return fail(p, err)
		}
		if err := p.admin.Start(ctx); err != nil {
			return fail(p, err)
		}
	}

	if p.health != nil {
		p.health.Health().SetServing()
	}

	result.Plane = p
	p.logger.Info("Message plane bootstrapped successfully",
		"version", result.Version,
		"endpoints", p.broker.Endpoints(),
		"websocket", p.broker.WebSocketURL(),
		"duration", time.Since(startedAt).String())
	return result, nil
}

// Close runs the drain sequence: health goes NOT_SERVING, the broker stops
// its listeners and drains every connection, then the admin server, the
// health server and the mirror stop. ctx bounds the whole sequence.
func (p *Plane) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var errs []error
	if p.health != nil {
		p.health.Health().Shutdown()
	}
	if p.broker != nil {
		if err := p.broker.Shutdown(ctx); err != nil && !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
	}
	if p.admin != nil {
		if err := p.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	if p.health != nil {
		if err := p.health.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	if p.mirror != nil {
		if err := p.mirror.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mirror: %w", err))
		}
	}

	if len(errs) > 0 {
		p.logger.Error("Message plane closed with errors", "error", errors.Join(errs...))
		return errors.Join(errs...)
	}
	p.logger.Info("Message plane closed")
	return nil
}

// Wait blocks until the broker's listeners stop
func (p *Plane) Wait() error {
	return p.broker.Wait()
}

// Broker returns the connection broker
func (p *Plane) Broker() *ipc.Broker { return p.broker }

// Store returns the routing store
func (p *Plane) Store() *store.Store { return p.store }

// Registry returns the Prometheus registry backing the metrics route
func (p *Plane) Registry() *prometheus.Registry { return p.registry }

// Health returns the gRPC health server, or nil when disabled
func (p *Plane) Health() *healthgrpc.Server { return p.health }

// Admin returns the admin HTTP server, or nil when disabled
func (p *Plane) Admin() *admin.Server { return p.admin }

// Mirror returns the NATS publish mirror, or nil when disabled
func (p *Plane) Mirror() *bridge.Mirror { return p.mirror }

// Logger returns the plane's logger
func (p *Plane) Logger() *logger.Logger { return p.logger }

// String returns a string representation of the bootstrap result
func (r *BootstrapResult) String() string {
	if r.Error != nil {
		return fmt.Sprintf("BootstrapResult{version: %s, error: %v}", r.Version, r.Error)
	}
	return fmt.Sprintf("BootstrapResult{version: %s, started_at: %s, plane: %v}",
		r.Version, r.StartedAt.Format(time.RFC3339), r.Plane != nil)
}

// IsSuccessful returns true if the bootstrap was successful
func (r *BootstrapResult) IsSuccessful() bool {
	return r.Error == nil && r.Plane != nil
}
