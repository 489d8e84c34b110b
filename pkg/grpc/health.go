package grpc

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/baaaht/msgplane/internal/logger"
	"github.com/baaaht/msgplane/pkg/types"
)

// PlaneService is the health service name of the message plane
const PlaneService = "msgplane.Plane"

// HealthServer implements the gRPC health checking protocol
// See https://github.com/grpc/grpc/blob/master/doc/health-checking.md
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}
	shutdown bool
}

// NewHealthServer creates a health server knowing the overall service "" and
// PlaneService, both NOT_SERVING until the plane reports it is up
func NewHealthServer(log *logger.Logger) (*HealthServer, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	hs := &HealthServer{
		logger: log.With("component", "health_server"),
		statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			"":           grpc_health_v1.HealthCheckResponse_NOT_SERVING,
			PlaneService: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		},
		watchers: make(map[string]map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{}),
	}
	return hs, nil
}

// Check implements the health check RPC
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.shutdown {
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}

	servingStatus, exists := s.statuses[req.Service]
	if !exists {
		s.logger.Debug("Health check for unknown service", "service", req.Service)
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return &grpc_health_v1.HealthCheckResponse{Status: servingStatus}, nil
}

// Watch sends the current status of the service and then every change
// until the client goes away. Unknown services report SERVICE_UNKNOWN.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	service := req.Service
	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	s.mu.Lock()
	current := s.getStatus(service)
	if s.watchers[service] == nil {
		s.watchers[service] = make(map[chan grpc_health_v1.HealthCheckResponse_ServingStatus]struct{})
	}
	s.watchers[service][updates] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers[service], updates)
		s.mu.Unlock()
	}()

	last := current
	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}

	for {
		select {
		case next := <-updates:
			if next == last {
				continue
			}
			last = next
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: next}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return status.Error(codes.Canceled, "stream has ended")
		}
	}
}

// SetServingStatus sets the status of service and notifies its watchers
func (s *HealthServer) SetServingStatus(service string, servingStatus grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		s.logger.Debug("Ignoring status update after shutdown", "service", service)
		return
	}

	old := s.statuses[service]
	s.statuses[service] = servingStatus
	s.notify(service, servingStatus)

	s.logger.Info("Health status updated",
		"service", service,
		"old_status", old.String(),
		"new_status", servingStatus.String())
}

// SetServing marks the plane and the overall server SERVING
func (s *HealthServer) SetServing() {
	s.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.SetServingStatus(PlaneService, grpc_health_v1.HealthCheckResponse_SERVING)
}

// Shutdown reports NOT_SERVING for every service from now on
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true
	for service := range s.statuses {
		s.statuses[service] = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		s.notify(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	s.logger.Info("Health server shutdown")
}

// GetStatus returns the current serving status for a service
func (s *HealthServer) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStatus(service)
}

// IsServing returns true if the service is currently SERVING
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}

// getStatus must be called with the lock held
func (s *HealthServer) getStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	st, exists := s.statuses[service]
	if !exists {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return st
}

// notify must be called with the write lock held. A watcher that has not
// consumed its previous update gets the newest status instead.
func (s *HealthServer) notify(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	for ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
