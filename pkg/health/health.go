// Package health exposes the broker state through the gRPC health
// checking protocol. The empty service name reports the broker itself;
// every peer is reported as "peer/<routing-id>", or "peer/<host:port>"
// while its routing id is still unknown.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/broker"
	"github.com/abboe/broker/pkg/types"
)

// PeerServicePrefix prefixes the service name of every peer
const PeerServicePrefix = "peer/"

// DefaultRefreshInterval is how often statuses are recomputed without a
// peer state change
const DefaultRefreshInterval = 5 * time.Second

// Source is the broker state the health server reports
type Source interface {
	IsShuttingDown() bool
	Peers() []broker.PeerInfo
}

// PeerService returns the health service name of a peer
func PeerService(p broker.PeerInfo) string {
	if p.RoutingID != "" {
		return PeerServicePrefix + p.RoutingID
	}
	return PeerServicePrefix + p.Address
}

// Server implements grpc_health_v1.HealthServer on top of a Source
type Server struct {
	grpc_health_v1.UnimplementedHealthServer
	source   Source
	logger   *logger.Logger
	interval time.Duration

	mu       sync.RWMutex
	statuses map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	shutdown bool

	poke chan struct{}
	grpc *grpc.Server
}

// NewServer creates a health server. A non-positive interval selects
// DefaultRefreshInterval.
func NewServer(source Source, interval time.Duration, log *logger.Logger) (*Server, error) {
	if source == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "health source is nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	s := &Server{
		source:   source,
		logger:   log.With("component", "health_server"),
		interval: interval,
		statuses: map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
			"": grpc_health_v1.HealthCheckResponse_SERVING,
		},
		poke: make(chan struct{}, 1),
	}
	s.Refresh()
	return s, nil
}

// ObservePeer is a broker.PeerStateObserver. It only schedules a refresh
// since observers run under the peer's lock.
func (s *Server) ObservePeer(peer string, from, to broker.PeerState) {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// Refresh recomputes every status from the source
func (s *Server) Refresh() {
	statuses := map[string]grpc_health_v1.HealthCheckResponse_ServingStatus{
		"": grpc_health_v1.HealthCheckResponse_SERVING,
	}
	if s.source.IsShuttingDown() {
		statuses[""] = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	for _, p := range s.source.Peers() {
		st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if p.State == broker.PeerConnected {
			st = grpc_health_v1.HealthCheckResponse_SERVING
		}
		statuses[PeerService(p)] = st
	}

	s.mu.Lock()
	changed := len(statuses) != len(s.statuses)
	for name, st := range statuses {
		if old, ok := s.statuses[name]; !ok || old != st {
			changed = true
			break
		}
	}
	s.statuses = statuses
	s.mu.Unlock()

	if changed {
		s.logger.Debug("Health statuses updated", "services", len(statuses))
	}
}

// Run refreshes the statuses on peer changes and on every interval until
// ctx is done
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-s.poke:
		case <-ctx.Done():
			return
		}
		s.Refresh()
	}
}

// Check implements the health check RPC. Unknown service names other
// than "" are answered with NOT_FOUND.
func (s *Server) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.shutdown {
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}
	st, ok := s.statuses[req.Service]
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown service")
	}
	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch sends the current status once and closes the stream
func (s *Server) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: s.GetStatus(req.Service)})
}

// GetStatus returns the status of a service. Unknown services report
// SERVICE_UNKNOWN.
func (s *Server) GetStatus(service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	st, ok := s.statuses[service]
	if !ok {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return st
}

// GetAllStatuses returns a copy of all service statuses
func (s *Server) GetAllStatuses() map[string]grpc_health_v1.HealthCheckResponse_ServingStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus, len(s.statuses))
	for k, v := range s.statuses {
		out[k] = v
	}
	return out
}

// Serve registers the health service on a new gRPC server and serves lis
// until Stop. It blocks.
func (s *Server) Serve(lis net.Listener) error {
	gs := grpc.NewServer(serverOptions(s.logger)...)
	grpc_health_v1.RegisterHealthServer(gs, s)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "health server is stopped")
	}
	s.grpc = gs
	s.mu.Unlock()

	s.logger.Info("Health endpoint listening", "address", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return types.WrapError(types.ErrCodeUnavailable, "health endpoint failed", err)
	}
	return nil
}

// ListenAndServe binds address and serves it
func (s *Server) ListenAndServe(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen for health checks", err)
	}
	return s.Serve(lis)
}

// Stop reports NOT_SERVING from now on and stops the gRPC server
func (s *Server) Stop() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	gs := s.grpc
	s.mu.Unlock()

	if gs != nil {
		gs.GracefulStop()
	}
	s.logger.Info("Health server stopped")
}
