// Package status exposes a transport's liveness over the gRPC health
// protocol and its counters and profiling data on debug HTTP routes.
package status

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/projector/internal/monitoring"
	"github.com/banshee-data/projector/internal/projection/transport"
)

// DefaultPollInterval is how often the watcher probes the transport.
const DefaultPollInterval = time.Second

var logs = monitoring.NewStreams("[status] ")

// HealthServer reports SERVING for "projection.<transport>" while the
// transport's IsConnected probe passes.
type HealthServer struct {
	t        transport.Transport
	service  string
	interval time.Duration
	health   *health.Server

	last atomic.Int32
}

// NewHealthServer returns a server for t. The service starts NOT_SERVING
// until the first probe.
func NewHealthServer(t transport.Transport, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	h := &HealthServer{
		t:        t,
		service:  ServiceName(t.Capabilities().Name),
		interval: interval,
		health:   health.NewServer(),
	}
	h.last.Store(int32(healthpb.HealthCheckResponse_UNKNOWN))
	h.health.SetServingStatus(h.service, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// ServiceName returns the health service name for a transport.
func ServiceName(transportName string) string {
	return "projection." + transportName
}

// Service returns the health service name this server reports.
func (h *HealthServer) Service() string { return h.service }

// Register adds the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
}

// Check probes the transport once, updates the served status and returns
// whether the transport is connected.
func (h *HealthServer) Check() bool {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	ok := h.t.IsConnected()
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	if prev := h.last.Swap(int32(status)); prev != int32(status) {
		logs.Diagf("%s is %s", h.service, status)
	}
	h.health.SetServingStatus(h.service, status)
	return ok
}

// Run probes the transport every interval until ctx is done, then marks
// every service NOT_SERVING.
func (h *HealthServer) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	h.Check()
	for {
		select {
		case <-ctx.Done():
			h.health.Shutdown()
			return
		case <-t.C:
			h.Check()
		}
	}
}
