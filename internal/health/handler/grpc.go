// Package handler serves the standard gRPC health protocol for the gateway and worker.
package handler

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const pingTimeout = 2 * time.Second

// Pinger checks a dependency the process cannot serve without (e.g. the database).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server implements grpc.health.v1.Health. The overall status ("") and the named service both
// report NOT_SERVING while the pinger fails.
type Server struct {
	healthpb.UnimplementedHealthServer
	service string
	pinger  Pinger
}

// NewServer returns a health server for service. pinger may be nil, in which case the process is
// always SERVING.
func NewServer(service string, pinger Pinger) *Server {
	return &Server{service: service, pinger: pinger}
}

// Check returns the serving status for the requested service.
func (s *Server) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if name := req.GetService(); name != "" && name != s.service {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", name)
	}
	if s.pinger != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := s.pinger.Ping(pingCtx); err != nil {
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
