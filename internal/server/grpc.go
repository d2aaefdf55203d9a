// Package server builds the gRPC server both binaries expose for health checks.
package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	healthhandler "fleet-telemetry/backend/internal/health/handler"
)

// Deps holds optional dependencies for the gRPC services.
type Deps struct {
	// ServiceName is the name reported by the health service (e.g. fleet.gateway).
	ServiceName string
	// HealthPinger is used by the health service for readiness (e.g. the SQL store). If nil, Check skips the ping.
	HealthPinger healthhandler.Pinger
}

// NewGRPCServer returns a server traced through the global OTel providers.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	return grpc.NewServer(opts...)
}

// RegisterServices registers the gRPC services with s.
//
//   - grpc.health.v1.Health → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	healthpb.RegisterHealthServer(s, healthhandler.NewServer(deps.ServiceName, deps.HealthPinger))
}
