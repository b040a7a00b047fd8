package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpSettle/internal/observability"
)

// ServiceName is the gRPC health service name of the settlement engine.
const ServiceName = "perpsettle.v1.Settlement"

// GRPCServer serves the standard gRPC health service, mirroring the HTTP
// readiness checks, plus reflection for grpcurl / grpcui.
type GRPCServer struct {
	grpcServer    *grpc.Server
	health        *health.Server
	grpcAddr      string
	healthChecker *observability.HealthChecker
	pollInterval  time.Duration
	log           zerolog.Logger
}

func NewGRPCServer(grpcAddr string, checker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		health:        healthServer,
		grpcAddr:      grpcAddr,
		healthChecker: checker,
		pollInterval:  5 * time.Second,
		log:           logger,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go s.watchReadiness(ctx)
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// watchReadiness copies the health checker's readiness into the gRPC
// serving status until ctx is done.
func (s *GRPCServer) watchReadiness(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.syncHealth(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) syncHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.healthChecker != nil && !s.healthChecker.IsReady(ctx) {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
