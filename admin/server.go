// Package admin serves the gRPC health endpoint of the bot process.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reporting bootstrap state.
const ServiceName = "cogbot"

// Server exposes grpc.health.v1.Health. ServiceName stays NOT_SERVING until
// SetServing(true) is called.
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a server listening on addr once Serve is called.
func NewServer(addr string, opts ...grpc.ServerOption) *Server {
	s := &Server{
		addr:   addr,
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// SetServing reports whether the bot is ready for traffic.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	log.Info().Str("service", ServiceName).Str("status", status.String()).Msg("health status changed")
}

// Addr returns the bound address, or the configured one before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	return nil
}

// Serve serves until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	lis := s.listener
	s.mu.Unlock()
	if lis == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		lis = s.listener
	}

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	log.Info().Str("addr", lis.Addr().String()).Msg("admin server listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("admin: serve: %w", err)
	}
	return nil
}
