package grpcserver

import (
	"context"
	"net"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/rzbill/flobuf/internal/harness"
)

// Server owns the gRPC server instance. It is a harness.Observer; pass it
// in harness.Options.Observers so health follows plugin states.
type Server struct {
	health *healthTracker
	grpc   *grpc.Server
	lis    net.Listener
}

var _ harness.Observer = (*Server)(nil)

// New constructs a gRPC server and registers the health and reflection
// services.
func New(opts ...grpc.ServerOption) *Server {
	s := &Server{health: newHealthTracker(), grpc: grpc.NewServer(opts...)}
	healthpb.RegisterHealthServer(s.grpc, s.health.srv)
	reflection.Register(s.grpc)
	return s
}

// PluginState updates the plugin's health service and the overall status.
func (s *Server) PluginState(name string, kind harness.Kind, state harness.State) {
	s.health.PluginState(name, kind, state)
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.srv.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.health.srv.Shutdown()
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
