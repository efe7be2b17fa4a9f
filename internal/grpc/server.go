package grpc

import (
	"fmt"
	"net"

	"ai-chat-sessions/backend/pkg/health"
	"ai-chat-sessions/backend/pkg/logger"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall ("") status
const ServiceName = "chat.sessions"

// Server exposes grpc.health.v1 backed by the health checker
type Server struct {
	server *grpc.Server
	health *grpchealth.Server
	log    *logger.Logger
}

// NewServer creates a gRPC server whose serving status follows checker
func NewServer(checker *health.Checker, log *logger.Logger) *Server {
	if log == nil {
		log = logger.GetGlobal()
	}

	s := &Server{
		server: grpc.NewServer(),
		health: grpchealth.NewServer(),
		log:    log,
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	s.SetServing(checker.IsSystemHealthy())
	checker.OnChange(s.SetServing)

	return s
}

// SetServing updates the reported status of the server and the chat service
func (s *Server) SetServing(healthy bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on the given port and serves
func (s *Server) ListenAndServe(port string) error {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", port, err)
	}
	return s.Serve(lis)
}

// Stop marks every service as not serving and drains in-flight calls
func (s *Server) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
