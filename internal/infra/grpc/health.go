package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name clients probe for the chat core.
const ServiceName = "supportchat.Chat"

// Server exposes the standard gRPC health protocol for the process,
// reporting SERVING while the readiness check passes.
type Server struct {
	Addr     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Logger   *slog.Logger

	grpc   *grpc.Server
	health *health.Server
}

func NewServer(addr string, check func(ctx context.Context) error, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Addr:     addr,
		Check:    check,
		Interval: 5 * time.Second,
		Logger:   logger,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve listens on Addr and blocks until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, lis)
}

func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	go s.probe(ctx)
	go func() {
		<-ctx.Done()
		s.Logger.Info("shutting down grpc server")
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	s.Logger.Info("grpc health server starting", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) probe(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		s.refresh(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	if s.Check == nil {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Check(checkCtx); err != nil {
		if ctx.Err() == nil {
			s.Logger.Warn("readiness check failed", "error", err)
		}
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
