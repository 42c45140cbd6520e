// Package grpc hosts the gRPC surface of the background processes: the
// standard health service, reflection and a correlation-aware logging
// interceptor.
package grpc

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/spbu-ds-practicum-2025/transaction-platform/internal/correlation"
)

// Server wraps a grpc.Server with its health service.
type Server struct {
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer creates a gRPC server with health and reflection registered.
// Every listed service starts NOT_SERVING.
func NewServer(logger *zap.Logger, services ...string) *Server {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024 * 4), // 4MB max receive message size
		grpc.MaxSendMsgSize(1024 * 1024 * 4), // 4MB max send message size
		grpc.ChainUnaryInterceptor(CorrelationInterceptor(logger)),
	}

	s := &Server{
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	reflection.Register(s.srv)

	for _, name := range services {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return s
}

// Register exposes the underlying server for additional services.
func (s *Server) Register(fn func(*grpc.Server)) { fn(s.srv) }

// SetServing flips the health status of service (and the overall "" status).
func (s *Server) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, st)
	s.health.SetServingStatus("", st)
}

// Serve accepts connections on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(lis) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			s.srv.Stop()
		}
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.logger.Info("gRPC server listening", zap.String("addr", addr))
	return s.Serve(ctx, lis)
}

// CorrelationInterceptor resolves the correlation id from request metadata
// and logs every call with it.
func CorrelationInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	key := strings.ToLower(correlation.HeaderName)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		id := correlation.Resolve(md.Get(key))
		ctx = correlation.WithID(ctx, id)
		grpc.SetHeader(ctx, metadata.Pairs(key, id))

		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
			zap.String("correlation_id", id),
		)
		return resp, err
	}
}
