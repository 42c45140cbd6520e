package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

func startServer(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return healthpb.NewHealthClient(conn)
}

func TestHealth_ReflectsServingStatus(t *testing.T) {
	s := NewServer(zap.NewNop(), "worker")
	client := startServer(t, s)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "worker"})
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING before start, got %s", resp.Status)
	}

	s.SetServing("worker", true)
	for _, service := range []string{"worker", ""} {
		resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("health check of %q failed: %v", service, err)
		}
		if resp.Status != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("expected %q SERVING, got %s", service, resp.Status)
		}
	}

	s.SetServing("worker", false)
	resp, _ = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "worker"})
	if resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("expected NOT_SERVING after stop, got %s", resp.Status)
	}
}

func TestCorrelationInterceptor_EchoesID(t *testing.T) {
	s := NewServer(zap.NewNop(), "worker")
	client := startServer(t, s)

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-correlation-id", "abc-123")
	var header metadata.MD
	if _, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "worker"}, grpc.Header(&header)); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if got := header.Get("x-correlation-id"); len(got) != 1 || got[0] != "abc-123" {
		t.Errorf("expected correlation id echoed, got %v", got)
	}
}
