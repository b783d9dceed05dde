package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type switchPinger struct {
	mu  sync.Mutex
	err error
}

func (pinger *switchPinger) Ping(context.Context) error {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	return pinger.err
}

func (pinger *switchPinger) fail(err error) {
	pinger.mu.Lock()
	defer pinger.mu.Unlock()
	pinger.err = err
}

func dialHealth(test *testing.T, server *HealthServer) healthpb.HealthClient {
	test.Helper()
	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	server.Register(grpcServer)
	go func() { _ = grpcServer.Serve(listener) }()
	test.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		test.Fatalf("dial: %v", err)
	}
	test.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func checkStatus(test *testing.T, client healthpb.HealthClient) healthpb.HealthCheckResponse_ServingStatus {
	test.Helper()
	response, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		test.Fatalf("health check: %v", err)
	}
	return response.GetStatus()
}

func TestRefreshTracksStoreReachability(test *testing.T) {
	test.Parallel()
	pinger := &switchPinger{}
	server, err := NewHealthServer(pinger, 0, nil)
	if err != nil {
		test.Fatalf("health server init: %v", err)
	}
	client := dialHealth(test, server)

	if status := checkStatus(test, client); status != healthpb.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING before the first refresh, got %s", status)
	}
	server.Refresh(context.Background())
	if status := checkStatus(test, client); status != healthpb.HealthCheckResponse_SERVING {
		test.Fatalf("expected SERVING, got %s", status)
	}
	pinger.fail(errors.New("connection refused"))
	server.Refresh(context.Background())
	if status := checkStatus(test, client); status != healthpb.HealthCheckResponse_NOT_SERVING {
		test.Fatalf("expected NOT_SERVING after a failed refresh, got %s", status)
	}
}

func TestNewHealthServerRequiresPinger(test *testing.T) {
	test.Parallel()
	if _, err := NewHealthServer(nil, 0, nil); err == nil {
		test.Fatalf("expected nil pinger to fail")
	}
}
