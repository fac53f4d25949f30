package healthprobe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/mri-check/internal/inference"
)

type stubChecker struct {
	status *inference.HealthStatus
	err    error
}

func (s *stubChecker) Health(ctx context.Context) (*inference.HealthStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.status, nil
}

func servingStatus(t *testing.T, hs *health.Server) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := hs.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	return resp.GetStatus()
}

func TestCheckPublishesBackendStatus(t *testing.T) {
	cases := []struct {
		name    string
		checker *stubChecker
		want    healthpb.HealthCheckResponse_ServingStatus
	}{
		{
			name:    "model loaded",
			checker: &stubChecker{status: &inference.HealthStatus{Status: "healthy", ModelLoaded: true}},
			want:    healthpb.HealthCheckResponse_SERVING,
		},
		{
			name:    "model missing",
			checker: &stubChecker{status: &inference.HealthStatus{Status: "healthy", ModelLoaded: false}},
			want:    healthpb.HealthCheckResponse_NOT_SERVING,
		},
		{
			name:    "unreachable",
			checker: &stubChecker{err: &inference.Error{Kind: inference.KindConnectivity, Message: inference.MsgConnectivity}},
			want:    healthpb.HealthCheckResponse_NOT_SERVING,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hs := health.NewServer()
			p := New(tc.checker, hs, time.Minute, zap.NewNop())

			if got := servingStatus(t, hs); got != healthpb.HealthCheckResponse_UNKNOWN {
				t.Fatalf("expected UNKNOWN before first check, got %s", got)
			}
			if got := p.Check(context.Background()); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if got := servingStatus(t, hs); got != tc.want {
				t.Fatalf("expected published %s, got %s", tc.want, got)
			}
		})
	}
}

func TestCheckTracksRecovery(t *testing.T) {
	checker := &stubChecker{err: errors.New("down")}
	hs := health.NewServer()
	p := New(checker, hs, time.Minute, zap.NewNop())

	p.Check(context.Background())
	checker.err = nil
	checker.status = &inference.HealthStatus{ModelLoaded: true}

	if got := p.Check(context.Background()); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING after recovery, got %s", got)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	hs := health.NewServer()
	p := New(&stubChecker{status: &inference.HealthStatus{ModelLoaded: true}}, hs, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for servingStatus(t, hs) != healthpb.HealthCheckResponse_SERVING {
		if time.Now().After(deadline) {
			t.Fatal("prober never published SERVING")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := servingStatus(t, hs); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after shutdown, got %s", got)
	}
}

func TestQueryOverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	hs := health.NewServer()
	srv := NewServer(hs)
	go srv.Serve(lis) //nolint:errcheck
	t.Cleanup(srv.Stop)

	New(&stubChecker{status: &inference.HealthStatus{ModelLoaded: true}}, hs, time.Minute, zap.NewNop()).
		Check(context.Background())

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Healthy(ctx, "bufnet", ServiceName, zap.NewNop(), dialer); err != nil {
		t.Fatalf("expected healthy, got %v", err)
	}

	if _, err := Query(ctx, "bufnet", "unknown-service", zap.NewNop(), dialer); err == nil {
		t.Fatal("expected error for unregistered service")
	}
}
