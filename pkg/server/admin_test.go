package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"extvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type fakeProber map[types.ExtensionClass]error

func (f fakeProber) ProbeNodes(ctx context.Context) map[types.ExtensionClass]error { return f }

func startAdmin(t *testing.T) (*AdminServer, healthpb.HealthClient) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	admin := NewAdminServer(nil)
	go admin.Serve(lis)
	t.Cleanup(admin.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return admin, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, c healthpb.HealthClient, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func TestAdmin_Health(t *testing.T) {
	admin, c := startAdmin(t)

	st, err := check(t, c, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	_, err = check(t, c, "pdf")
	assert.Equal(t, codes.NotFound, status.Code(err), "unregistered service")

	admin.SetServing("pdf", false)
	st, err = check(t, c, "pdf")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestAdmin_UpdateNodes(t *testing.T) {
	admin, c := startAdmin(t)

	admin.UpdateNodes(context.Background(), fakeProber{
		types.ClassA: nil,
		types.ClassB: errors.New("connection refused"),
	})

	st, err := check(t, c, types.ClassA.String())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, st)

	st, err = check(t, c, types.ClassB.String())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, st)
}

func TestAdmin_WatchNodesStopsOnCancel(t *testing.T) {
	admin, _ := startAdmin(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		admin.WatchNodes(ctx, fakeProber{types.ClassC: nil}, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WatchNodes did not return")
	}
}

func TestRPCGuard_RecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	g := rpcGuard{logger: slog.New(slog.NewTextHandler(&buf, nil))}
	ctx := context.Background()

	info := &grpc.UnaryServerInfo{FullMethod: "/test.Svc/Boom"}
	resp, err := g.recoverUnary(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
		panic("boom")
	})
	assert.Nil(t, resp)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.NotContains(t, err.Error(), "boom", "panic value stays in the log")
	assert.Contains(t, buf.String(), "/test.Svc/Boom")
	assert.Contains(t, buf.String(), "boom")

	resp, err = g.recoverUnary(ctx, nil, info, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	sinfo := &grpc.StreamServerInfo{FullMethod: "/test.Svc/Stream"}
	err = g.recoverStream(nil, nil, sinfo, func(srv any, ss grpc.ServerStream) error {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestAccessLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, accessLevel("/grpc.health.v1.Health/Check", codes.OK))
	assert.Equal(t, slog.LevelInfo, accessLevel("/grpc.reflection.v1.ServerReflection/ServerReflectionInfo", codes.OK))
	assert.Equal(t, slog.LevelWarn, accessLevel("/grpc.health.v1.Health/Check", codes.NotFound))
	assert.Equal(t, slog.LevelError, accessLevel("/test.Svc/Boom", codes.Internal))
}
