package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handlerFunc 把普通函数适配成 ConnHandler
type handlerFunc func(ctx context.Context, conn net.Conn)

func (f handlerFunc) ServeConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// echo 读一行，原样写回，然后关闭
var echo = handlerFunc(func(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return
	}
	io.WriteString(conn, line)
})

// startServer 在随机端口启动服务，返回地址和 Serve 的结果通道
func startServer(t *testing.T, cfg Config, h ConnHandler) (*TCPServer, string, context.CancelFunc, <-chan error) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	srv := NewTCPServer(cfg, h, nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, srv.Addr().String(), cancel, done
}

func roundTrip(t *testing.T, addr, msg string) (string, error) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, msg)
	require.NoError(t, err)
	b, err := io.ReadAll(conn)
	return string(b), err
}

func TestTCPServer_Echo(t *testing.T) {
	_, addr, _, _ := startServer(t, Config{}, echo)

	got, err := roundTrip(t, addr, "hello\n")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", got)

	// 每个连接独立
	got, err = roundTrip(t, addr, "again\n")
	require.NoError(t, err)
	assert.Equal(t, "again\n", got)
}

func TestTCPServer_PanicClosesOnlyThatConn(t *testing.T) {
	var calls atomic.Int32
	h := handlerFunc(func(ctx context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			bufio.NewReader(conn).ReadString('\n')
			panic("boom")
		}
		echo(ctx, conn)
	})
	_, addr, _, _ := startServer(t, Config{}, h)

	got, _ := roundTrip(t, addr, "first\n")
	assert.Empty(t, got, "panicking handler must not reply")

	got, err := roundTrip(t, addr, "second\n")
	require.NoError(t, err)
	assert.Equal(t, "second\n", got, "server keeps accepting after a panic")
}

func TestTCPServer_IdleTimeout(t *testing.T) {
	readErr := make(chan error, 1)
	h := handlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		_, err := io.ReadAll(conn)
		readErr <- err
	})
	_, addr, _, _ := startServer(t, Config{IdleTimeout: 50 * time.Millisecond}, h)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case err := <-readErr:
		var ne net.Error
		require.True(t, errors.As(err, &ne), "expected net.Error, got %v", err)
		assert.True(t, ne.Timeout())
	case <-time.After(5 * time.Second):
		t.Fatal("idle connection was never timed out")
	}
}

func TestTCPServer_CancelStopsServe(t *testing.T) {
	_, addr, cancel, done := startServer(t, Config{}, echo)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "listener must be closed")
}

func TestTCPServer_ShutdownForcesStuckConns(t *testing.T) {
	started := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		close(started)
		// 对端不写也不关，只能被 Shutdown 强制关闭
		io.Copy(io.Discard, conn)
	})
	srv, addr, _, _ := startServer(t, Config{}, h)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	<-started
	assert.Equal(t, 1, srv.ActiveConns())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = srv.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, srv.ActiveConns())
}

func TestTCPServer_ShutdownIdle(t *testing.T) {
	srv, _, _, _ := startServer(t, Config{}, echo)
	assert.NoError(t, srv.Shutdown(context.Background()))
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, newLimiter(0, 10), "zero rate disables limiting")
	assert.Nil(t, newLimiter(-1, 10))

	l := newLimiter(5, 0)
	require.NotNil(t, l)
	assert.Equal(t, 1, l.Burst())

	l = newLimiter(100, 20)
	assert.Equal(t, 20, l.Burst())
	assert.InDelta(t, 100, float64(l.Limit()), 0.001)
}

func TestTCPServer_AcceptRateLimited(t *testing.T) {
	_, addr, _, _ := startServer(t, Config{AcceptRate: 1000, AcceptBurst: 2}, echo)

	for i := 0; i < 4; i++ {
		got, err := roundTrip(t, addr, "x\n")
		require.NoError(t, err)
		assert.Equal(t, "x\n", got)
	}
}
