package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"extvault/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Prober 报告每个存储节点是否可达，gateway.Gateway 实现了它
type Prober interface {
	ProbeNodes(ctx context.Context) map[types.ExtensionClass]error
}

// AdminServer 暴露标准的 grpc.health.v1.Health 服务和 reflection
// service 名为 "" 表示进程本身，类别名 ("pdf"、"txt"、"zip") 表示对应的存储节点
type AdminServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewAdminServer 创建 admin 服务，进程本身初始为 SERVING
func NewAdminServer(logger *slog.Logger) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("server", "admin")
	s := grpc.NewServer(rpcGuard{logger: logger}.serverOptions()...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	// grpcurl / grpc_health_probe 调试用
	reflection.Register(s)

	return &AdminServer{grpc: s, health: hs, logger: logger}
}

// SetServing 设置某个 service 的状态
func (a *AdminServer) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	a.health.SetServingStatus(service, st)
}

// Serve 阻塞运行直到 Stop
func (a *AdminServer) Serve(lis net.Listener) error {
	a.logger.Info("listening", "addr", lis.Addr().String())
	if err := a.grpc.Serve(lis); err != nil {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Stop 把所有 service 标为 NOT_SERVING 并优雅停止
func (a *AdminServer) Stop() {
	a.health.Shutdown()
	a.grpc.GracefulStop()
}

// UpdateNodes 探测一次节点并更新状态
func (a *AdminServer) UpdateNodes(ctx context.Context, p Prober) {
	for class, err := range p.ProbeNodes(ctx) {
		if err != nil {
			a.logger.Warn("storage node unreachable", "class", class.String(), "err", err)
		}
		a.SetServing(class.String(), err == nil)
	}
}

// WatchNodes 按 interval 周期探测，直到 ctx 取消
func (a *AdminServer) WatchNodes(ctx context.Context, p Prober, interval time.Duration) {
	a.UpdateNodes(ctx, p)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.UpdateNodes(ctx, p)
		}
	}
}
