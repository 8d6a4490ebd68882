package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errPanicked 是 handler panic 之后返回给 gRPC 客户端的错误，不带 panic 内容
var errPanicked = status.Error(codes.Internal, "internal server error: panic recovered")

// rpcGuard 给 admin 端口上的每个调用加上 panic 保护和一条访问日志
type rpcGuard struct {
	logger *slog.Logger
}

func (g rpcGuard) serverOptions() []grpc.ServerOption {
	// 先保护再记录：panic 转成的 Internal 也会出现在访问日志里
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(g.recoverUnary, g.logUnary),
		grpc.ChainStreamInterceptor(g.recoverStream, g.logStream),
	}
}

// ---- 访问日志 ----

func (g rpcGuard) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	began := time.Now()
	resp, err := handler(ctx, req)
	g.access(ctx, info.FullMethod, false, began, err)
	return resp, err
}

func (g rpcGuard) logStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	began := time.Now()
	err := handler(srv, ss)
	g.access(ss.Context(), info.FullMethod, true, began, err)
	return err
}

func (g rpcGuard) access(ctx context.Context, method string, streaming bool, began time.Time, err error) {
	st := status.Convert(err)
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.Bool("stream", streaming),
		slog.String("code", st.Code().String()),
		slog.Duration("took", time.Since(began)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("reason", st.Message()))
	}
	g.logger.LogAttrs(ctx, accessLevel(method, st.Code()), "admin call", attrs...)
}

// accessLevel: 探针每隔几秒就来一次，成功的健康检查降到 Debug
func accessLevel(method string, code codes.Code) slog.Level {
	switch code {
	case codes.OK:
		if strings.HasPrefix(method, "/grpc.health.") {
			return slog.LevelDebug
		}
		return slog.LevelInfo
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// ---- panic 保护 ----

func (g rpcGuard) recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if logPanic(g.logger, info.FullMethod, recover()) {
			resp, err = nil, errPanicked
		}
	}()
	return handler(ctx, req)
}

func (g rpcGuard) recoverStream(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if logPanic(g.logger, info.FullMethod, recover()) {
			err = errPanicked
		}
	}()
	return handler(srv, ss)
}

// logPanic 在 p 非空时记下 panic 值和堆栈，返回是否发生了 panic
// 必须在 defer 里以 logPanic(logger, where, recover()) 的形式调用
// TCP 连接也用它，where 是连接名
func logPanic(logger *slog.Logger, where string, p any) bool {
	if p == nil {
		return false
	}
	logger.Error("🔥 handler panicked",
		slog.String("where", where),
		slog.Any("panic", p),
		slog.String("stack", string(debug.Stack())),
	)
	return true
}
