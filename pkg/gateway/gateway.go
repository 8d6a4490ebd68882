package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"extvault/pkg/meta"
	"extvault/pkg/node"
	"extvault/pkg/protocol"
	"extvault/pkg/types"
)

// Dialer 打开到存储节点的出站连接
// 测试里用 spy 替换，验证被拒绝的命令不会产生任何网络调用
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Journal 是 store-forward-purge 的状态日志，*meta.Repository 实现了它
type Journal interface {
	Begin(ctx context.Context, t *meta.Transfer) error
	Advance(ctx context.Context, id string, from, to meta.TransferState) error
	RecordFailure(ctx context.Context, id string, cause error) error
	Pending(ctx context.Context) ([]meta.Transfer, error)
	PendingFor(ctx context.Context, fileName, remoteDest string) ([]meta.Transfer, error)
}

// Config 是网关的静态配置
type Config struct {
	// Routes 在构造时注入，之后不再改变
	Routes   types.RouteTable
	Protocol protocol.Options
	// DialTimeout 为 0 表示不限时
	DialTimeout time.Duration
}

// Gateway 是客户端的唯一入口
// 本地类别 (.c) 交给进程内的 node.Handler，其余类别转发给对应的存储节点
type Gateway struct {
	cfg     Config
	local   *node.Handler
	dialer  Dialer
	journal Journal
	logger  *slog.Logger
}

// Option 配置可选依赖
type Option func(*Gateway)

// WithDialer 替换出站连接的拨号器
func WithDialer(d Dialer) Option {
	return func(g *Gateway) { g.dialer = d }
}

// WithJournal 打开上传日志，转发失败的文件可以被 Sweep 恢复
func WithJournal(j Journal) Option {
	return func(g *Gateway) { g.journal = j }
}

// WithLogger 设置 logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New 组装网关；local 必须是 ClassLocal 的 Handler，它的标记就是网关的虚拟根
func New(cfg Config, local *node.Handler, opts ...Option) (*Gateway, error) {
	if local == nil || local.Class() != types.ClassLocal {
		return nil, fmt.Errorf("gateway needs a %s handler", types.ClassLocal)
	}
	g := &Gateway{
		cfg:    cfg,
		local:  local,
		dialer: &net.Dialer{Timeout: cfg.DialTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway", "marker", local.Marker())
	return g, nil
}

// Marker 返回网关的虚拟根标记 (例如 "~S1")
func (g *Gateway) Marker() string { return g.local.Marker() }

// Routes 返回注入的路由表
func (g *Gateway) Routes() types.RouteTable { return g.cfg.Routes }

// =============================================================================
// 连接循环
// =============================================================================

// ServeConn 在一个客户端连接上循环处理命令，直到对端关闭
// AwaitCommand -> Dispatch -> AwaitCommand
func (g *Gateway) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	g.logger.Debug("client connected", "remote", remote)
	defer g.logger.Debug("client disconnected", "remote", remote)

	wire := protocol.NewWire(conn, g.cfg.Protocol)
	for {
		cmd, err := wire.ReadCommand()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil && !errors.Is(err, protocol.ErrMalformedCommand) {
			// 读失败等同于连接断开
			g.logger.Warn("read command failed", "remote", remote, "err", err)
			return
		}

		start := time.Now()
		if err != nil {
			err = reply(wire, err)
		} else {
			err = g.dispatch(ctx, wire, cmd)
		}
		g.logCommand(remote, cmd, time.Since(start), err)
	}
}

func (g *Gateway) dispatch(ctx context.Context, wire *protocol.Wire, cmd protocol.Command) error {
	switch cmd.Verb {
	case types.VerbUpload:
		return g.handleUpload(ctx, wire, cmd.Arg1, types.LogicalPath(cmd.Arg2))
	case types.VerbDownload:
		return g.handleDownload(ctx, wire, types.LogicalPath(cmd.Arg1))
	case types.VerbRemove:
		return g.handleRemove(ctx, wire, types.LogicalPath(cmd.Arg1))
	case types.VerbArchive:
		return g.handleArchive(ctx, wire, cmd.Arg1)
	case types.VerbList:
		return g.handleList(ctx, wire, types.LogicalPath(cmd.Arg1))
	default:
		return reply(wire, protocol.ErrMalformedCommand)
	}
}

// reply 把错误发给客户端，返回原始错误用于日志
func reply(wire *protocol.Wire, err error) error {
	if werr := wire.WriteError(err); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

// route 查找类别对应的存储节点
func (g *Gateway) route(class types.ExtensionClass) (types.Route, error) {
	r, ok := g.cfg.Routes.Lookup(class)
	if !ok {
		return types.Route{}, fmt.Errorf("%w: no route for %s", protocol.ErrNodeUnreachable, class)
	}
	return r, nil
}

// target 查找路由并在拨号前检查路径，逃出根目录的路径不会发到节点
func (g *Gateway) target(class types.ExtensionClass, p types.LogicalPath) (types.Route, error) {
	if _, err := protocol.Relative(p, g.Marker()); err != nil {
		return types.Route{}, err
	}
	return g.route(class)
}

// rewrite 把网关标记换成目标节点的标记
func (g *Gateway) rewrite(p types.LogicalPath, r types.Route) types.LogicalPath {
	return protocol.RewritePath(p, g.Marker(), r.Marker)
}

func (g *Gateway) logCommand(remote string, cmd protocol.Command, dur time.Duration, err error) {
	level := slog.LevelInfo
	if err != nil {
		// 路由拒绝、找不到文件是 Warn，I/O 失败是 Error
		level = slog.LevelWarn
		if protocol.KindOf(err) == protocol.KindIO {
			level = slog.LevelError
		}
	}
	g.logger.Log(context.Background(), level, "gateway command",
		slog.String("remote", remote),
		slog.String("verb", string(cmd.Verb)),
		slog.String("arg", cmd.Arg1),
		slog.Duration("dur", dur),
		slog.String("err", errToString(err)),
	)
}

func errToString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
