package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"extvault/pkg/config"
	"extvault/pkg/gateway"
	"extvault/pkg/ignore"
	"extvault/pkg/meta"
	"extvault/pkg/node"
	"extvault/pkg/protocol"
	"extvault/pkg/server"
	"extvault/pkg/storage"
	"extvault/pkg/storage/cache"
	"extvault/pkg/storage/disk"
	"extvault/pkg/storage/s3"
	"extvault/pkg/types"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// 进程角色
const (
	RoleGateway = "gateway"
	RoleNode    = "node"
	RoleAll     = "all"
)

// shutdownTimeout 是优雅退出时等待活跃连接的上限
const shutdownTimeout = 10 * time.Second

// App 是整个应用程序的依赖容器 (Dependency Container)
// 它遵循 Viper 的配置，但不知道具体的 CLI 命令
type App struct {
	Protocol protocol.Options
	Logger   *slog.Logger

	// Journal 为 nil 表示 journal.driver = none
	Journal *meta.Repository

	closers []io.Closer
}

// NewApp 组装共享依赖：日志、协议配置、上传日志
func NewApp() (*App, error) {
	// 1. 日志
	logger, err := NewLogger(viper.GetString("log.level"), viper.GetString("log.format"), nil)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	// 2. 协议
	opts, err := config.ProtocolOptions()
	if err != nil {
		return nil, err
	}

	return &App{Protocol: opts, Logger: logger}, nil
}

// OpenJournal 按配置打开上传日志，只有网关需要
func (a *App) OpenJournal(ctx context.Context) error {
	db, err := initJournal(ctx)
	if err != nil {
		return fmt.Errorf("failed to init journal: %w", err)
	}
	if db == nil {
		a.Logger.Warn("journal disabled, failed forwards will not be retried")
		return nil
	}
	a.closers = append(a.closers, db)
	a.Journal = meta.NewRepository(db)
	return nil
}

// Close 释放数据库、redis 等连接
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// =============================================================================
// 组装
// =============================================================================

// NodeHandler 创建某个类别的 Handler
// ClassLocal 使用 gateway.* 配置，其余类别使用 nodes.<class>.*
func (a *App) NodeHandler(ctx context.Context, class types.ExtensionClass) (*node.Handler, error) {
	prefix := nodeKey(class)
	root := viper.GetString(prefix + ".root")
	marker := viper.GetString(prefix + ".marker")
	if root == "" || marker == "" {
		return nil, fmt.Errorf("%s: root and marker must be set", prefix)
	}

	store, err := a.initStore(ctx, strings.TrimPrefix(marker, "~"), root)
	if err != nil {
		return nil, fmt.Errorf("failed to init storage for %s: %w", class, err)
	}

	// S3 后端没有本地根目录，只用默认规则
	ignoreRoot := root
	if viper.GetString("storage.type") == "s3" {
		ignoreRoot = ""
	}
	matcher, err := ignore.NewMatcher(ignoreRoot, viper.GetStringSlice("ignore.patterns")...)
	if err != nil {
		return nil, fmt.Errorf("failed to load ignore rules: %w", err)
	}

	cfg := node.Config{Class: class, Marker: marker, Protocol: a.Protocol}
	return node.NewHandler(cfg, store, matcher, a.Logger), nil
}

// Gateway 创建网关，本地 .c 处理器和路由表都来自配置
func (a *App) Gateway(ctx context.Context) (*gateway.Gateway, error) {
	local, err := a.NodeHandler(ctx, types.ClassLocal)
	if err != nil {
		return nil, err
	}
	routes, err := Routes()
	if err != nil {
		return nil, err
	}

	opts := []gateway.Option{gateway.WithLogger(a.Logger)}
	if a.Journal != nil {
		opts = append(opts, gateway.WithJournal(a.Journal))
	}
	cfg := gateway.Config{
		Routes:      routes,
		Protocol:    a.Protocol,
		DialTimeout: viper.GetDuration("gateway.dial_timeout"),
	}
	return gateway.New(cfg, local, opts...)
}

// Routes 从 nodes.* 读取静态路由表
func Routes() (types.RouteTable, error) {
	var routes []types.Route
	for _, class := range types.RoutedClasses {
		prefix := nodeKey(class)
		addr, err := types.ParseNodeAddress(viper.GetString(prefix + ".addr"))
		if err != nil {
			return types.RouteTable{}, fmt.Errorf("%s.addr: %w", prefix, err)
		}
		routes = append(routes, types.Route{Class: class, Addr: addr, Marker: viper.GetString(prefix + ".marker")})
	}
	return types.NewRouteTable(routes...), nil
}

func nodeKey(class types.ExtensionClass) string {
	if class == types.ClassLocal {
		return "gateway"
	}
	return "nodes." + class.String()
}

func (a *App) tcpServer(name, addr string, h server.ConnHandler) *server.TCPServer {
	cfg := server.Config{
		Name:        name,
		Addr:        addr,
		AcceptRate:  viper.GetFloat64("server.accept_rate"),
		AcceptBurst: viper.GetInt("server.accept_burst"),
		IdleTimeout: viper.GetDuration("server.idle_timeout"),
	}
	return server.NewTCPServer(cfg, h, a.Logger)
}

// =============================================================================
// 运行
// =============================================================================

// Run 按角色启动服务，阻塞到 ctx 取消或任一服务失败
// role = node 时 class 指定节点类别 ("pdf"、"txt"、"zip")
func (a *App) Run(ctx context.Context, role, class string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if err := a.start(ctx, g, role, class); err != nil {
		// 已经启动的服务也要停下来
		cancel()
		_ = g.Wait()
		return err
	}
	return g.Wait()
}

func (a *App) start(ctx context.Context, g *errgroup.Group, role, class string) error {
	var gw *gateway.Gateway
	switch role {
	case RoleGateway, RoleAll:
		if err := a.OpenJournal(ctx); err != nil {
			return err
		}
		var err error
		if gw, err = a.Gateway(ctx); err != nil {
			return err
		}
		if role == RoleAll {
			for _, c := range types.RoutedClasses {
				if err := a.serveNode(ctx, g, c); err != nil {
					return err
				}
			}
		}

		// 上次遗留的上传在接受新连接之前处理完，不会和新上传抢同一条记录
		if a.Journal != nil {
			a.sweep(ctx, gw, 0)
		}
		if err := a.serveTCP(ctx, g, a.tcpServer("gateway", viper.GetString("gateway.addr"), gw)); err != nil {
			return err
		}
		g.Go(func() error { return a.sweepLoop(ctx, gw) })
	case RoleNode:
		c := types.ParseClass(class)
		if c == types.ClassUnknown || c == types.ClassLocal {
			return fmt.Errorf("--class must be one of pdf, txt, zip (got %q)", class)
		}
		if err := a.serveNode(ctx, g, c); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown role %q", role)
	}

	if addr := viper.GetString("admin.addr"); addr != "" {
		return a.serveAdmin(ctx, g, addr, gw)
	}
	return nil
}

func (a *App) serveNode(ctx context.Context, g *errgroup.Group, class types.ExtensionClass) error {
	h, err := a.NodeHandler(ctx, class)
	if err != nil {
		return err
	}
	return a.serveTCP(ctx, g, a.tcpServer("node-"+class.String(), viper.GetString(nodeKey(class)+".addr"), h))
}

// serveTCP 先同步绑定端口，再运行 accept 循环，ctx 取消后等待活跃连接结束
func (a *App) serveTCP(ctx context.Context, g *errgroup.Group, srv *server.TCPServer) error {
	if err := srv.Listen(); err != nil {
		return err
	}
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.Logger.Warn("forced connections closed", "err", err)
		}
		return nil
	})
	return nil
}

// serveAdmin 启动 gRPC 健康检查；网关额外周期探测存储节点
func (a *App) serveAdmin(ctx context.Context, g *errgroup.Group, addr string, gw *gateway.Gateway) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	admin := server.NewAdminServer(a.Logger)

	g.Go(func() error { return admin.Serve(lis) })
	g.Go(func() error {
		<-ctx.Done()
		admin.Stop()
		return nil
	})
	if gw != nil {
		g.Go(func() error {
			admin.WatchNodes(ctx, gw, viper.GetDuration("admin.probe_interval"))
			return nil
		})
	}
	return nil
}

// sweepLoop 按 gateway.sweep_interval 周期执行 Sweep
// 网关已经在接受连接，只处理超过 gateway.sweep_min_age 的记录
func (a *App) sweepLoop(ctx context.Context, gw *gateway.Gateway) error {
	if a.Journal == nil {
		return nil
	}

	interval := viper.GetDuration("gateway.sweep_interval")
	if interval <= 0 {
		return nil
	}
	minAge := viper.GetDuration("gateway.sweep_min_age")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.sweep(ctx, gw, minAge)
		}
	}
}

func (a *App) sweep(ctx context.Context, gw *gateway.Gateway, minAge time.Duration) {
	stats, err := gw.Sweep(ctx, minAge)
	if err != nil {
		a.Logger.Error("sweep failed", "err", err)
		return
	}
	if stats != (gateway.SweepStats{}) {
		a.Logger.Info("sweep finished",
			"forwarded", stats.Forwarded, "purged", stats.Purged,
			"dropped", stats.Dropped, "failed", stats.Failed)
	}
}

// =============================================================================
// 基础设施
// =============================================================================

// NewLogger 按 log.level / log.format 创建 slog.Logger，w 为 nil 时写 stderr
func NewLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	hopts := &slog.HandlerOptions{Level: lv}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// initStore 根据 storage.type 选择后端，配置了 redis 时再套一层缓存
// ns 是节点的命名空间 ("S1"、"S2"...)，用作 S3 前缀和 redis key 前缀
func (a *App) initStore(ctx context.Context, ns, root string) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch storeType := viper.GetString("storage.type"); storeType {
	case "disk", "":
		store, err = disk.NewAdapter(root)
	case "s3":
		store, err = newS3(ctx, ns)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storeType)
	}
	if err != nil {
		return nil, err
	}

	redisURL := viper.GetString("cache.redis_url")
	if redisURL == "" {
		return store, nil
	}
	cached, err := cache.NewCachedStore(store, cache.Config{
		RedisURL:  redisURL,
		TTL:       viper.GetDuration("cache.ttl"),
		Namespace: ns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init redis cache: %w", err)
	}
	a.closers = append(a.closers, cached)
	return cached, nil
}

func newS3(ctx context.Context, ns string) (storage.Store, error) {
	bucket := viper.GetString("storage.s3.bucket")
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required (storage.s3.bucket)")
	}
	return s3.NewAdapter(ctx, s3.Config{
		Endpoint:        viper.GetString("storage.s3.endpoint"),
		Region:          viper.GetString("storage.s3.region"),
		Bucket:          bucket,
		Prefix:          ns,
		AccessKeyID:     viper.GetString("storage.s3.access_key"),
		SecretAccessKey: viper.GetString("storage.s3.secret_key"),
	})
}

// initJournal 打开上传日志；journal.driver = none 时返回 nil
func initJournal(ctx context.Context) (*meta.DB, error) {
	switch driver := viper.GetString("journal.driver"); driver {
	case "none", "":
		return nil, nil
	case "sqlite":
		return meta.NewDB(ctx, meta.Config{Driver: driver, Path: viper.GetString("journal.dsn")})
	case "postgres":
		return meta.NewDB(ctx, meta.Config{
			Driver:   driver,
			Host:     viper.GetString("journal.postgres.host"),
			Port:     viper.GetInt("journal.postgres.port"),
			User:     viper.GetString("journal.postgres.user"),
			Password: viper.GetString("journal.postgres.password"),
			DBName:   viper.GetString("journal.postgres.dbname"),
			SSLMode:  viper.GetString("journal.postgres.sslmode"),
		})
	default:
		return nil, fmt.Errorf("unsupported journal driver: %s", driver)
	}
}
