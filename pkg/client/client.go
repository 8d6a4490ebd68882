package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"sync"
	"time"

	"extvault/pkg/protocol"
	"extvault/pkg/types"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ErrLegacyFraming 表示负载无法用短读分帧表达 (空文件或整块倍数)
// 改用 framed 模式即可上传
var ErrLegacyFraming = errors.New("payload cannot be sent with legacy framing")

// Options 是客户端配置
type Options struct {
	Protocol    protocol.Options
	DialTimeout time.Duration
}

// Client 封装了一条到网关的长连接
// 同一连接上的命令串行执行
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	wire *protocol.Wire
	opts Options
}

// Dial 连接网关
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway %s: %w", addr, err)
	}
	return &Client{conn: conn, wire: protocol.NewWire(conn, opts.Protocol), opts: opts}, nil
}

// Close 关闭底层连接
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// bind 把 ctx 的截止时间和取消映射到连接的 deadline 上
func (c *Client) bind(ctx context.Context) func() {
	if d, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		// 让阻塞中的读写立刻返回
		c.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		c.conn.SetDeadline(time.Time{})
	}
}

func (c *Client) send(cmd protocol.Command) error {
	if err := c.wire.WriteCommand(cmd); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Verb, err)
	}
	return nil
}

func (c *Client) chunk() int {
	if c.opts.Protocol.ChunkSize <= 0 {
		return protocol.DefaultChunkSize
	}
	return c.opts.Protocol.ChunkSize
}

// Upload 上传 r 的内容，name 是远端文件名，dest 是目标目录 (例如 "~S1/docs")
// size 为负数表示未知；legacy 模式下 size 必须已知
func (c *Client) Upload(ctx context.Context, name, dest string, r io.Reader, size int64) (string, error) {
	name = path.Base(name)
	// 1. 本地先检查扩展名，不支持的类型不发出请求
	if _, err := protocol.ExtensionOf(name); err != nil {
		return "", err
	}

	// 2. legacy 模式靠短读结束负载，空文件和整块倍数都无法表达
	if c.opts.Protocol.Framing == protocol.FramingLegacy {
		switch {
		case size < 0:
			return "", fmt.Errorf("%w: size unknown", ErrLegacyFraming)
		case size == 0:
			return "", fmt.Errorf("%w: empty file", ErrLegacyFraming)
		case size%int64(c.chunk()) == 0:
			return "", fmt.Errorf("%w: %d bytes is a multiple of the %d byte chunk", ErrLegacyFraming, size, c.chunk())
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bind(ctx)()

	if err := c.send(protocol.Command{Verb: types.VerbUpload, Arg1: name, Arg2: dest}); err != nil {
		return "", err
	}
	if _, err := c.wire.WritePayload(r); err != nil {
		return "", fmt.Errorf("send payload: %w", err)
	}
	return c.wire.ReadStatus()
}

// Download 下载文件写入 w
func (c *Client) Download(ctx context.Context, p string, w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bind(ctx)()

	if err := c.send(protocol.Command{Verb: types.VerbDownload, Arg1: p}); err != nil {
		return 0, err
	}
	return c.readBody(w)
}

// Remove 删除文件，返回服务端的确认文本
func (c *Client) Remove(ctx context.Context, p string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bind(ctx)()

	if err := c.send(protocol.Command{Verb: types.VerbRemove, Arg1: p}); err != nil {
		return "", err
	}
	return c.wire.ReadStatus()
}

// DownloadTar 下载某个扩展名 (".c"、".pdf"、".txt") 的全部文件的 tar 归档
func (c *Client) DownloadTar(ctx context.Context, ext string, w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bind(ctx)()

	if err := c.send(protocol.Command{Verb: types.VerbArchive, Arg1: ext}); err != nil {
		return 0, err
	}
	return c.readBody(w)
}

// ListNames 返回目录的合并列表；空目录返回空切片
func (c *Client) ListNames(ctx context.Context, dir string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.bind(ctx)()

	if err := c.send(protocol.Command{Verb: types.VerbList, Arg1: dir}); err != nil {
		return nil, err
	}
	names, err := c.wire.ReadList(true)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if n != protocol.NoFilesLine {
			out = append(out, n)
		}
	}
	return out, nil
}

func (c *Client) readBody(w io.Writer) (int64, error) {
	body, err := c.wire.ReadBody()
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("receive body: %w", err)
	}
	return n, nil
}

// =============================================================================
// Admin 健康检查
// =============================================================================

// CheckHealth 查询 admin 端口上的 grpc.health.v1 服务
// service 为空表示进程本身，"pdf"、"txt"、"zip" 表示对应的存储节点
func CheckHealth(ctx context.Context, adminAddr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	// NewClient 立即返回，连接在第一次调用时建立
	conn, err := grpc.NewClient(adminAddr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to create grpc client for %s: %w", adminAddr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
