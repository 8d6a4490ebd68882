package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"extvault/pkg/protocol"
	"extvault/pkg/types"
)

// session 是到存储节点的一次出站请求：一条命令，一个回复，然后关闭
type session struct {
	conn net.Conn
	wire *protocol.Wire
}

func (s *session) Close() error { return s.conn.Close() }

// open 拨号到节点；失败统一归为 NodeUnreachable
func (g *Gateway) open(ctx context.Context, r types.Route) (*session, error) {
	addr := r.Addr.String()
	conn, err := g.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", protocol.ErrNodeUnreachable, addr, err)
	}
	return &session{conn: conn, wire: protocol.NewWire(conn, g.cfg.Protocol)}, nil
}

// request 拨号并发出命令
func (g *Gateway) request(ctx context.Context, r types.Route, cmd protocol.Command) (*session, error) {
	s, err := g.open(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := s.wire.WriteCommand(cmd); err != nil {
		s.Close()
		return nil, unreachable(err)
	}
	return s, nil
}

func unreachable(err error) error {
	return fmt.Errorf("%w: %v", protocol.ErrNodeUnreachable, err)
}

// relayErr 节点发回的错误原样转给客户端，其余 (连接中断等) 算节点不可达
func relayErr(err error) error {
	var re *protocol.RemoteError
	if errors.As(err, &re) {
		return err
	}
	return unreachable(err)
}

// writeBody 把数据发给客户端
// legacy 模式无法表达空文件，改发错误
func writeBody(wire *protocol.Wire, src io.Reader) error {
	_, err := wire.WriteBody(src)
	if errors.Is(err, protocol.ErrEmptyBody) {
		return reply(wire, protocol.NewRemoteError(protocol.KindIO, "empty file"))
	}
	return err
}

// =============================================================================
// downlf
// =============================================================================

func (g *Gateway) handleDownload(ctx context.Context, wire *protocol.Wire, p types.LogicalPath) error {
	// 1. 分类，失败直接拒绝，不产生任何网络调用
	class, err := protocol.ExtensionOf(string(p))
	if err != nil {
		return reply(wire, err)
	}

	// 2. 本地类别
	if class == types.ClassLocal {
		rc, err := g.local.Open(ctx, p)
		if err != nil {
			return reply(wire, err)
		}
		defer rc.Close()
		return writeBody(wire, rc)
	}

	// 3. 转发
	r, err := g.target(class, p)
	if err != nil {
		return reply(wire, err)
	}
	s, err := g.request(ctx, r, protocol.Command{Verb: types.VerbDownload, Arg1: string(g.rewrite(p, r))})
	if err != nil {
		return reply(wire, err)
	}
	defer s.Close()

	body, err := s.wire.ReadBody()
	if errors.Is(err, protocol.ErrEmptyReply) {
		// 节点对空文件不发任何数据
		return reply(wire, protocol.NewRemoteError(protocol.KindIO, "empty file"))
	}
	if err != nil {
		return reply(wire, relayErr(err))
	}
	return writeBody(wire, body)
}

// =============================================================================
// removef
// =============================================================================

func (g *Gateway) handleRemove(ctx context.Context, wire *protocol.Wire, p types.LogicalPath) error {
	class, err := protocol.ExtensionOf(string(p))
	if err != nil {
		return reply(wire, err)
	}

	if class == types.ClassLocal {
		if err := g.local.Remove(ctx, p); err != nil {
			return reply(wire, err)
		}
		return wire.WriteStatus(protocol.MsgRemoved)
	}

	r, err := g.target(class, p)
	if err != nil {
		return reply(wire, err)
	}
	msg, err := g.forwardRemove(ctx, r, p)

	// 节点回复了 (成功或 NotFound) 才清理网关上转发失败遗留的副本；
	// 节点不可达时遗留副本还要留给 Sweep
	if err == nil || errors.Is(err, protocol.ErrNotFound) {
		if g.dropLeftover(ctx, p, r) && err != nil {
			return wire.WriteStatus(protocol.MsgRemoved)
		}
	}
	if err != nil {
		return reply(wire, err)
	}
	return wire.WriteStatus(msg)
}

func (g *Gateway) forwardRemove(ctx context.Context, r types.Route, p types.LogicalPath) (string, error) {
	s, err := g.request(ctx, r, protocol.Command{Verb: types.VerbRemove, Arg1: string(g.rewrite(p, r))})
	if err != nil {
		return "", err
	}
	defer s.Close()

	msg, err := s.wire.ReadStatus()
	if err != nil {
		return "", relayErr(err)
	}
	return msg, nil
}

// =============================================================================
// downltar
// =============================================================================

func (g *Gateway) handleArchive(ctx context.Context, wire *protocol.Wire, ext string) error {
	class, err := protocol.ExtensionOf(ext)
	if err != nil {
		return reply(wire, err)
	}
	// .zip 不打包
	if !class.Archivable() {
		return reply(wire, protocol.NewRemoteError(protocol.KindUnsupported, "%s archives", class.Extension()))
	}
	noFiles := protocol.NewRemoteError(protocol.KindNotFound, "no %s files found", class.Extension())

	if class == types.ClassLocal {
		n, err := g.local.CountArchive(ctx)
		if err != nil {
			return reply(wire, err)
		}
		if n == 0 {
			return reply(wire, noFiles)
		}
		rc := g.local.OpenArchive(ctx)
		defer rc.Close()
		_, err = wire.WriteBody(rc)
		if errors.Is(err, protocol.ErrEmptyBody) {
			return reply(wire, noFiles)
		}
		return err
	}

	// 归档是点对点的：每个后缀只属于一个节点，原样转发节点的 tar 流
	r, err := g.route(class)
	if err != nil {
		return reply(wire, err)
	}
	s, err := g.request(ctx, r, protocol.Command{Verb: types.VerbArchive, Arg1: class.Extension()})
	if err != nil {
		return reply(wire, err)
	}
	defer s.Close()

	body, err := s.wire.ReadBody()
	if errors.Is(err, protocol.ErrEmptyReply) {
		return reply(wire, noFiles)
	}
	if err != nil {
		return reply(wire, relayErr(err))
	}
	_, err = wire.WriteBody(body)
	if errors.Is(err, protocol.ErrEmptyBody) {
		return reply(wire, noFiles)
	}
	return err
}

// =============================================================================
// 健康检查
// =============================================================================

// ProbeNodes 逐个拨号检查存储节点，nil 表示可达
func (g *Gateway) ProbeNodes(ctx context.Context) map[types.ExtensionClass]error {
	out := make(map[types.ExtensionClass]error)
	for _, r := range g.cfg.Routes.Routes() {
		s, err := g.open(ctx, r)
		if err == nil {
			// 不发命令直接关闭，节点把它当作空连接
			s.Close()
		}
		out[r.Class] = err
	}
	return out
}
