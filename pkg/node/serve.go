package node

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"extvault/pkg/protocol"
	"extvault/pkg/types"
)

// ServeConn 处理一个连接上的一条命令，然后关闭连接
// 节点只和网关对话，一个连接一条命令
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	wire := protocol.NewWire(conn, h.cfg.Protocol)
	cmd, err := wire.ReadCommand()
	if errors.Is(err, io.EOF) {
		return
	}

	start := time.Now()
	if err == nil {
		err = h.dispatch(ctx, wire, cmd)
	} else if werr := wire.WriteError(err); werr != nil {
		err = errors.Join(err, werr)
	}
	h.logCommand(conn, cmd, time.Since(start), err)
}

func (h *Handler) dispatch(ctx context.Context, wire *protocol.Wire, cmd protocol.Command) error {
	switch cmd.Verb {
	case types.VerbUpload:
		return h.serveStore(ctx, wire, cmd)
	case types.VerbDownload:
		return h.serveRetrieve(ctx, wire, types.LogicalPath(cmd.Arg1))
	case types.VerbRemove:
		return h.serveDelete(ctx, wire, types.LogicalPath(cmd.Arg1))
	case types.VerbArchive:
		return h.serveArchive(ctx, wire, cmd.Arg1)
	case types.VerbList:
		return h.serveNames(ctx, wire, types.LogicalPath(cmd.Arg1))
	default:
		return reply(wire, protocol.ErrMalformedCommand)
	}
}

// reply 把处理错误发回对端，返回原始错误用于日志
func reply(wire *protocol.Wire, err error) error {
	if werr := wire.WriteError(err); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

func (h *Handler) serveStore(ctx context.Context, wire *protocol.Wire, cmd protocol.Command) error {
	key, n, err := h.Save(ctx, cmd.Arg1, types.LogicalPath(cmd.Arg2), wire.PayloadReader())
	if err != nil {
		return reply(wire, err)
	}
	h.logger.Debug("stored", "key", key, "bytes", n)
	return wire.WriteStatus(protocol.MsgStored)
}

func (h *Handler) serveRetrieve(ctx context.Context, wire *protocol.Wire, p types.LogicalPath) error {
	rc, err := h.Open(ctx, p)
	if err != nil {
		return reply(wire, err)
	}
	defer rc.Close()

	_, err = wire.WriteBody(rc)
	if errors.Is(err, protocol.ErrEmptyBody) {
		// 空文件：不发任何数据直接关闭，由网关决定怎么告诉客户端
		return nil
	}
	return err
}

func (h *Handler) serveDelete(ctx context.Context, wire *protocol.Wire, p types.LogicalPath) error {
	if err := h.Remove(ctx, p); err != nil {
		return reply(wire, err)
	}
	return wire.WriteStatus(h.removedMessage())
}

func (h *Handler) serveArchive(ctx context.Context, wire *protocol.Wire, ext string) error {
	if ext != h.cfg.Class.Extension() {
		return reply(wire, protocol.NewRemoteError(protocol.KindWrongOwner, "%s", ext))
	}

	n, err := h.CountArchive(ctx)
	if err != nil {
		return reply(wire, err)
	}
	if n == 0 {
		return h.replyNothing(wire, protocol.NewRemoteError(protocol.KindNotFound, "no %s files found", ext))
	}

	return h.streamArchive(ctx, wire)
}

// streamArchive 边打包边发送
func (h *Handler) streamArchive(ctx context.Context, wire *protocol.Wire) error {
	rc := h.OpenArchive(ctx)
	// 发送失败时让打包的 goroutine 退出
	defer rc.Close()

	_, err := wire.WriteBody(rc)
	if errors.Is(err, protocol.ErrEmptyBody) {
		// 计数之后文件被删光了
		return nil
	}
	return err
}

func (h *Handler) serveNames(ctx context.Context, wire *protocol.Wire, dir types.LogicalPath) error {
	names, err := h.Names(ctx, dir)
	if errors.Is(err, protocol.ErrNotFound) {
		return h.replyNothing(wire, err)
	}
	if err != nil {
		return reply(wire, err)
	}
	if len(names) == 0 {
		return h.replyNothing(wire, nil)
	}

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	_, err = wire.WriteBody(strings.NewReader(b.String()))
	return err
}

// replyNothing 表示 "没有数据"：legacy 模式下直接关闭连接，
// framed 模式下发送 err (为 nil 时发送空的数据回复)
func (h *Handler) replyNothing(wire *protocol.Wire, err error) error {
	if wire.Options().Framing == protocol.FramingLegacy {
		return nil
	}
	if err != nil {
		return wire.WriteError(err)
	}
	_, werr := wire.WriteBody(strings.NewReader(""))
	return werr
}

func (h *Handler) logCommand(conn net.Conn, cmd protocol.Command, dur time.Duration, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelWarn
		if protocol.KindOf(err) == protocol.KindIO {
			level = slog.LevelError
		}
	}
	h.logger.Log(context.Background(), level, "node command",
		slog.String("remote", conn.RemoteAddr().String()),
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
