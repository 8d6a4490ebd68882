package node

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"

	"extvault/pkg/protocol"
	"extvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startNode 在随机端口上跑一个最简单的 accept 循环
func startNode(t *testing.T, h *Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go h.ServeConn(ctx, conn)
		}
	}()
	return ln.Addr().String()
}

// call 发送一条命令 (可带负载)，返回这条连接上的 Wire
func call(t *testing.T, addr string, opts protocol.Options, cmd protocol.Command, payload []byte) *protocol.Wire {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	wire := protocol.NewWire(conn, opts)
	require.NoError(t, wire.WriteCommand(cmd))
	if payload != nil {
		_, err := wire.WritePayload(bytes.NewReader(payload))
		require.NoError(t, err)
		require.NoError(t, wire.CloseWrite())
	}
	return wire
}

func bothModes() []protocol.Options {
	return []protocol.Options{
		{Framing: protocol.FramingLegacy, ChunkSize: protocol.DefaultChunkSize},
		{Framing: protocol.FramingFramed, ChunkSize: protocol.DefaultChunkSize},
	}
}

func TestServe_StoreRetrieveDelete(t *testing.T) {
	for _, opts := range bothModes() {
		t.Run(opts.Framing.String(), func(t *testing.T) {
			h, _ := newTestHandler(t, types.ClassA, "~S2", opts)
			addr := startNode(t, h)
			content := bytes.Repeat([]byte("%PDF "), 3000)

			// 1. store
			w := call(t, addr, opts, protocol.Command{Verb: types.VerbUpload, Arg1: "a.pdf", Arg2: "~S2/docs"}, content)
			msg, err := w.ReadStatus()
			require.NoError(t, err)
			assert.Equal(t, protocol.MsgStored, msg)

			// 2. retrieve
			w = call(t, addr, opts, protocol.Command{Verb: types.VerbDownload, Arg1: "~S2/docs/a.pdf"}, nil)
			body, err := w.ReadBody()
			require.NoError(t, err)
			got, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Equal(t, content, got)

			// 3. delete
			w = call(t, addr, opts, protocol.Command{Verb: types.VerbRemove, Arg1: "~S2/docs/a.pdf"}, nil)
			msg, err = w.ReadStatus()
			require.NoError(t, err)
			assert.Equal(t, "PDF file removed successfully.", msg)

			// 4. retrieve again -> NotFound
			w = call(t, addr, opts, protocol.Command{Verb: types.VerbDownload, Arg1: "~S2/docs/a.pdf"}, nil)
			_, err = w.ReadBody()
			assert.ErrorIs(t, err, protocol.ErrNotFound)
		})
	}
}

func TestServe_WrongOwner(t *testing.T) {
	opts := protocol.DefaultOptions()
	h, _ := newTestHandler(t, types.ClassA, "~S2", opts)
	addr := startNode(t, h)

	w := call(t, addr, opts, protocol.Command{Verb: types.VerbDownload, Arg1: "~S2/notes.txt"}, nil)
	_, err := w.ReadBody()
	assert.ErrorIs(t, err, protocol.ErrWrongOwner)

	w = call(t, addr, opts, protocol.Command{Verb: types.VerbArchive, Arg1: ".txt"}, nil)
	_, err = w.ReadBody()
	assert.ErrorIs(t, err, protocol.ErrWrongOwner)
}

func TestServe_MalformedCommand(t *testing.T) {
	opts := protocol.DefaultOptions()
	h, _ := newTestHandler(t, types.ClassA, "~S2", opts)
	addr := startNode(t, h)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("frobnicate x\n"))
	require.NoError(t, err)

	_, err = protocol.NewWire(conn, opts).ReadStatus()
	assert.ErrorIs(t, err, protocol.ErrMalformedCommand)
}

func TestServe_Names(t *testing.T) {
	for _, opts := range bothModes() {
		t.Run(opts.Framing.String(), func(t *testing.T) {
			h, _ := newTestHandler(t, types.ClassB, "~S3", opts)
			addr := startNode(t, h)
			ctx := context.Background()
			for _, name := range []string{"z.txt", "m.txt"} {
				_, _, err := h.Save(ctx, name, "~S3/d", strings.NewReader("x"))
				require.NoError(t, err)
			}

			w := call(t, addr, opts, protocol.Command{Verb: types.VerbList, Arg1: "~S3/d"}, nil)
			names, err := w.ReadList(false)
			require.NoError(t, err)
			assert.Equal(t, []string{"m.txt", "z.txt"}, names)

			// 不存在的目录：没有任何名字
			w = call(t, addr, opts, protocol.Command{Verb: types.VerbList, Arg1: "~S3/missing"}, nil)
			names, err = w.ReadList(false)
			assert.Empty(t, names)
			assert.True(t, errors.Is(err, protocol.ErrEmptyReply) || errors.Is(err, protocol.ErrNotFound), "got %v", err)
		})
	}
}

func TestServe_Archive(t *testing.T) {
	for _, opts := range bothModes() {
		t.Run(opts.Framing.String(), func(t *testing.T) {
			h, _ := newTestHandler(t, types.ClassB, "~S3", opts)
			addr := startNode(t, h)

			// 空节点
			w := call(t, addr, opts, protocol.Command{Verb: types.VerbArchive, Arg1: ".txt"}, nil)
			_, err := w.ReadBody()
			assert.True(t, errors.Is(err, protocol.ErrEmptyReply) || errors.Is(err, protocol.ErrNotFound), "got %v", err)

			// 有文件
			_, _, err = h.Save(context.Background(), "a.txt", "~S3/x", strings.NewReader("alpha"))
			require.NoError(t, err)

			w = call(t, addr, opts, protocol.Command{Verb: types.VerbArchive, Arg1: ".txt"}, nil)
			body, err := w.ReadBody()
			require.NoError(t, err)

			tr := tar.NewReader(body)
			hdr, err := tr.Next()
			require.NoError(t, err)
			assert.Equal(t, "x/a.txt", hdr.Name)
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			assert.Equal(t, "alpha", string(data))
			_, err = tr.Next()
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}
