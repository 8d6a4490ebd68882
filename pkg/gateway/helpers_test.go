package gateway

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"extvault/pkg/ignore"
	"extvault/pkg/meta"
	"extvault/pkg/node"
	"extvault/pkg/protocol"
	"extvault/pkg/storage/disk"
	"extvault/pkg/types"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// Spy Dialer
// -----------------------------------------------------------------------------

// SpyDialer 记录每一次出站拨号，可以让指定地址拨号失败
type SpyDialer struct {
	mu    sync.Mutex
	dials []string
	down  map[string]bool
	// beforeDial 在真正拨号前调用 (一致性窗口测试用)
	beforeDial func(addr string)
	d          net.Dialer
}

func (s *SpyDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	s.mu.Lock()
	s.dials = append(s.dials, addr)
	down := s.down[addr]
	hook := s.beforeDial
	s.mu.Unlock()

	if hook != nil {
		hook(addr)
	}
	if down {
		return nil, errors.New("connection refused")
	}
	return s.d.DialContext(ctx, network, addr)
}

func (s *SpyDialer) Dials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dials...)
}

func (s *SpyDialer) SetDown(addr string, down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down == nil {
		s.down = make(map[string]bool)
	}
	s.down[addr] = down
}

// -----------------------------------------------------------------------------
// 进程内集群
// -----------------------------------------------------------------------------

type cluster struct {
	gw      *Gateway
	addr    string
	root    string
	nodes   map[types.ExtensionClass]*node.Handler
	roots   map[types.ExtensionClass]string
	routes  map[types.ExtensionClass]types.Route
	dialer  *SpyDialer
	journal *meta.Repository
	opts    protocol.Options
}

var testMarkers = map[types.ExtensionClass]string{
	types.ClassA: "~S2",
	types.ClassB: "~S3",
	types.ClassC: "~S4",
}

// serve 在随机端口上跑 accept 循环
func serve(t *testing.T, handle func(context.Context, net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(context.Background(), conn)
		}
	}()
	return ln.Addr().String()
}

func newHandler(t *testing.T, class types.ExtensionClass, marker, root string, opts protocol.Options) *node.Handler {
	t.Helper()
	store, err := disk.NewAdapter(root)
	require.NoError(t, err)
	matcher, err := ignore.NewMatcher(root)
	require.NoError(t, err)
	return node.NewHandler(node.Config{Class: class, Marker: marker, Protocol: opts}, store, matcher, nil)
}

// newCluster 启动三个存储节点和一个带日志的网关
func newCluster(t *testing.T, opts protocol.Options) *cluster {
	t.Helper()
	c := &cluster{
		nodes:  make(map[types.ExtensionClass]*node.Handler),
		roots:  make(map[types.ExtensionClass]string),
		routes: make(map[types.ExtensionClass]types.Route),
		dialer: &SpyDialer{},
		opts:   opts,
	}

	var routes []types.Route
	for _, class := range types.RoutedClasses {
		root := t.TempDir()
		h := newHandler(t, class, testMarkers[class], root, opts)
		addr, err := types.ParseNodeAddress(serve(t, h.ServeConn))
		require.NoError(t, err)

		r := types.Route{Class: class, Addr: addr, Marker: testMarkers[class]}
		routes = append(routes, r)
		c.nodes[class], c.roots[class], c.routes[class] = h, root, r
	}

	db, err := meta.NewDB(context.Background(), meta.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "journal.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c.journal = meta.NewRepository(db)

	c.root = t.TempDir()
	local := newHandler(t, types.ClassLocal, "~S1", c.root, opts)
	c.gw, err = New(Config{Routes: types.NewRouteTable(routes...), Protocol: opts}, local,
		WithDialer(c.dialer), WithJournal(c.journal))
	require.NoError(t, err)
	c.addr = serve(t, c.gw.ServeConn)
	return c
}

func (c *cluster) nodeAddr(class types.ExtensionClass) string {
	return c.routes[class].Addr.String()
}

// -----------------------------------------------------------------------------
// 测试客户端：一条长连接上发多条命令
// -----------------------------------------------------------------------------

type testClient struct {
	conn net.Conn
	wire *protocol.Wire
}

func (c *cluster) connect(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", c.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, wire: protocol.NewWire(conn, c.opts)}
}

func (tc *testClient) send(t *testing.T, verb types.Verb, arg1, arg2 string) {
	t.Helper()
	require.NoError(t, tc.wire.WriteCommand(protocol.Command{Verb: verb, Arg1: arg1, Arg2: arg2}))
}

func (tc *testClient) upload(t *testing.T, name, dest string, data []byte) (string, error) {
	t.Helper()
	tc.send(t, types.VerbUpload, name, dest)
	_, err := tc.wire.WritePayload(bytes.NewReader(data))
	require.NoError(t, err)
	return tc.wire.ReadStatus()
}

func (tc *testClient) download(t *testing.T, p string) ([]byte, error) {
	t.Helper()
	tc.send(t, types.VerbDownload, p, "")
	body, err := tc.wire.ReadBody()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(body)
}

func (tc *testClient) remove(t *testing.T, p string) (string, error) {
	t.Helper()
	tc.send(t, types.VerbRemove, p, "")
	return tc.wire.ReadStatus()
}

func (tc *testClient) list(t *testing.T, dir string) ([]string, error) {
	t.Helper()
	tc.send(t, types.VerbList, dir, "")
	return tc.wire.ReadList(true)
}

func (tc *testClient) tar(t *testing.T, ext string) ([]byte, error) {
	t.Helper()
	tc.send(t, types.VerbArchive, ext, "")
	body, err := tc.wire.ReadBody()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(body)
}

// -----------------------------------------------------------------------------
// 通用断言辅助
// -----------------------------------------------------------------------------

func readFile(t *testing.T, root string, rel ...string) ([]byte, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(append([]string{root}, rel...)...))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false
	}
	require.NoError(t, err)
	return data, true
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

// countFiles 统计 root 下的普通文件 (忽略日志数据库)
func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			n++
		}
		return nil
	})
	require.NoError(t, err)
	return n
}

func tarNames(t *testing.T, data []byte) []string {
	t.Helper()
	var names []string
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
}

func bothModes() []protocol.Options {
	return []protocol.Options{
		{Framing: protocol.FramingLegacy, ChunkSize: protocol.DefaultChunkSize},
		{Framing: protocol.FramingFramed, ChunkSize: protocol.DefaultChunkSize},
	}
}
