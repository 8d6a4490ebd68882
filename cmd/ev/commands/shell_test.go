package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"extvault/pkg/client"
	"extvault/pkg/gateway"
	"extvault/pkg/ignore"
	"extvault/pkg/node"
	"extvault/pkg/protocol"
	"extvault/pkg/server"
	"extvault/pkg/storage/disk"
	"extvault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHandler(t *testing.T, class types.ExtensionClass, marker string) (*node.Handler, string) {
	t.Helper()
	root := t.TempDir()
	store, err := disk.NewAdapter(root)
	require.NoError(t, err)
	matcher, err := ignore.NewMatcher(root)
	require.NoError(t, err)
	cfg := node.Config{Class: class, Marker: marker, Protocol: protocol.DefaultOptions()}
	return node.NewHandler(cfg, store, matcher, nil), root
}

func serve(t *testing.T, name string, h server.ConnHandler) string {
	t.Helper()
	srv := server.NewTCPServer(server.Config{Name: name, Addr: "127.0.0.1:0"}, h, nil)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv.Addr().String()
}

// startGateway 启动网关 (.c) 和 .txt 节点，返回已连接的客户端
func startGateway(t *testing.T) *client.Client {
	t.Helper()
	txt, _ := newHandler(t, types.ClassB, "~S3")
	addr, err := types.ParseNodeAddress(serve(t, "node-txt", txt))
	require.NoError(t, err)

	local, _ := newHandler(t, types.ClassLocal, "~S1")
	gw, err := gateway.New(gateway.Config{
		Routes:   types.NewRouteTable(types.Route{Class: types.ClassB, Addr: addr, Marker: "~S3"}),
		Protocol: protocol.DefaultOptions(),
	}, local)
	require.NoError(t, err)

	c, err := client.Dial(context.Background(), serve(t, "gateway", gw), client.Options{Protocol: protocol.DefaultOptions()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestShell_Session(t *testing.T) {
	c := startGateway(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "notes.txt"), []byte("remember"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.c"), []byte("int main;"), 0644))
	out := t.TempDir()

	script := strings.Join([]string{
		"uploadf " + filepath.Join(src, "notes.txt") + " ~S1/docs",
		"uploadf " + filepath.Join(src, "main.c") + " ~S1/docs",
		"",
		"dispfnames ~S1/docs",
		"downlf ~S1/docs/notes.txt",
		"downltar .c",
		"downltar .zip",
		"uploadf only-one-arg",
		"bogus",
		"removef ~S1/docs/notes.txt",
		"downlf ~S1/docs/notes.txt",
		"exit",
		"dispfnames ~S1/never-reached",
	}, "\n")

	var buf bytes.Buffer
	require.NoError(t, runShell(context.Background(), c, strings.NewReader(script), &buf, out))
	got := buf.String()

	assert.Equal(t, 2, strings.Count(got, "✅ "+protocol.MsgUploaded))
	assert.Contains(t, got, "Files in ~S1/docs:\n  main.c\n  notes.txt\n")
	assert.Contains(t, got, "📥 File downloaded: "+filepath.Join(out, "notes.txt"))
	assert.Contains(t, got, "📦 Downloaded "+filepath.Join(out, "cfiles.tar"))
	assert.Contains(t, got, "❌ only .c, .pdf or .txt archives are supported")
	assert.Contains(t, got, "❌ uploadf needs 2 argument(s)")
	assert.Contains(t, got, `❌ invalid command "bogus"`)
	assert.Contains(t, got, "🗑️")
	assert.Contains(t, got, "❌ Not found")
	assert.NotContains(t, got, "never-reached")

	data, err := os.ReadFile(filepath.Join(out, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "remember", string(data))

	// 失败的下载不留下文件
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"notes.txt", "cfiles.tar"}, names)
}

func TestDownloadTar_List(t *testing.T) {
	c := startGateway(t)
	src := filepath.Join(t.TempDir(), "a.c")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	var buf bytes.Buffer
	ctx := context.Background()
	require.NoError(t, uploadFile(ctx, c, &buf, src, "~S1/src"))
	require.NoError(t, downloadTar(ctx, c, &buf, ".c", t.TempDir(), true))
	assert.Contains(t, buf.String(), "src/a.c")
}

func TestUpload_LegacyHint(t *testing.T) {
	c := startGateway(t)
	empty := filepath.Join(t.TempDir(), "empty.c")
	require.NoError(t, os.WriteFile(empty, nil, 0644))

	err := uploadFile(context.Background(), c, &bytes.Buffer{}, empty, "~S1")
	require.ErrorIs(t, err, client.ErrLegacyFraming)
	assert.Contains(t, err.Error(), "--framing framed")

	err = uploadFile(context.Background(), c, &bytes.Buffer{}, filepath.Join(t.TempDir(), "missing.c"), "~S1")
	assert.ErrorContains(t, err, "file not found")
}
