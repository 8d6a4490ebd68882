package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"extvault/pkg/app"
	"extvault/pkg/client"
	"extvault/pkg/config"
	"extvault/pkg/protocol"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

type cluster struct {
	gateway string
	roots   map[string]string // "c" / "pdf" / "txt" / "zip" -> 根目录
	opts    protocol.Options
}

// startCluster 用 app.Run(RoleAll) 在一个进程里跑完整的集群
// configure 可以在启动前改写 viper 配置
func startCluster(t *testing.T, configure func()) *cluster {
	t.Helper()
	viper.Reset()
	config.SetDefaults()
	viper.Set("log.level", "error")

	c := &cluster{gateway: freeAddr(t), roots: map[string]string{"c": t.TempDir()}}
	viper.Set("gateway.addr", c.gateway)
	viper.Set("gateway.root", c.roots["c"])
	for _, class := range []string{"pdf", "txt", "zip"} {
		c.roots[class] = t.TempDir()
		viper.Set("nodes."+class+".addr", freeAddr(t))
		viper.Set("nodes."+class+".root", c.roots[class])
	}
	viper.Set("journal.dsn", filepath.Join(t.TempDir(), "journal.db"))
	if configure != nil {
		configure()
	}

	a, err := app.NewApp()
	require.NoError(t, err)
	c.opts = a.Protocol

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, app.RoleAll, "") }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Error("cluster did not stop")
		}
		a.Close()
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", c.gateway)
		if err == nil {
			conn.Close()
		}
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "gateway never came up")
	return c
}

func (c *cluster) dial(t *testing.T) *client.Client {
	t.Helper()
	cl, err := client.Dial(context.Background(), c.gateway, client.Options{Protocol: c.opts})
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// TestWorkflow_Framed 验证完整流程：
// 多类型上传 -> 物理位置 -> 合并列表 -> 并发下载 -> 归档 -> 删除
func TestWorkflow_Framed(t *testing.T) {
	c := startCluster(t, func() { viper.Set("protocol.framing", "framed") })
	ctx := context.Background()
	cl := c.dial(t)

	// 1. 上传：1MB 随机 pdf、整块倍数的 txt、空的 zip、普通 .c
	files := map[string][]byte{
		"big.pdf":   randomBytes(t, 1<<20),
		"exact.txt": bytes.Repeat([]byte("t"), 4*protocol.DefaultChunkSize),
		"empty.zip": {},
		"main.c":    []byte("int main(void) { return 0; }\n"),
	}
	for name, data := range files {
		msg, err := cl.Upload(ctx, name, "~S1/project", bytes.NewReader(data), int64(len(data)))
		require.NoError(t, err, name)
		assert.Equal(t, protocol.MsgUploaded, msg)
	}

	// 2. 每个文件只出现在它的归属节点上
	owner := map[string]string{"big.pdf": "pdf", "exact.txt": "txt", "empty.zip": "zip", "main.c": "c"}
	for name, class := range owner {
		for other, root := range c.roots {
			_, err := os.Stat(filepath.Join(root, "project", name))
			if other == class {
				assert.NoError(t, err, "%s should be on %s", name, class)
			} else {
				assert.True(t, os.IsNotExist(err), "%s leaked onto %s", name, other)
			}
		}
	}

	// 3. 合并列表 (zip 节点也参与列表)
	names, err := cl.ListNames(ctx, "~S1/project")
	require.NoError(t, err)
	assert.Equal(t, []string{"big.pdf", "empty.zip", "exact.txt", "main.c"}, names)

	// 4. 多个客户端并发下载
	g, gctx := errgroup.WithContext(ctx)
	for name, data := range files {
		g.Go(func() error {
			dl, err := client.Dial(gctx, c.gateway, client.Options{Protocol: c.opts})
			if err != nil {
				return err
			}
			defer dl.Close()
			var buf bytes.Buffer
			if _, err := dl.Download(gctx, "~S1/project/"+name, &buf); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if !bytes.Equal(data, buf.Bytes()) {
				return fmt.Errorf("%s: content mismatch", name)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// 5. 归档
	var tarBuf bytes.Buffer
	_, err = cl.DownloadTar(ctx, ".pdf", &tarBuf)
	require.NoError(t, err)
	assert.Greater(t, tarBuf.Len(), 1<<20)

	_, err = cl.DownloadTar(ctx, ".zip", &bytes.Buffer{})
	assert.ErrorIs(t, err, protocol.ErrUnsupportedExtension)

	// 6. 删除后不可下载
	for name := range files {
		_, err := cl.Remove(ctx, "~S1/project/"+name)
		require.NoError(t, err, name)
		_, err = cl.Download(ctx, "~S1/project/"+name, &bytes.Buffer{})
		assert.ErrorIs(t, err, protocol.ErrNotFound, name)
	}
}

// TestWorkflow_LegacyNotes 是默认 (legacy) 配置下的 notes.txt 场景
func TestWorkflow_LegacyNotes(t *testing.T) {
	c := startCluster(t, nil)
	ctx := context.Background()
	cl := c.dial(t)

	_, err := cl.Upload(ctx, "notes.txt", "~S1/docs", bytes.NewReader([]byte("v1")), 2)
	require.NoError(t, err)

	// 网关上不留副本
	_, err = os.Stat(filepath.Join(c.roots["c"], "docs", "notes.txt"))
	assert.True(t, os.IsNotExist(err))

	// 节点上的修改直接反映到下载结果
	require.NoError(t, os.WriteFile(filepath.Join(c.roots["txt"], "docs", "notes.txt"), []byte("v2 edited"), 0644))
	var buf bytes.Buffer
	_, err = cl.Download(ctx, "~S1/docs/notes.txt", &buf)
	require.NoError(t, err)
	assert.Equal(t, "v2 edited", buf.String())

	_, err = cl.Upload(ctx, "virus.exe", "~S1/docs", bytes.NewReader([]byte("x")), 1)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedExtension)
}

// TestWorkflow_RedisCache 在所有节点前面加 redis 缓存，验证列表在写入和删除后立即更新
func TestWorkflow_RedisCache(t *testing.T) {
	redisAddr := "localhost:6379"
	if conn, err := net.DialTimeout("tcp", redisAddr, time.Second); err != nil {
		t.Skip("Skipping E2E test: Redis not available")
	} else {
		conn.Close()
	}

	c := startCluster(t, func() {
		viper.Set("cache.redis_url", fmt.Sprintf("redis://%s/0", redisAddr))
		viper.Set("cache.ttl", "1h")
	})
	ctx := context.Background()
	cl := c.dial(t)

	// 目录名带随机后缀，避免和 redis 里的旧 key 冲突
	dir := fmt.Sprintf("~S1/cache-%d", time.Now().UnixNano())

	_, err := cl.ListNames(ctx, dir)
	require.ErrorIs(t, err, protocol.ErrNotFound, "directory does not exist yet")

	_, err = cl.Upload(ctx, "a.txt", dir, bytes.NewReader([]byte("a")), 1)
	require.NoError(t, err)
	names, err := cl.ListNames(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, names)

	_, err = cl.Upload(ctx, "b.txt", dir, bytes.NewReader([]byte("b")), 1)
	require.NoError(t, err)
	names, err = cl.ListNames(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names, "cached listing must be invalidated by upload")

	_, err = cl.Remove(ctx, dir+"/a.txt")
	require.NoError(t, err)
	names, err = cl.ListNames(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.txt"}, names, "cached listing must be invalidated by remove")
}
