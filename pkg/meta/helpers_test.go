package meta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// -----------------------------------------------------------------------------

// mustBegin 记录一次上传，失败直接终止测试
func mustBegin(t *testing.T, repo *Repository, name, class string, msgAndArgs ...any) *Transfer {
	t.Helper()
	tr := &Transfer{
		FileName:   name,
		LocalKey:   "docs/" + name,
		Class:      class,
		RemoteDest: "~S3/docs",
	}
	require.NoError(t, tr.SetRoute(RouteInfo{Addr: "127.0.0.1:1203", Marker: "~S3"}))
	require.NoError(t, repo.Begin(context.Background(), tr), msgAndArgs...)
	return tr
}

// mustAdvance 推进状态，失败则终止
func mustAdvance(t *testing.T, repo *Repository, id string, from, to TransferState, msgAndArgs ...any) {
	t.Helper()
	require.NoError(t, repo.Advance(context.Background(), id, from, to), msgAndArgs...)
}
