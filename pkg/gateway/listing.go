package gateway

import (
	"context"
	"errors"
	"path"
	"slices"

	"extvault/pkg/protocol"
	"extvault/pkg/types"
)

// handleList 处理 dispfnames：本地 + 每个节点依次查询，合并、排序、去重
func (g *Gateway) handleList(ctx context.Context, wire *protocol.Wire, dir types.LogicalPath) error {
	names, err := g.MergedListing(ctx, dir)
	if err != nil {
		if werr := wire.WriteList(nil, err); werr != nil {
			return errors.Join(err, werr)
		}
		return err
	}
	if len(names) == 0 {
		names = []string{protocol.NoFilesLine}
	}
	return wire.WriteList(names, nil)
}

// MergedListing 返回目录在所有节点上的文件名并集 (已排序、无重复)
//
// 各节点的快照取自不同时刻，之间没有任何同步：一个节点被查询之后
// 才在它上面创建的文件不会出现在本次结果里。这是有意接受的一致性窗口。
// 不可达的节点贡献零个名字，不会让整个请求失败。
func (g *Gateway) MergedListing(ctx context.Context, dir types.LogicalPath) ([]string, error) {
	// 1. 本地
	local, err := g.local.Names(ctx, dir)
	localMissing := errors.Is(err, protocol.ErrNotFound)
	if err != nil && !localMissing {
		// 路径本身不合法，不用再问节点
		return nil, err
	}
	merged := slices.Clone(local)

	// 2. 依次查询每个节点
	for _, r := range g.cfg.Routes.Routes() {
		names, err := g.nodeNames(ctx, r, dir)
		if err != nil {
			g.logger.Warn("listing skipped node", "class", r.Class.String(), "addr", r.Addr.String(), "err", err)
			continue
		}
		merged = append(merged, names...)
	}

	// 3. 本地没有这个目录，节点上也什么都没有
	if localMissing && len(merged) == 0 {
		return nil, protocol.NewRemoteError(protocol.KindNotFound, "directory")
	}

	slices.Sort(merged)
	return slices.Compact(merged), nil
}

// nodeNames 查询一个节点；节点上目录不存在或为空时返回 nil
func (g *Gateway) nodeNames(ctx context.Context, r types.Route, dir types.LogicalPath) ([]string, error) {
	s, err := g.request(ctx, r, protocol.Command{Verb: types.VerbList, Arg1: string(g.rewrite(dir, r))})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	names, err := s.wire.ReadList(false)
	if errors.Is(err, protocol.ErrEmptyReply) || errors.Is(err, protocol.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// 只接受该节点自己的后缀
	ext := r.Class.Extension()
	out := names[:0]
	for _, name := range names {
		if path.Ext(name) == ext {
			out = append(out, name)
		}
	}
	return out, nil
}
