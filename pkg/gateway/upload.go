package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"extvault/pkg/meta"
	"extvault/pkg/protocol"
	"extvault/pkg/storage"
	"extvault/pkg/types"

	"github.com/google/uuid"
)

// handleUpload 处理 uploadf
// .c 直接存在网关；其余类别走 Received -> Forwarded -> Purged 三步
func (g *Gateway) handleUpload(ctx context.Context, wire *protocol.Wire, name string, dest types.LogicalPath) error {
	payload := wire.PayloadReader()

	// 1. 分类：失败时把负载读掉再拒绝，不落盘也不拨号
	class, err := protocol.ExtensionOf(name)
	if err != nil {
		return rejectUpload(wire, payload, err)
	}

	if class == types.ClassLocal {
		if _, _, err := g.local.Save(ctx, name, dest, payload); err != nil {
			return rejectUpload(wire, payload, err)
		}
		return wire.WriteStatus(protocol.MsgUploaded)
	}

	// 路径在落盘和拨号之前检查
	r, err := g.target(class, types.LogicalPath(string(dest)+"/"+name))
	if err != nil {
		return rejectUpload(wire, payload, err)
	}
	remote, err := g.remoteDir(dest, r)
	if err != nil {
		return rejectUpload(wire, payload, err)
	}

	// 2. Received：先完整收到网关本地，每次上传一个独立的暂存 key
	id := uuid.NewString()
	t := &meta.Transfer{
		ID:         id,
		FileName:   name,
		LocalKey:   stagingKey(id),
		Class:      class.String(),
		RemoteDest: remote,
	}
	n, err := g.local.Store().Put(ctx, t.LocalKey, payload)
	if err != nil {
		return rejectUpload(wire, payload, fmt.Errorf("%w: %v", protocol.ErrIOFailure, err))
	}
	g.begin(ctx, t, r)
	g.logger.Debug("upload received", "file", name, "key", t.LocalKey, "bytes", n, "transfer", t.ID)

	// 3. 转发，确认后删除本地副本
	if err := g.deliver(ctx, t, r); err != nil {
		return reply(wire, err)
	}
	return wire.WriteStatus(protocol.MsgUploaded)
}

// rejectUpload 读掉剩余负载后回复错误，保证下一条命令从干净的位置开始
func rejectUpload(wire *protocol.Wire, payload io.Reader, err error) error {
	_, _ = io.Copy(io.Discard, payload)
	return reply(wire, err)
}

// StagingDir 是路由上传在网关存储里的暂存目录，位于被忽略的 .ev 下
const StagingDir = ".ev/staging"

func stagingKey(id string) string { return StagingDir + "/" + id }

// remoteDir 把网关上的目录换成目标节点上的规范写法 ("~S3" 或 "~S3/docs")
// 日志按这个值查找同一目标的遗留副本
func (g *Gateway) remoteDir(dir types.LogicalPath, r types.Route) (string, error) {
	rel, err := protocol.Relative(dir, g.Marker())
	if err != nil {
		return "", err
	}
	if rel == "." {
		return r.Marker, nil
	}
	return r.Marker + "/" + rel, nil
}

// dropLeftover 删除发往 p 的、转发失败遗留的暂存副本，返回是否删掉了东西
// 遗留副本只能通过日志找到；没有日志时什么也不做
func (g *Gateway) dropLeftover(ctx context.Context, p types.LogicalPath, r types.Route) bool {
	if g.journal == nil {
		return false
	}
	rel, err := protocol.Relative(p, g.Marker())
	if err != nil {
		return false
	}
	dir, name := path.Split(rel)
	remote, err := g.remoteDir(types.LogicalPath(dir), r)
	if err != nil {
		return false
	}
	pending, err := g.journal.PendingFor(ctx, name, remote)
	if err != nil {
		g.logger.Warn("lookup leftover copies failed", "path", p, "err", err)
		return false
	}

	dropped := false
	for i := range pending {
		t := &pending[i]
		err := g.local.Store().Delete(ctx, t.LocalKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			g.logger.Warn("drop leftover copy failed", "key", t.LocalKey, "err", err)
			continue
		}
		if err == nil {
			dropped = true
		}
		// 结束记录，Sweep 不会再把它转发出去
		g.advance(ctx, t, t.State, meta.StatePurged)
		g.logger.Info("dropped leftover copy", "key", t.LocalKey, "transfer", t.ID)
	}
	return dropped
}

// deliver 把本地副本转发给节点；节点确认后推进到 Forwarded 并删除本地副本
// 只有转发失败才返回错误，删除失败留给 Sweep
func (g *Gateway) deliver(ctx context.Context, t *meta.Transfer, r types.Route) error {
	if err := g.forwardUpload(ctx, r, t); err != nil {
		g.recordFailure(ctx, t, err)
		return err
	}
	g.advance(ctx, t, meta.StateReceived, meta.StateForwarded)

	if err := g.purge(ctx, t); err != nil {
		g.logger.Warn("purge local copy failed", "key", t.LocalKey, "err", err)
	}
	return nil
}

func (g *Gateway) forwardUpload(ctx context.Context, r types.Route, t *meta.Transfer) error {
	rc, err := g.local.Store().Get(ctx, t.LocalKey)
	if err != nil {
		return fmt.Errorf("%w: reopen local copy: %v", protocol.ErrIOFailure, err)
	}
	defer rc.Close()

	s, err := g.request(ctx, r, protocol.Command{Verb: types.VerbUpload, Arg1: t.FileName, Arg2: t.RemoteDest})
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.wire.WritePayload(rc); err != nil {
		return unreachable(err)
	}
	// 半关闭写方向：负载长度是整块倍数时节点也能看到结尾
	if err := s.wire.CloseWrite(); err != nil {
		return unreachable(err)
	}
	if _, err := s.wire.ReadStatus(); err != nil {
		return relayErr(err)
	}
	return nil
}

// purge 删除本地副本并推进到 Purged；副本已经不在也算成功
func (g *Gateway) purge(ctx context.Context, t *meta.Transfer) error {
	err := g.local.Store().Delete(ctx, t.LocalKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %v", protocol.ErrIOFailure, err)
	}
	g.advance(ctx, t, meta.StateForwarded, meta.StatePurged)
	return nil
}

// =============================================================================
// 日志 (journal)
// =============================================================================

func (g *Gateway) begin(ctx context.Context, t *meta.Transfer, r types.Route) {
	if g.journal == nil {
		return
	}
	if err := t.SetRoute(meta.RouteInfo{Addr: r.Addr.String(), Marker: r.Marker}); err != nil {
		g.logger.Warn("encode route failed", "err", err)
	}
	if err := g.journal.Begin(ctx, t); err != nil {
		// 日志不可用不影响上传本身，只是失败后无法自动恢复
		g.logger.Warn("journal begin failed", "file", t.FileName, "err", err)
		t.ID = ""
	}
}

func (g *Gateway) advance(ctx context.Context, t *meta.Transfer, from, to meta.TransferState) {
	if g.journal == nil || t.ID == "" {
		return
	}
	if err := g.journal.Advance(ctx, t.ID, from, to); err != nil {
		g.logger.Warn("journal advance failed", "transfer", t.ID, "from", from, "to", to, "err", err)
		return
	}
	t.State = to
}

func (g *Gateway) recordFailure(ctx context.Context, t *meta.Transfer, cause error) {
	if g.journal == nil || t.ID == "" {
		return
	}
	if err := g.journal.RecordFailure(ctx, t.ID, cause); err != nil {
		g.logger.Warn("journal record failure failed", "transfer", t.ID, "err", err)
	}
}

// =============================================================================
// 恢复
// =============================================================================

// SweepStats 是一次 Sweep 的结果
type SweepStats struct {
	Forwarded int // 重新转发成功
	Purged    int // 已转发，补删本地副本
	Dropped   int // 本地副本已经不在，直接结束
	Failed    int
}

// Sweep 处理日志里没有走完的上传：
// Received 的重新转发并删除本地副本，Forwarded 的补删本地副本，
// 本地副本已经不在的直接标记 Purged。
// minAge 跳过太新的记录，避免和正在进行的上传抢同一个文件。
func (g *Gateway) Sweep(ctx context.Context, minAge time.Duration) (SweepStats, error) {
	var stats SweepStats
	if g.journal == nil {
		return stats, nil
	}
	pending, err := g.journal.Pending(ctx)
	if err != nil {
		return stats, fmt.Errorf("load pending transfers: %w", err)
	}

	cutoff := time.Now().Add(-minAge)
	for i := range pending {
		t := &pending[i]
		if minAge > 0 && t.CreatedAt.After(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		switch t.State {
		case meta.StateForwarded:
			if err := g.purge(ctx, t); err != nil {
				g.logger.Warn("sweep purge failed", "transfer", t.ID, "err", err)
				stats.Failed++
				continue
			}
			stats.Purged++

		case meta.StateReceived:
			ok, err := g.local.Store().Has(ctx, t.LocalKey)
			if err != nil {
				stats.Failed++
				continue
			}
			if !ok {
				g.advance(ctx, t, meta.StateReceived, meta.StatePurged)
				stats.Dropped++
				continue
			}
			r, err := g.routeFor(t)
			if err != nil {
				g.recordFailure(ctx, t, err)
				stats.Failed++
				continue
			}
			if err := g.deliver(ctx, t, r); err != nil {
				g.logger.Warn("sweep forward failed", "transfer", t.ID, "file", t.FileName, "err", err)
				stats.Failed++
				continue
			}
			stats.Forwarded++
		}
	}

	g.logger.Info("sweep finished",
		"forwarded", stats.Forwarded, "purged", stats.Purged,
		"dropped", stats.Dropped, "failed", stats.Failed)
	return stats, nil
}

// routeFor 优先使用记录里保存的路由，旧记录没有时退回当前路由表
func (g *Gateway) routeFor(t *meta.Transfer) (types.Route, error) {
	class := types.ParseClass(t.Class)
	info, err := t.RouteInfo()
	if err != nil || info.Addr == "" {
		return g.route(class)
	}
	addr, err := types.ParseNodeAddress(info.Addr)
	if err != nil {
		return types.Route{}, fmt.Errorf("bad route in journal: %w", err)
	}
	return types.Route{Class: class, Addr: addr, Marker: info.Marker}, nil
}
