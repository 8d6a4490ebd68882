package exporter

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"path"

	"extvault/pkg/ignore"
	"extvault/pkg/storage"
)

// tar 块大小；补齐用一个全零块，tar 读取方会把它当作结尾填充
const blockSize = 512

// Exporter 把一个节点里某种后缀的所有文件打成 tar 流
type Exporter struct {
	store   storage.Store
	matcher *ignore.Matcher
	// avoidMultiple > 0 时，输出长度恰好是它的整数倍就补一个零块，
	// 这样短读分帧的接收方总能看到一次短读
	avoidMultiple int
}

// Stats 是一次导出的统计
type Stats struct {
	Files int
	Bytes int64 // 写给 w 的字节数 (含 tar 头和填充)
}

func NewExporter(store storage.Store, matcher *ignore.Matcher, avoidMultiple int) *Exporter {
	return &Exporter{store: store, matcher: matcher, avoidMultiple: avoidMultiple}
}

func (e *Exporter) selected(ent storage.Entry, ext string) bool {
	if e.matcher.Matches(ent.Path) {
		return false
	}
	return path.Ext(ent.Path) == ext
}

// Count 返回会被打包的文件数
func (e *Exporter) Count(ctx context.Context, ext string) (int, error) {
	n := 0
	err := e.store.Walk(ctx, func(ent storage.Entry) error {
		if e.selected(ent, ext) {
			n++
		}
		return nil
	})
	return n, err
}

// countingWriter 统计写出的字节
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteArchive 递归收集后缀为 ext 的文件 (例如 ".pdf")，以 tar 格式写入 w
// 一个文件都没有时什么也不写，返回 Files == 0
func (e *Exporter) WriteArchive(ctx context.Context, w io.Writer, ext string) (Stats, error) {
	cw := &countingWriter{w: w}
	var (
		tw    *tar.Writer
		stats Stats
	)

	err := e.store.Walk(ctx, func(ent storage.Entry) error {
		if !e.selected(ent, ext) {
			return nil
		}
		// 第一个文件出现时才创建 tar.Writer，空归档不输出任何字节
		if tw == nil {
			tw = tar.NewWriter(cw)
		}
		if err := e.addFile(ctx, tw, ent); err != nil {
			return err
		}
		stats.Files++
		return nil
	})
	if err != nil {
		return Stats{Files: stats.Files, Bytes: cw.n}, err
	}
	if tw == nil {
		return Stats{}, nil
	}

	// 1. 写结尾的两个零块
	if err := tw.Close(); err != nil {
		return Stats{Bytes: cw.n}, fmt.Errorf("failed to finish archive: %w", err)
	}

	// 2. 按需补齐
	if e.avoidMultiple > 0 && cw.n%int64(e.avoidMultiple) == 0 {
		if _, err := cw.Write(make([]byte, blockSize)); err != nil {
			return Stats{Bytes: cw.n}, err
		}
	}

	stats.Bytes = cw.n
	return stats, nil
}

// addFile 写入一个文件的头和内容
func (e *Exporter) addFile(ctx context.Context, tw *tar.Writer, ent storage.Entry) error {
	// 【技巧】函数返回时立即关闭，不会堆积句柄
	r, err := e.store.Get(ctx, ent.Path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", ent.Path, err)
	}
	defer r.Close()

	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ent.Path,
		Size:     ent.Size,
		Mode:     0644,
		ModTime:  ent.ModTime,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", ent.Path, err)
	}
	// 文件在 Walk 之后被改写时，按头里记录的大小截断
	if _, err := io.CopyN(tw, r, ent.Size); err != nil {
		return fmt.Errorf("failed to write %s: %w", ent.Path, err)
	}
	return nil
}
