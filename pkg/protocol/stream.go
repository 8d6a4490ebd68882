package protocol

import (
	"errors"
	"io"
)

const (
	// DefaultChunkSize 是单次读写的最大字节数
	DefaultChunkSize = 4096

	// ListTerminator 标记 dispfnames 列表结束，TCP 连接本身仍然保持打开
	ListTerminator = "ENDOFLIST"
)

// ChunkReader 实现短读分帧规则：
// 一次读到的字节数少于 maxChunk (或读到 0) 即视为流结束。
// 注意：负载长度恰好是 maxChunk 的整数倍时，接收方会一直等下一次读，
// 只有对端关闭写方向才能结束。
type ChunkReader struct {
	r    io.Reader
	max  int
	buf  []byte
	head []byte // 与命令行同一次读到的负载字节
	// headFinal 为 true 表示携带 head 的那次读是短读，负载已经全部在 head 里
	headFinal bool
	// want 是下一次读取应得的字节数：head 占掉了发送方第一块的一部分，
	// 先把这一块读完，后续的读取才能和发送方的满块对齐
	want    int
	pending []byte
	done    bool
	err     error
}

// NewChunkReader 包装一个连接
func NewChunkReader(r io.Reader, maxChunk int) *ChunkReader {
	if maxChunk <= 0 {
		maxChunk = DefaultChunkSize
	}
	return &ChunkReader{r: r, max: maxChunk, buf: make([]byte, maxChunk)}
}

func newChunkReaderWithHead(r io.Reader, maxChunk int, head []byte, final bool) *ChunkReader {
	c := NewChunkReader(r, maxChunk)
	if len(head) > 0 {
		c.head = head
		c.headFinal = final
		if !final && len(head) < c.max {
			c.want = c.max - len(head)
		}
	}
	return c
}

// Next 返回下一块原始数据，流结束时返回 io.EOF
// 返回的切片在下一次调用前有效
func (c *ChunkReader) Next() ([]byte, error) {
	if c.head != nil {
		head := c.head
		c.head = nil
		if c.headFinal {
			c.done = true
		}
		return head, nil
	}
	if c.done {
		return nil, io.EOF
	}
	if c.err != nil {
		return nil, c.err
	}

	size := c.max
	if c.want > 0 {
		size, c.want = c.want, 0
	}
	n, err := c.r.Read(c.buf[:size])
	if n < size {
		c.done = true
	}
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			c.err = err
			return nil, err
		}
		return nil, io.EOF
	}
	if err != nil && !errors.Is(err, io.EOF) {
		c.err = err
	}
	if errors.Is(err, io.EOF) {
		c.done = true
	}
	return c.buf[:n], nil
}

// Read 实现 io.Reader，便于接入 io.Copy 之类的管道
func (c *ChunkReader) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		chunk, err := c.Next()
		if err != nil {
			return 0, err
		}
		c.pending = chunk
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// copyChunks 把 ChunkReader 的每一块原样写给 w
func copyChunks(cr *ChunkReader, w io.Writer) (int64, error) {
	var total int64
	for {
		chunk, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, werr := w.Write(chunk)
		total += int64(n)
		if werr != nil {
			return total, werr
		}
	}
}

// StreamCopy 反复读取最多 maxChunk 字节并写给 w，
// 读到的块短于 maxChunk 或读到 0 (对端关闭) 时结束
func StreamCopy(r io.Reader, w io.Writer, maxChunk int) (int64, error) {
	return copyChunks(NewChunkReader(r, maxChunk), w)
}

// writeChunks 以满块写出 src (最后一块可能更短)
// 发送方用满块写，接收方的短读规则才能正确识别结尾
func writeChunks(w io.Writer, src io.Reader, maxChunk int) (int64, error) {
	buf := make([]byte, maxChunk)
	var total int64
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
