package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Options 是所有节点共享的协议配置
type Options struct {
	Framing   Framing
	ChunkSize int
}

// DefaultOptions 与老版本客户端兼容
func DefaultOptions() Options {
	return Options{Framing: FramingLegacy, ChunkSize: DefaultChunkSize}
}

func (o Options) chunk() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return o.ChunkSize
}

// Wire 封装一个连接上的协议读写
// 数据通道上的错误识别 (legacy 的 "Error" 前缀) 只在这里发生，
// 上层拿到的永远是类型化的 error 或者纯数据流
type Wire struct {
	conn io.ReadWriter
	opts Options

	// 与命令行同一次读到的负载字节，见 ReadCommand
	head      []byte
	headFinal bool
	// framed 模式下 head 接回连接前面之后的 reader
	rd io.Reader
}

// NewWire 包装连接
func NewWire(conn io.ReadWriter, opts Options) *Wire {
	return &Wire{conn: conn, opts: opts}
}

// Options 返回本连接使用的协议配置
func (w *Wire) Options() Options { return w.opts }

// =============================================================================
// 命令
// =============================================================================

// WriteCommand 写出一行命令 (以 '\n' 结尾)
func (w *Wire) WriteCommand(cmd Command) error {
	_, err := io.WriteString(w.conn, cmd.String()+"\n")
	return err
}

// ReadCommand 用一次读取拿到命令行
// 如果读到的内容里有 '\n'，命令到此为止，后面的字节是负载的开头 (head)；
// 没有换行的老客户端整次读取就是命令。
// 连接关闭时返回 io.EOF；命令无法解析时返回 ErrMalformedCommand，连接仍可继续使用。
func (w *Wire) ReadCommand() (Command, error) {
	w.head, w.headFinal = nil, false

	buf := make([]byte, w.opts.chunk())
	n, err := w.reader().Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return Command{}, io.EOF
		}
		return Command{}, err
	}

	data := buf[:n]
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
		if rest := data[i+1:]; len(rest) > 0 {
			w.head = append([]byte(nil), rest...)
			w.headFinal = n < len(buf)
		}
	}
	return ParseCommand(strings.TrimRight(string(line), "\r\x00"))
}

func (w *Wire) reader() io.Reader {
	if w.rd != nil {
		return w.rd
	}
	return w.conn
}

// in 返回 framed 模式后续读取使用的 reader：先读完 head 再读连接
func (w *Wire) in() io.Reader {
	if len(w.head) > 0 {
		w.rd = io.MultiReader(bytes.NewReader(w.head), w.reader())
		w.head, w.headFinal = nil, false
	}
	return w.reader()
}

// =============================================================================
// 请求负载 (uploadf)
// =============================================================================

// WritePayload 发送请求负载
func (w *Wire) WritePayload(src io.Reader) (int64, error) {
	if w.opts.Framing == FramingFramed {
		return writeFrames(w.conn, src, w.opts.chunk())
	}
	return writeChunks(w.conn, src, w.opts.chunk())
}

// PayloadReader 返回请求负载的 reader，读到负载结尾时返回 io.EOF
func (w *Wire) PayloadReader() io.Reader {
	if w.opts.Framing == FramingFramed {
		return newFrameReader(w.in(), w.opts.chunk())
	}
	cr := newChunkReaderWithHead(w.reader(), w.opts.chunk(), w.head, w.headFinal)
	w.head, w.headFinal = nil, false
	return cr
}

// ReadPayload 接收请求负载并写入 dst
func (w *Wire) ReadPayload(dst io.Writer) (int64, error) {
	r := w.PayloadReader()
	if cr, ok := r.(*ChunkReader); ok {
		return copyChunks(cr, dst)
	}
	return io.Copy(dst, r)
}

// CloseWrite 半关闭连接的写方向 (如果底层支持)
// 转发上传时用它告诉对端负载已经结束，避开整块倍数的问题
func (w *Wire) CloseWrite() error {
	if cw, ok := w.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// =============================================================================
// 回复：写
// =============================================================================

func (w *Wire) writeHeader(h ReplyHeader) error {
	data, err := encodeHeader(h)
	if err != nil {
		return err
	}
	return writeFrame(w.conn, data)
}

// WriteStatus 发送一行成功状态
func (w *Wire) WriteStatus(msg string) error {
	if w.opts.Framing == FramingFramed {
		return w.writeHeader(ReplyHeader{OK: true, Message: msg})
	}
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	_, err := io.WriteString(w.conn, msg)
	return err
}

// WriteError 发送错误回复
func (w *Wire) WriteError(err error) error {
	re := AsRemote(err)
	if w.opts.Framing == FramingFramed {
		return w.writeHeader(ReplyHeader{OK: false, Kind: re.Kind.String(), Message: re.Detail})
	}
	_, werr := io.WriteString(w.conn, re.WireText())
	return werr
}

// WriteBody 发送数据回复 (文件、归档、列表)
// legacy 模式下 src 为空时什么都不写并返回 ErrEmptyBody，由调用方改发错误
func (w *Wire) WriteBody(src io.Reader) (int64, error) {
	if w.opts.Framing == FramingFramed {
		if err := w.writeHeader(ReplyHeader{OK: true, Body: true}); err != nil {
			return 0, err
		}
		return writeFrames(w.conn, src, w.opts.chunk())
	}

	br := bufio.NewReaderSize(src, w.opts.chunk())
	if _, err := br.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, ErrEmptyBody
		}
		return 0, err
	}
	return writeChunks(w.conn, br, w.opts.chunk())
}

// WriteList 发送以 ListTerminator 行结尾的列表回复 (网关 -> 客户端)
// listErr 不为 nil 时：framed 模式只发送错误回复；
// legacy 模式把错误行放在终止行之前，客户端照样能读到列表结尾
func (w *Wire) WriteList(names []string, listErr error) error {
	if listErr != nil && w.opts.Framing == FramingFramed {
		return w.WriteError(listErr)
	}

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	if listErr != nil {
		b.WriteString(AsRemote(listErr).WireText())
	}
	b.WriteString(ListTerminator + "\n")

	if w.opts.Framing == FramingFramed {
		_, err := w.WriteBody(strings.NewReader(b.String()))
		return err
	}
	_, err := io.WriteString(w.conn, b.String())
	return err
}

// =============================================================================
// 回复：读 (唯一的解码边界)
// =============================================================================

func (w *Wire) readHeader() (ReplyHeader, error) {
	frame, err := readFrame(w.in(), w.opts.chunk())
	if errors.Is(err, io.EOF) {
		return ReplyHeader{}, ErrEmptyReply
	}
	if err != nil {
		return ReplyHeader{}, err
	}
	return decodeHeader(frame)
}

func headerError(h ReplyHeader) error {
	return &RemoteError{Kind: parseKind(h.Kind), Detail: h.Message}
}

// ReadStatus 读取一行状态回复；错误回复返回 *RemoteError
func (w *Wire) ReadStatus() (string, error) {
	if w.opts.Framing == FramingFramed {
		h, err := w.readHeader()
		if err != nil {
			return "", err
		}
		if !h.OK {
			return "", headerError(h)
		}
		return h.Message, nil
	}

	cr := NewChunkReader(w.reader(), w.opts.chunk())
	chunk, err := cr.Next()
	if errors.Is(err, io.EOF) {
		return "", ErrEmptyReply
	}
	if err != nil {
		return "", err
	}
	if re, ok := decodeErrorText(chunk); ok {
		return "", re
	}
	return strings.TrimRight(string(chunk), "\r\n"), nil
}

// ReadBody 读取数据回复，返回的 reader 必须读到 EOF 才能复用连接
// 对端没发任何数据就关闭时返回 ErrEmptyReply
func (w *Wire) ReadBody() (io.Reader, error) {
	if w.opts.Framing == FramingFramed {
		h, err := w.readHeader()
		if err != nil {
			return nil, err
		}
		if !h.OK {
			return nil, headerError(h)
		}
		if !h.Body {
			return nil, ErrEmptyReply
		}
		return newFrameReader(w.in(), w.opts.chunk()), nil
	}

	cr := NewChunkReader(w.reader(), w.opts.chunk())
	first, err := cr.Next()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyReply
	}
	if err != nil {
		return nil, err
	}
	// 启发式：短块 + 规范的错误前缀 = 错误回复
	if len(first) < w.opts.chunk() {
		if re, ok := decodeErrorText(first); ok {
			return nil, re
		}
	}
	first = append([]byte(nil), first...)
	return io.MultiReader(bytes.NewReader(first), cr), nil
}

// ReadList 读取按行的列表回复
// terminated 为 true 时读到 ListTerminator 行就停止 (网关 -> 客户端)；
// 否则读到流结束 (存储节点 -> 网关，节点写完即关闭连接)。
// 列表中的错误行 (目录不存在等) 以 *RemoteError 返回，已收到的名字照常返回。
func (w *Wire) ReadList(terminated bool) ([]string, error) {
	var (
		src   io.Reader
		drain = func() {}
	)
	if w.opts.Framing == FramingFramed {
		body, err := w.ReadBody()
		if err != nil {
			return nil, err
		}
		src = body
		// 终止行之后还有结束帧，读完它连接才能继续使用
		drain = func() { _, _ = io.Copy(io.Discard, body) }
	} else if terminated {
		// 终止行之后对端不会再发送任何东西，所以可以直接在连接上缓冲读取
		src = w.reader()
	} else {
		src = NewChunkReader(w.reader(), w.opts.chunk())
	}

	var (
		names   []string
		listErr error
		seen    bool
	)
	sc := bufio.NewScanner(src)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		seen = true
		if line == ListTerminator {
			drain()
			return names, listErr
		}
		if line == "" {
			continue
		}
		if re, ok := decodeErrorText([]byte(line)); ok {
			listErr = re
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return names, err
	}
	if terminated {
		return names, fmt.Errorf("list ended without %s: %w", ListTerminator, io.ErrUnexpectedEOF)
	}
	if !seen {
		return nil, ErrEmptyReply
	}
	return names, listErr
}
