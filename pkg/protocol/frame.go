package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Framing 选择负载的分帧方式
type Framing int

const (
	// FramingLegacy 短读结束 + 文本回复 + "Error" 前缀识别，与老客户端兼容
	FramingLegacy Framing = iota
	// FramingFramed 4 字节大端长度前缀，长度为 0 的帧表示结束；
	// 每个回复先发一个 CBOR 编码的 ReplyHeader (带外状态)
	FramingFramed
)

func (f Framing) String() string {
	if f == FramingFramed {
		return "framed"
	}
	return "legacy"
}

// ParseFraming 解析配置值
func ParseFraming(s string) (Framing, error) {
	switch s {
	case "", "legacy":
		return FramingLegacy, nil
	case "framed":
		return FramingFramed, nil
	default:
		return FramingLegacy, fmt.Errorf("unknown framing mode %q", s)
	}
}

var ErrFrameTooLarge = errors.New("frame exceeds chunk size")

// ReplyHeader 是 framed 模式下每个回复的第一帧
type ReplyHeader struct {
	OK      bool   `cbor:"ok"`
	Kind    string `cbor:"k,omitempty"`
	Message string `cbor:"m,omitempty"`
	Body    bool   `cbor:"b,omitempty"`
}

// 与对象编码同一套规范选项：确定性输出，拒绝不定长
var headerEncOptions = cbor.EncOptions{
	Sort:        cbor.SortCanonical,
	IndefLength: cbor.IndefLengthForbidden,
}

var headerDecOptions = cbor.DecOptions{
	// 头部很小，限制容器大小防止恶意输入
	MaxArrayElements: 16,
	MaxMapPairs:      16,
	MaxNestedLevels:  4,
	IndefLength:      cbor.IndefLengthForbidden,
	DupMapKey:        cbor.DupMapKeyEnforcedAPF,
}

var (
	headerEM, _ = headerEncOptions.EncMode()
	headerDM, _ = headerDecOptions.DecMode()
)

func encodeHeader(h ReplyHeader) ([]byte, error) {
	return headerEM.Marshal(h)
}

func decodeHeader(data []byte) (ReplyHeader, error) {
	var h ReplyHeader
	if err := headerDM.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("bad reply header: %w", err)
	}
	return h, nil
}

// writeFrame 在一次 Write 里写出长度和数据
func writeFrame(w io.Writer, p []byte) error {
	frame := make([]byte, 4+len(p))
	binary.BigEndian.PutUint32(frame, uint32(len(p)))
	copy(frame[4:], p)
	_, err := w.Write(frame)
	return err
}

// readFrame 读取一帧；max 限制单帧长度
func readFrame(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("truncated frame: %w", err)
	}
	return buf, nil
}

// frameReader 把一串数据帧还原成 io.Reader，读到空帧返回 io.EOF
type frameReader struct {
	r       io.Reader
	max     int
	pending []byte
	done    bool
}

func newFrameReader(r io.Reader, max int) *frameReader {
	return &frameReader{r: r, max: max}
}

func (f *frameReader) Read(p []byte) (int, error) {
	for len(f.pending) == 0 {
		if f.done {
			return 0, io.EOF
		}
		frame, err := readFrame(f.r, f.max)
		if errors.Is(err, io.EOF) {
			// 对端在结束帧之前关闭
			return 0, io.ErrUnexpectedEOF
		}
		if err != nil {
			return 0, err
		}
		if len(frame) == 0 {
			f.done = true
			return 0, io.EOF
		}
		f.pending = frame
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

// writeFrames 把 src 切成不超过 max 的帧写出，最后补一个空帧
func writeFrames(w io.Writer, src io.Reader, max int) (int64, error) {
	buf := make([]byte, max)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := writeFrame(w, buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return total, err
		}
	}
	return total, writeFrame(w, nil)
}
