package protocol

import (
	"fmt"
	"strings"

	"extvault/pkg/types"
)

// Command 是一行客户端输入解析出来的命令，处理完即丢弃
type Command struct {
	Verb types.Verb
	Arg1 string
	Arg2 string
}

// 每个命令字需要的参数个数
var verbArity = map[types.Verb]int{
	types.VerbUpload:   2,
	types.VerbDownload: 1,
	types.VerbRemove:   1,
	types.VerbArchive:  1,
	types.VerbList:     1,
}

// ParseCommand 按空白切分，最多保留三个 token (verb, arg1, arg2)
// 多余的 token 直接丢弃：参数里不支持空格是协议限制
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrMalformedCommand)
	}
	if len(fields) > 3 {
		fields = fields[:3]
	}

	verb := types.Verb(fields[0])
	arity, ok := verbArity[verb]
	if !ok {
		return Command{}, fmt.Errorf("%w: unknown verb %q", ErrMalformedCommand, fields[0])
	}
	if len(fields)-1 < arity {
		return Command{}, fmt.Errorf("%w: %s needs %d argument(s)", ErrMalformedCommand, verb, arity)
	}

	cmd := Command{Verb: verb, Arg1: fields[1]}
	if arity == 2 {
		cmd.Arg2 = fields[2]
	}
	return cmd, nil
}

// String 序列化为线上格式 (不含换行)
func (c Command) String() string {
	if c.Arg2 == "" {
		return string(c.Verb) + " " + c.Arg1
	}
	return string(c.Verb) + " " + c.Arg1 + " " + c.Arg2
}

// 成功回复的固定文本 (不含换行)
const (
	MsgUploaded = "Your file has been uploaded successfully."
	MsgRemoved  = "File removed successfully."
	MsgStored   = "File stored successfully."
	// NoFilesLine 出现在空列表的终止行之前
	NoFilesLine = "(No files found)"
)
