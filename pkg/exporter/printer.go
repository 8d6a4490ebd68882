package exporter

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// PrintArchive 读取一个 tar 流，按 `tar -tv` 的样子打印条目
// 返回条目数
func PrintArchive(r io.Reader, w io.Writer) (int, error) {
	tr := tar.NewReader(r)

	// 使用 tabwriter 对齐输出
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	n := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			tw.Flush()
			return n, fmt.Errorf("corrupt archive: %w", err)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			hdr.FileInfo().Mode(),
			hdr.Size,
			hdr.ModTime.Local().Format(time.DateTime),
			hdr.Name,
		)
		n++
	}
	return n, tw.Flush()
}
