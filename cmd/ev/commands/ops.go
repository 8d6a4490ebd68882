package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"extvault/pkg/client"
	"extvault/pkg/exporter"
)

// 这里的函数同时被子命令和 shell 使用，输出都写到 out

func uploadFile(ctx context.Context, c *client.Client, out io.Writer, file, dest string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("file not found: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", file)
	}

	msg, err := c.Upload(ctx, filepath.Base(file), dest, f, info.Size())
	if err != nil {
		if errors.Is(err, client.ErrLegacyFraming) {
			return fmt.Errorf("%w (hint: use --framing framed)", err)
		}
		return err
	}
	fmt.Fprintf(out, "✅ %s\n", msg)
	return nil
}

// downloadFile 下载到 dir 下，文件名取远端路径的最后一段；失败时删掉半成品
func downloadFile(ctx context.Context, c *client.Client, out io.Writer, remote, dir string) error {
	local := filepath.Join(dir, path.Base(remote))
	n, err := receiveTo(local, func(w io.Writer) (int64, error) {
		return c.Download(ctx, remote, w)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "📥 File downloaded: %s (%d bytes)\n", local, n)
	return nil
}

func removeFile(ctx context.Context, c *client.Client, out io.Writer, remote string) error {
	msg, err := c.Remove(ctx, remote)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "🗑️  %s\n", msg)
	return nil
}

// tarNames 是每种可归档扩展名对应的本地文件名
var tarNames = map[string]string{
	".c":   "cfiles.tar",
	".pdf": "pdf.tar",
	".txt": "text.tar",
}

// downloadTar 把归档保存到 dir；list 为 true 时再打印归档内容
func downloadTar(ctx context.Context, c *client.Client, out io.Writer, ext, dir string, list bool) error {
	name, ok := tarNames[ext]
	if !ok {
		return fmt.Errorf("only .c, .pdf or .txt archives are supported")
	}
	local := filepath.Join(dir, name)
	n, err := receiveTo(local, func(w io.Writer) (int64, error) {
		return c.DownloadTar(ctx, ext, w)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "📦 Downloaded %s containing all %s files (%d bytes)\n", local, ext, n)

	if !list {
		return nil
	}
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = exporter.PrintArchive(f, out)
	return err
}

func listNames(ctx context.Context, c *client.Client, out io.Writer, dir string) error {
	names, err := c.ListNames(ctx, dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Files in %s:\n", dir)
	if len(names) == 0 {
		fmt.Fprintln(out, "  (no files)")
		return nil
	}
	for _, n := range names {
		fmt.Fprintf(out, "  %s\n", n)
	}
	return nil
}

// receiveTo 写入临时文件，成功后改名，失败时不留下任何东西
func receiveTo(local string, fetch func(w io.Writer) (int64, error)) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(local), ".ev-download-*")
	if err != nil {
		return 0, fmt.Errorf("could not create output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := fetch(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), local)
}
