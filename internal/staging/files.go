package staging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// partialSuffix marks an artifact that is still being written.
const partialSuffix = ".partial"

// compressFile gzips src into dst at the given level and returns the size of
// dst. The stream is written to dst+".partial" first and renamed into place so
// a failure never leaves a truncated artifact behind.
func compressFile(src, dst string, level int) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat source: %w", err)
	}

	tmp := dst + partialSuffix
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact: %w", err)
	}

	written, err := writeGzip(out, in, level, filepath.Base(src), info)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close artifact: %w", closeErr)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("failed to move artifact into place: %w", err)
	}

	return written, nil
}

// countingWriter counts bytes passed through to w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// writeGzip streams r into w. The header carries the source name and mtime so
// recompressing an unchanged file yields identical bytes.
func writeGzip(w io.Writer, r io.Reader, level int, name string, info os.FileInfo) (int64, error) {
	cw := &countingWriter{w: w}
	gz, err := gzip.NewWriterLevel(cw, level)
	if err != nil {
		return 0, fmt.Errorf("invalid compression level %d: %w", level, err)
	}
	gz.Name = name
	gz.ModTime = info.ModTime()

	if _, err := io.Copy(gz, r); err != nil {
		_ = gz.Close()
		return 0, fmt.Errorf("failed to compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("failed to flush gzip stream: %w", err)
	}

	return cw.n, nil
}

// moveFile moves src to dst, replacing dst if it exists. Moves across
// filesystems fall back to copy and remove.
func moveFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing %s: %w", dst, err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("cross-device move failed: %w", err)
	}
	return os.Remove(src)
}

// copyFile copies src to dst preserving mode and modification time.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
