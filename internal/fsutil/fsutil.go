// Package fsutil collects small file-system helpers shared by the log
// store: append-mode opens that don't fight Truncate across platforms,
// truncate-then-seek-to-end, and a copy-based archive/rename fallback.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
)

// OpenForAppend opens filename for read/write, creating it if necessary,
// and seeks to the end so subsequent writes append.
//
// The file is deliberately opened without O_APPEND: Truncate behaves
// differently across operating systems when O_APPEND is set, so the
// write cursor is managed explicitly instead.
func OpenForAppend(filename string) (*os.File, error) {
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// OpenReadOnly opens filename for reading only.
func OpenReadOnly(filename string) (*os.File, error) {
	return os.OpenFile(filename, os.O_RDONLY, 0644)
}

// Truncate resizes f to size bytes and repositions the cursor at the new
// end, so that a subsequent append continues from the right place.
func Truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekEnd)
	return err
}

// Move relocates src to dst. It first attempts a rename (cheap, atomic,
// but fails across filesystem/device boundaries such as a bind-mounted
// archive directory); on failure it falls back to copy-then-remove.
func Move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// Grow returns buf with its length extended by n bytes, doubling the
// backing capacity when the existing one is too small.
func Grow(buf []byte, n int) []byte {
	if cap(buf)-len(buf) < n {
		newcap := 2 * cap(buf)
		if newcap-len(buf) < n {
			newcap = len(buf) + n
		}
		nbuf := make([]byte, len(buf), newcap)
		copy(nbuf, buf)
		buf = nbuf
	}
	return buf[:len(buf)+n]
}
