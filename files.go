package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// copyFile copies src to dst through a temporary file and an atomic rename, so a reader of
// dst never sees a partial file.
func copyFile(src, dst string, mode os.FileMode) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	return writeAtomic(dst, mode, func(w io.Writer) (int64, error) {
		return io.Copy(w, in)
	})
}

// writeFileAtomic writes data to path through a temporary file and an atomic rename.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	_, err := writeAtomic(path, mode, func(w io.Writer) (int64, error) {
		n, err := w.Write(data)
		return int64(n), err
	})
	return err
}

func writeAtomic(dst string, mode os.FileMode, fill func(io.Writer) (int64, error)) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("failed to create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath)
	}()

	n, err := fill(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return 0, fmt.Errorf("failed to set mode on %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, fmt.Errorf("failed to move file to final location: %w", err)
	}
	return n, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
