package main

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// UnpackBundle extracts a bundle archive (tar, tar.gz or tar.zst, detected from the content)
// into destDir and returns the bundle root. An archive holding a single top-level directory
// yields that directory as the root.
func UnpackBundle(ctx context.Context, archivePath, destDir string, sc *SecurityConfig) (string, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"archive":  archivePath,
		"dest_dir": destDir,
	})

	info, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := sc.ValidateFileSize(info.Size(), "archive"); err != nil {
		return "", err
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	reader, closer, err := decompress(bufio.NewReader(file))
	if err != nil {
		return "", err
	}
	defer closer()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create destination: %w", err)
	}

	files, err := extractTar(ctx, tar.NewReader(reader), destDir, sc)
	if err != nil {
		return "", err
	}
	logger.WithField("files", files).Info("bundle extracted")

	return bundleRoot(destDir)
}

// decompress picks a decoder from the magic bytes at the start of r.
func decompress(r *bufio.Reader) (io.Reader, func(), error) {
	head, err := r.Peek(4)
	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("failed to read archive header: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	case bytes.HasPrefix(head, zstdMagic):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	default:
		return r, func() {}, nil
	}
}

func extractTar(ctx context.Context, tr *tar.Reader, destDir string, sc *SecurityConfig) (int, error) {
	logger := GetLogger(ctx)
	files := 0

	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		header, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("failed to read tar header: %w", err)
		}

		if err := validatePath(header.Name); err != nil {
			return files, err
		}
		cleanName := filepath.Clean(header.Name)
		if cleanName == "." {
			continue
		}
		targetPath := filepath.Join(destDir, cleanName)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return files, fmt.Errorf("failed to create directory %s: %w", targetPath, err)
			}

		case tar.TypeReg:
			if err := sc.ValidateFileSize(header.Size, "file"); err != nil {
				return files, fmt.Errorf("%s: %w", header.Name, err)
			}
			mode := os.FileMode(header.Mode).Perm() &^ 0o022
			limited := io.LimitReader(tr, header.Size)
			if _, err := writeAtomic(targetPath, mode, func(w io.Writer) (int64, error) {
				return io.Copy(w, limited)
			}); err != nil {
				return files, fmt.Errorf("failed to extract file %s: %w", targetPath, err)
			}
			files++

		case tar.TypeSymlink:
			if err := validateLink(cleanName, header.Linkname); err != nil {
				return files, err
			}
			if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
				return files, fmt.Errorf("failed to create parent directory: %w", err)
			}
			os.Remove(targetPath)
			if err := os.Symlink(header.Linkname, targetPath); err != nil {
				return files, fmt.Errorf("failed to create symlink %s: %w", targetPath, err)
			}

		default:
			logger.WithFields(logrus.Fields{
				"name": header.Name,
				"type": header.Typeflag,
			}).Debug("skipping unsupported entry type in bundle")
		}
	}
}

// validatePath rejects absolute names and names that climb out of the destination.
func validatePath(path string) error {
	if filepath.IsAbs(path) {
		return fmt.Errorf("absolute path not allowed: %s", path)
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}
	return nil
}

// validateLink only allows relative symlinks that resolve inside the archive.
func validateLink(name, target string) error {
	if filepath.IsAbs(target) {
		return fmt.Errorf("symlink %s points outside the bundle: %s", name, target)
	}
	return validatePath(filepath.Join(filepath.Dir(name), target))
}

func bundleRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", dir, err)
	}
	var visible []os.DirEntry
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			visible = append(visible, e)
		}
	}
	if len(visible) == 1 && visible[0].IsDir() {
		return filepath.Join(dir, visible[0].Name()), nil
	}
	return dir, nil
}
