package main

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	hdr  tar.Header
	body string
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := e.hdr
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(&hdr))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// tarDir archives dir under prefix.
func tarDir(t *testing.T, dir, prefix string) []byte {
	t.Helper()
	var entries []tarEntry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(prefix, rel))
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			entries = append(entries, tarEntry{hdr: tar.Header{Name: name + "/", Typeflag: tar.TypeDir, Mode: 0o755}})
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, tarEntry{
			hdr:  tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: int64(info.Mode().Perm())},
			body: string(data),
		})
		return nil
	})
	require.NoError(t, err)
	return buildTar(t, entries)
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(data)
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func zstded(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = io.Copy(zw, bytes.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestUnpackBundleFormats(t *testing.T) {
	bundle := makeBundle(t, 2)
	raw := tarDir(t, bundle, "ollama-bundle-0.5.7")

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"bundle.tar", raw},
		{"bundle.tar.gz", gzipped(t, raw)},
		{"bundle.tar.zst", zstded(t, raw)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := testContext(t)
			dest := t.TempDir()

			root, err := UnpackBundle(ctx, writeArchive(t, tc.name, tc.data), dest, DefaultSecurityConfig())
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dest, "ollama-bundle-0.5.7"), root)

			info, err := os.Stat(filepath.Join(root, BundleInstallersDir, "ollama"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

			b, err := NewBundleVerifier(testConfig(t)).Verify(ctx, root)
			require.NoError(t, err)
			assert.Equal(t, 2, b.ModelFiles)
		})
	}
}

func TestUnpackBundleFlatArchive(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{hdr: tar.Header{Name: "installers/ollama", Typeflag: tar.TypeReg, Mode: 0o777}, body: fakeBinary},
		{hdr: tar.Header{Name: "metadata.json", Typeflag: tar.TypeReg, Mode: 0o644}, body: "{}"},
	})
	dest := t.TempDir()

	root, err := UnpackBundle(testContext(t), writeArchive(t, "flat.tar", data), dest, DefaultSecurityConfig())
	require.NoError(t, err)
	assert.Equal(t, dest, root)

	info, err := os.Stat(filepath.Join(dest, "installers/ollama"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm(), "group and world write are stripped")
}

func TestUnpackBundleRejectsEscapes(t *testing.T) {
	for _, tc := range []struct {
		name  string
		entry tarEntry
	}{
		{"traversal", tarEntry{hdr: tar.Header{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644}, body: "x"}},
		{"nested traversal", tarEntry{hdr: tar.Header{Name: "bundle/../../evil", Typeflag: tar.TypeReg, Mode: 0o644}, body: "x"}},
		{"absolute", tarEntry{hdr: tar.Header{Name: "/etc/evil", Typeflag: tar.TypeReg, Mode: 0o644}, body: "x"}},
		{"absolute link", tarEntry{hdr: tar.Header{Name: "bundle/link", Typeflag: tar.TypeSymlink, Linkname: "/etc/shadow"}}},
		{"climbing link", tarEntry{hdr: tar.Header{Name: "bundle/link", Typeflag: tar.TypeSymlink, Linkname: "../../etc/shadow"}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			data := buildTar(t, []tarEntry{tc.entry})

			_, err := UnpackBundle(testContext(t), writeArchive(t, "bad.tar", data), dest, DefaultSecurityConfig())
			require.Error(t, err)
			assert.NoFileExists(t, filepath.Join(parent, "evil"))
		})
	}
}

func TestUnpackBundleKeepsInternalLinks(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{hdr: tar.Header{Name: "bundle/installers/ollama", Typeflag: tar.TypeReg, Mode: 0o755}, body: fakeBinary},
		{hdr: tar.Header{Name: "bundle/scripts/ollama", Typeflag: tar.TypeSymlink, Linkname: "../installers/ollama"}},
	})
	dest := t.TempDir()

	root, err := UnpackBundle(testContext(t), writeArchive(t, "links.tar", data), dest, DefaultSecurityConfig())
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(root, "scripts/ollama"))
	require.NoError(t, err)
	assert.Equal(t, "../installers/ollama", target)
}

func TestUnpackBundleEnforcesSizeLimits(t *testing.T) {
	data := buildTar(t, []tarEntry{
		{hdr: tar.Header{Name: "models/blob", Typeflag: tar.TypeReg, Mode: 0o644}, body: "0123456789"},
	})
	archive := writeArchive(t, "big.tar", data)

	sc := DefaultSecurityConfig()
	sc.MaxFileSize = 4
	_, err := UnpackBundle(testContext(t), archive, t.TempDir(), sc)
	assert.ErrorContains(t, err, "exceeds limit")

	sc = DefaultSecurityConfig()
	sc.MaxArchiveSize = 16
	_, err = UnpackBundle(testContext(t), archive, t.TempDir(), sc)
	assert.ErrorContains(t, err, "exceeds limit")
}
