package main

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleKey = "bundles/ollama-bundle-0.5.7.tar.gz"

// fakeObjectStore serves path-style requests for a single bucket.
type fakeObjectStore struct {
	objects  map[string][]byte
	metadata map[string]string
}

func (s *fakeObjectStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, ok := s.objects[r.URL.Path]
	if !ok {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		if r.Method != http.MethodHead {
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>not found</Message></Error>`)
		}
		return
	}
	for k, v := range s.metadata {
		w.Header().Set("X-Amz-Meta-"+k, v)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

func newTestS3(t *testing.T, store *fakeObjectStore) *S3Client {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "airgap")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "airgap-secret")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "config"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "credentials"))

	srv := httptest.NewServer(store)
	t.Cleanup(srv.Close)

	client, err := NewS3Client(testContext(t), FetchConfig{
		Endpoint:  srv.URL,
		Bucket:    "bundles",
		Region:    "us-east-1",
		PathStyle: true,
	})
	require.NoError(t, err)
	return client
}

func bundleArchive(t *testing.T) ([]byte, string) {
	t.Helper()
	data := gzipped(t, tarDir(t, makeBundle(t, 1), "ollama-bundle-0.5.7"))
	return data, fmt.Sprintf("%x", sha256.Sum256(data))
}

func TestFetchBundleWithMetadataChecksum(t *testing.T) {
	data, sum := bundleArchive(t)
	client := newTestS3(t, &fakeObjectStore{
		objects:  map[string][]byte{"/bundles/" + bundleKey: data},
		metadata: map[string]string{"sha256": sum},
	})
	ctx := testContext(t)
	dest := t.TempDir()

	info, err := client.Head(ctx, bundleKey)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, sum, info.SHA256)

	root, err := FetchBundle(ctx, client, bundleKey, dest, DefaultSecurityConfig())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "ollama-bundle-0.5.7", "ollama-bundle-0.5.7"), root)
	assert.FileExists(t, filepath.Join(root, BundleInstallersDir, "ollama"))
	assert.NoFileExists(t, filepath.Join(dest, "ollama-bundle-0.5.7.tar.gz"), "archive is removed after extraction")
}

func TestFetchBundleWithSidecarChecksum(t *testing.T) {
	data, sum := bundleArchive(t)
	client := newTestS3(t, &fakeObjectStore{objects: map[string][]byte{
		"/bundles/" + bundleKey:             data,
		"/bundles/" + bundleKey + ".sha256": []byte(sum + "  ollama-bundle-0.5.7.tar.gz\n"),
	}})

	got, err := client.SidecarChecksum(testContext(t), bundleKey)
	require.NoError(t, err)
	assert.Equal(t, sum, got)

	_, err = FetchBundle(testContext(t), client, bundleKey, t.TempDir(), DefaultSecurityConfig())
	require.NoError(t, err)
}

func TestFetchBundleChecksumMismatch(t *testing.T) {
	data, _ := bundleArchive(t)
	client := newTestS3(t, &fakeObjectStore{
		objects:  map[string][]byte{"/bundles/" + bundleKey: data},
		metadata: map[string]string{"sha256": fmt.Sprintf("%x", sha256.Sum256([]byte("other")))},
	})
	dest := t.TempDir()

	_, err := FetchBundle(testContext(t), client, bundleKey, dest, DefaultSecurityConfig())
	assert.ErrorContains(t, err, "checksum mismatch")
	assert.NoDirExists(t, filepath.Join(dest, "ollama-bundle-0.5.7"))
	assert.NoFileExists(t, filepath.Join(dest, "ollama-bundle-0.5.7.tar.gz"))
}

func TestFetchBundleWithoutChecksum(t *testing.T) {
	data, _ := bundleArchive(t)
	client := newTestS3(t, &fakeObjectStore{objects: map[string][]byte{"/bundles/" + bundleKey: data}})

	got, err := client.SidecarChecksum(testContext(t), bundleKey)
	require.NoError(t, err)
	assert.Empty(t, got)

	root, err := FetchBundle(testContext(t), client, bundleKey, t.TempDir(), DefaultSecurityConfig())
	require.NoError(t, err)
	assert.DirExists(t, root)
}

func TestFetchBundleMissingObject(t *testing.T) {
	client := newTestS3(t, &fakeObjectStore{objects: map[string][]byte{}})
	_, err := FetchBundle(testContext(t), client, bundleKey, t.TempDir(), DefaultSecurityConfig())
	assert.Error(t, err)
}

func TestNewS3ClientRequiresBucket(t *testing.T) {
	_, err := NewS3Client(testContext(t), FetchConfig{Region: "us-east-1"})
	assert.ErrorContains(t, err, "fetch.bucket")
}

func TestDownloadWithChecksum(t *testing.T) {
	client := newTestS3(t, &fakeObjectStore{objects: map[string][]byte{"/bundles/small": []byte("hello")}})
	path := filepath.Join(t.TempDir(), "small")

	sum, err := client.DownloadWithChecksum(testContext(t), "small", path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
