package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyBundle(t *testing.T) {
	ctx := testContext(t)
	cfg := testConfig(t)
	root := makeBundle(t, 3)

	b, err := NewBundleVerifier(cfg).Verify(ctx, root)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, BundleInstallersDir, "ollama"), b.Binary)
	assert.Equal(t, 3, b.ModelFiles, "inventory file is not a model file")
	assert.Empty(t, b.UnitFile)
	require.NotNil(t, b.Metadata)
	assert.Equal(t, "0.5.7", b.Version())
	assert.Equal(t, ModelList{"llama3:8b"}, b.Metadata.Models)
	assert.Equal(t, "4f2c1ab", b.Metadata.Commit)
}

func TestVerifyBundleMissingComponents(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(t *testing.T, root string)
		component string
	}{
		{
			name: "no models directory",
			mutate: func(t *testing.T, root string) {
				require.NoError(t, os.RemoveAll(filepath.Join(root, BundleModelsDir)))
			},
			component: "model tree",
		},
		{
			name: "only the inventory file",
			mutate: func(t *testing.T, root string) {
				require.NoError(t, os.RemoveAll(filepath.Join(root, BundleModelsDir, StoreBlobsDir)))
			},
			component: "model tree",
		},
		{
			name: "no binary",
			mutate: func(t *testing.T, root string) {
				require.NoError(t, os.Remove(filepath.Join(root, BundleInstallersDir, "ollama")))
			},
			component: "installer binary",
		},
		{
			name: "two binaries",
			mutate: func(t *testing.T, root string) {
				writeFile(t, filepath.Join(root, BundleInstallersDir, "ollama-old"), fakeBinary, 0o755)
			},
			component: "installer binary",
		},
		{
			name: "empty scripts",
			mutate: func(t *testing.T, root string) {
				require.NoError(t, os.Remove(filepath.Join(root, BundleScriptsDir, "install.sh")))
			},
			component: "scripts",
		},
		{
			name: "no config directory",
			mutate: func(t *testing.T, root string) {
				require.NoError(t, os.RemoveAll(filepath.Join(root, BundleConfigDir)))
			},
			component: "config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := makeBundle(t, 2)
			tt.mutate(t, root)

			_, err := NewBundleVerifier(testConfig(t)).Verify(testContext(t), root)
			var missing *MissingComponentError
			require.True(t, errors.As(err, &missing), "got %v", err)
			assert.Equal(t, tt.component, missing.Component)
		})
	}
}

func TestVerifyBundleFindsUnitAndYAMLMetadata(t *testing.T) {
	root := makeBundle(t, 1)
	require.NoError(t, os.Remove(filepath.Join(root, "metadata.json")))
	writeFile(t, filepath.Join(root, "metadata.yaml"), "version: v0.6.0\nmodels: llama3:8b, qwen2:7b\ncommit: abc123\n", 0o644)
	writeFile(t, filepath.Join(root, BundleConfigDir, "ollama.service"), "[Service]\nExecStart=/usr/local/bin/ollama serve\n", 0o644)

	b, err := NewBundleVerifier(testConfig(t)).Verify(testContext(t), root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, BundleConfigDir, "ollama.service"), b.UnitFile)
	assert.Equal(t, "v0.6.0", b.Version())
	assert.Equal(t, ModelList{"llama3:8b", "qwen2:7b"}, b.Metadata.Models)
}

func TestVerifyBundleToleratesBadMetadata(t *testing.T) {
	root := makeBundle(t, 1)
	writeFile(t, filepath.Join(root, "metadata.json"), "{not json", 0o644)

	b, err := NewBundleVerifier(testConfig(t)).Verify(testContext(t), root)
	require.NoError(t, err)
	assert.Nil(t, b.Metadata)
	assert.Empty(t, b.Version())
}
