package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Bundle is a verified deployment bundle.
type Bundle struct {
	Root       string          `json:"root"`
	Binary     string          `json:"binary"`
	ModelsDir  string          `json:"models_dir"`
	ScriptsDir string          `json:"scripts_dir"`
	ConfigDir  string          `json:"config_dir"`
	UnitFile   string          `json:"unit_file,omitempty"`
	ModelFiles int             `json:"model_files"`
	Metadata   *BundleMetadata `json:"metadata,omitempty"`
}

// Version returns the bundle version from its metadata, if any.
func (b *Bundle) Version() string {
	if b == nil || b.Metadata == nil {
		return ""
	}
	return b.Metadata.Version
}

// ModelList accepts either a YAML/JSON sequence or a single comma or space separated string.
type ModelList []string

func (l *ModelList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = strings.FieldsFunc(node.Value, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\n'
		})
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	default:
		return fmt.Errorf("models: unsupported yaml node kind %d", node.Kind)
	}
}

// BundleVerifier checks a bundle before anything on the host is changed.
type BundleVerifier struct {
	cfg *Config
}

func NewBundleVerifier(cfg *Config) *BundleVerifier {
	return &BundleVerifier{cfg: cfg}
}

// Verify checks that every required bundle member is present and non-empty and loads the
// metadata record when there is one. It only reads.
func (v *BundleVerifier) Verify(ctx context.Context, root string) (*Bundle, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{"phase": "verify", "bundle": root})

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, &MissingComponentError{Component: "bundle root", Path: root, Reason: "not a directory"}
	}

	b := &Bundle{
		Root:       root,
		ModelsDir:  filepath.Join(root, BundleModelsDir),
		ScriptsDir: filepath.Join(root, BundleScriptsDir),
		ConfigDir:  filepath.Join(root, BundleConfigDir),
	}

	installers := filepath.Join(root, BundleInstallersDir)
	binaries, err := listFiles(installers)
	if err != nil {
		return nil, &MissingComponentError{Component: "installers", Path: installers, Reason: err.Error()}
	}
	switch len(binaries) {
	case 0:
		return nil, &MissingComponentError{Component: "installer binary", Path: installers, Reason: "directory is empty"}
	case 1:
		b.Binary = binaries[0]
	default:
		return nil, &MissingComponentError{
			Component: "installer binary",
			Path:      installers,
			Reason:    fmt.Sprintf("expected exactly one binary, found %d", len(binaries)),
		}
	}

	count, err := countModelFiles(b.ModelsDir, v.cfg.InventoryFile)
	if err != nil {
		return nil, &MissingComponentError{Component: "model tree", Path: b.ModelsDir, Reason: err.Error()}
	}
	if count == 0 {
		return nil, &MissingComponentError{Component: "model tree", Path: b.ModelsDir, Reason: "no model files"}
	}
	b.ModelFiles = count

	scripts, err := listFiles(b.ScriptsDir)
	if err != nil {
		return nil, &MissingComponentError{Component: "scripts", Path: b.ScriptsDir, Reason: err.Error()}
	}
	if len(scripts) == 0 {
		return nil, &MissingComponentError{Component: "scripts", Path: b.ScriptsDir, Reason: "directory is empty"}
	}

	if info, err := os.Stat(b.ConfigDir); err != nil || !info.IsDir() {
		return nil, &MissingComponentError{Component: "config", Path: b.ConfigDir, Reason: "not a directory"}
	}
	b.UnitFile = findUnitFile(b.ConfigDir, v.cfg.UnitName())

	meta, path, err := loadMetadata(root)
	switch {
	case err != nil:
		logger.WithError(err).WithField("path", path).Warn("bundle metadata unreadable")
	case meta == nil:
		logger.Warn("bundle has no metadata record")
	default:
		b.Metadata = meta
	}

	logger.WithFields(logrus.Fields{
		"binary":      b.Binary,
		"model_files": b.ModelFiles,
		"unit_file":   b.UnitFile,
		"version":     b.Version(),
	}).Info("bundle verified")
	return b, nil
}

// listFiles returns the regular, non-hidden files directly inside dir.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

func findUnitFile(dir, unitName string) string {
	exact := filepath.Join(dir, unitName)
	if fileExists(exact) {
		return exact
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "*.service"))
	if len(matches) == 1 {
		return matches[0]
	}
	return ""
}

// loadMetadata reads the first metadata record found in root. YAML is a superset of JSON,
// so both spellings go through the same decoder.
func loadMetadata(root string) (*BundleMetadata, string, error) {
	for _, name := range bundleMetadataFiles {
		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, path, err
		}
		var meta BundleMetadata
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return nil, path, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		return &meta, path, nil
	}
	return nil, "", nil
}
