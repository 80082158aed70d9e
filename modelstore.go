package main

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ModelManifest is a manifest in the content-addressed model store. It references its
// config and layers by digest.
type ModelManifest struct {
	SchemaVersion int            `json:"schemaVersion"`
	MediaType     string         `json:"mediaType"`
	Config        ManifestBlob   `json:"config"`
	Layers        []ManifestBlob `json:"layers"`
}

type ManifestBlob struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

func (m *ModelManifest) digests() []string {
	var out []string
	if m.Config.Digest != "" {
		out = append(out, m.Config.Digest)
	}
	for _, l := range m.Layers {
		out = append(out, l.Digest)
	}
	return out
}

// ModelRef is a model tag resolved from a manifest path.
type ModelRef struct {
	Name     string   `json:"name"`
	Manifest string   `json:"manifest"`
	Digests  []string `json:"digests"`
}

// SyncReport summarises a model store copy.
type SyncReport struct {
	Copied  int      `json:"copied"`
	Skipped int      `json:"skipped"`
	Bytes   int64    `json:"bytes"`
	Files   []string `json:"files,omitempty"`
}

// countModelFiles counts regular files under dir, leaving out the inventory file.
func countModelFiles(dir, inventory string) (int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("%s is not a directory", dir)
	}

	count := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && d.Name() != inventory {
			count++
		}
		return nil
	})
	return count, err
}

// blobPath maps a digest such as "sha256:ab12" to its file in the store. Both the
// "sha256-<hex>" and the older "sha256:<hex>" file names are accepted.
func blobPath(root, digest string) (string, bool) {
	algo, hex, ok := strings.Cut(digest, ":")
	if !ok || algo == "" || hex == "" {
		return "", false
	}
	for _, name := range []string{algo + "-" + hex, algo + ":" + hex} {
		p := filepath.Join(root, StoreBlobsDir, name)
		if fileExists(p) {
			return p, true
		}
	}
	return filepath.Join(root, StoreBlobsDir, algo+"-"+hex), false
}

// digestFromBlobName returns the expected sha256 of a blob file, or "" when the name is not
// content-addressed.
func digestFromBlobName(name string) string {
	for _, prefix := range []string{"sha256-", "sha256:"} {
		if hex, ok := strings.CutPrefix(name, prefix); ok && len(hex) == sha256.Size*2 {
			return hex
		}
	}
	return ""
}

// ScanManifests reads every manifest under root and checks that each referenced digest
// resolves to a blob. A tree without a manifests directory has no references to check.
func ScanManifests(root string) ([]ModelRef, error) {
	manifests := filepath.Join(root, StoreManifestsDir)
	if _, err := os.Stat(manifests); os.IsNotExist(err) {
		return nil, nil
	}

	var refs []ModelRef
	err := filepath.WalkDir(manifests, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var m ModelManifest
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}

		rel, _ := filepath.Rel(manifests, path)
		ref := ModelRef{Name: modelName(rel), Manifest: rel, Digests: m.digests()}
		for _, digest := range ref.Digests {
			if _, ok := blobPath(root, digest); !ok {
				return &DanglingReferenceError{Manifest: rel, Digest: digest}
			}
		}
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

// modelName turns registry/namespace/model/tag into model:tag, keeping the namespace when it
// is not the default one.
func modelName(rel string) string {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return rel
	}
	model, tag := parts[len(parts)-2], parts[len(parts)-1]
	if len(parts) >= 3 {
		if ns := parts[len(parts)-3]; ns != "library" && len(parts) >= 4 {
			model = ns + "/" + model
		}
	}
	return model + ":" + tag
}

// SyncStore copies src into dst preserving the tree. Files already present with the same
// content are skipped, the inventory file is never copied and blobs are checked against the
// digest in their name.
func SyncStore(src, dst, inventory string) (SyncReport, error) {
	var report SyncReport

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case !d.Type().IsRegular():
			return nil
		case d.Name() == inventory:
			return nil
		}

		same, err := sameContent(path, target)
		if err != nil {
			return err
		}
		if same {
			report.Skipped++
			return nil
		}

		n, err := copyVerified(path, target, digestFromBlobName(d.Name()))
		if err != nil {
			return err
		}
		report.Copied++
		report.Bytes += n
		report.Files = append(report.Files, rel)
		return nil
	})
	return report, err
}

// PlanStore lists the files under src, relative to it, that SyncStore would copy into dst.
func PlanStore(src, dst, inventory string) ([]string, error) {
	var pending []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || d.Name() == inventory {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		same, err := sameContent(path, filepath.Join(dst, rel))
		if err != nil {
			return err
		}
		if !same {
			pending = append(pending, rel)
		}
		return nil
	})
	return pending, err
}

// sameContent reports whether dst already holds the content of src. Content-addressed blobs
// of equal size are trusted by name, anything else is hashed.
func sameContent(src, dst string) (bool, error) {
	dstInfo, err := os.Stat(dst)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if srcInfo.Size() != dstInfo.Size() {
		return false, nil
	}
	if digestFromBlobName(filepath.Base(src)) != "" {
		return true, nil
	}

	a, err := sha256File(src)
	if err != nil {
		return false, err
	}
	b, err := sha256File(dst)
	if err != nil {
		return false, err
	}
	return a == b, nil
}

// copyVerified copies src to dst and, when want is set, fails before the rename if the
// content does not hash to want.
func copyVerified(src, dst, want string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	return writeAtomic(dst, 0o644, func(w io.Writer) (int64, error) {
		hasher := sha256.New()
		n, err := io.Copy(io.MultiWriter(w, hasher), in)
		if err != nil {
			return n, err
		}
		if got := fmt.Sprintf("%x", hasher.Sum(nil)); want != "" && got != want {
			return n, fmt.Errorf("checksum mismatch for %s: expected %s, got %s", src, want, got)
		}
		return n, nil
	})
}
