package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return WithLogger(context.Background(), logger)
}

// testConfig points every host path into a temporary root.
func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.BinaryPath = filepath.Join(root, "usr/local/bin/ollama")
	cfg.DataDir = filepath.Join(root, "usr/share/ollama")
	cfg.ModelsDir = filepath.Join(cfg.DataDir, ".ollama/models")
	cfg.UnitPath = filepath.Join(root, "etc/systemd/system/ollama.service")
	cfg.StateDir = filepath.Join(root, "var/lib/airgap-deploy")
	cfg.Harden.SSHDConfig = filepath.Join(root, "etc/ssh/sshd_config")
	cfg.Harden.AuditRulesPath = filepath.Join(root, "etc/audit/rules.d/ollama.rules")
	cfg.IndexRetries = 3
	return cfg
}

type call struct {
	Name string
	Args []string
	Env  []string
}

func (c call) String() string {
	return strings.TrimSpace(filepath.Base(c.Name) + " " + strings.Join(c.Args, " "))
}

type handler func(args []string) ([]byte, error)

// fakeRunner answers commands from handlers keyed by full name or base name. Commands without
// a handler succeed with no output.
type fakeRunner struct {
	mu       sync.Mutex
	handlers map[string]handler
	missing  map[string]bool
	calls    []call
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: map[string]handler{}, missing: map[string]bool{}}
}

func (r *fakeRunner) on(name string, h handler) {
	r.handlers[name] = h
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.RunEnv(ctx, nil, name, args...)
}

func (r *fakeRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	r.calls = append(r.calls, call{Name: name, Args: args, Env: env})
	h, ok := r.handlers[name]
	if !ok {
		h, ok = r.handlers[filepath.Base(name)]
	}
	r.mu.Unlock()

	if r.missing[filepath.Base(name)] {
		return nil, fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	if !ok {
		return nil, nil
	}
	return h(args)
}

func (r *fakeRunner) LookPath(name string) (string, error) {
	if r.missing[name] {
		return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	return "/usr/bin/" + name, nil
}

func (r *fakeRunner) ran(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if strings.HasPrefix(c.String(), prefix) {
			return true
		}
	}
	return false
}

// envOf returns the extra environment of the last call matching prefix.
func (r *fakeRunner) envOf(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.calls) - 1; i >= 0; i-- {
		if strings.HasPrefix(r.calls[i].String(), prefix) {
			return r.calls[i].Env
		}
	}
	return nil
}

// fakeSSHD accepts any config for -t and answers -T the way sshd resolves settings: the
// first value read wins and Include pulls files in where it appears. Includes under /etc/ssh
// resolve against confDir.
func fakeSSHD(confDir string) handler {
	return func(args []string) ([]byte, error) {
		if len(args) < 3 || args[0] != "-T" {
			return nil, nil
		}
		values := map[string]string{}
		var order []string
		var read func(path string) error
		read = func(path string) error {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			for _, line := range strings.Split(string(data), "\n") {
				key, value := sshdKeyValue(line)
				switch key {
				case "":
				case "match":
					return nil
				case "include":
					matches, _ := filepath.Glob(strings.Replace(value, "/etc/ssh", confDir, 1))
					for _, m := range matches {
						if err := read(m); err != nil {
							return err
						}
					}
				default:
					if _, ok := values[key]; !ok {
						values[key] = strings.ToLower(value)
						order = append(order, key)
					}
				}
			}
			return nil
		}
		if err := read(args[2]); err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, key := range order {
			fmt.Fprintf(&b, "%s %s\n", key, values[key])
		}
		return []byte(b.String()), nil
	}
}

func fail(output string) handler {
	return func([]string) ([]byte, error) {
		return []byte(output), &CommandError{Command: "fake", Output: output, Err: fmt.Errorf("exit status 1")}
	}
}

func respond(output string) handler {
	return func([]string) ([]byte, error) {
		return []byte(output), nil
	}
}

// fakeServices is an in-memory init system.
type fakeServices struct {
	mu      sync.Mutex
	units   map[string]*UnitStatus
	calls   []string
	reloads int

	// stuck keeps units from ever becoming active.
	stuck bool
}

func newFakeServices() *fakeServices {
	return &fakeServices{units: map[string]*UnitStatus{}}
}

func (s *fakeServices) unit(name string) *UnitStatus {
	u, ok := s.units[name]
	if !ok {
		u = &UnitStatus{LoadState: "loaded", ActiveState: "inactive", SubState: "dead", UnitFileState: "disabled"}
		s.units[name] = u
	}
	return u
}

func (s *fakeServices) set(name string, active, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.unit(name)
	u.ActiveState, u.SubState = "inactive", "dead"
	if active {
		u.ActiveState, u.SubState = "active", "running"
	}
	u.UnitFileState = "disabled"
	if enabled {
		u.UnitFileState = "enabled"
	}
}

func (s *fakeServices) record(verb, unit string) {
	s.calls = append(s.calls, verb+" "+unit)
}

func (s *fakeServices) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	s.calls = append(s.calls, "daemon-reload")
	return nil
}

func (s *fakeServices) Enable(ctx context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("enable", unit)
	s.unit(unit).UnitFileState = "enabled"
	return nil
}

func (s *fakeServices) Disable(ctx context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("disable", unit)
	s.unit(unit).UnitFileState = "disabled"
	return nil
}

func (s *fakeServices) Start(ctx context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("start", unit)
	if !s.stuck {
		u := s.unit(unit)
		u.ActiveState, u.SubState = "active", "running"
	} else {
		u := s.unit(unit)
		u.ActiveState, u.SubState = "activating", "auto-restart"
	}
	return nil
}

func (s *fakeServices) Stop(ctx context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("stop", unit)
	u := s.unit(unit)
	u.ActiveState, u.SubState = "inactive", "dead"
	return nil
}

func (s *fakeServices) Restart(ctx context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("restart", unit)
	if !s.stuck {
		u := s.unit(unit)
		u.ActiveState, u.SubState = "active", "running"
	}
	return nil
}

func (s *fakeServices) ReloadUnit(ctx context.Context, unit string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("reload", unit)
	return nil
}

func (s *fakeServices) Status(ctx context.Context, unit string) (UnitStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[unit]
	if !ok {
		return UnitStatus{LoadState: "not-found", ActiveState: "inactive", SubState: "dead"}, nil
	}
	return *u, nil
}

func (s *fakeServices) history() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// fakeAccounts creates accounts owned by the test process so chown succeeds unprivileged.
type fakeAccounts struct {
	mu      sync.Mutex
	users   map[string]*Account
	created int
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{users: map[string]*Account{}}
}

func (a *fakeAccounts) add(name, home string) {
	a.users[name] = &Account{Name: name, UID: os.Getuid(), GID: os.Getgid(), Home: home}
}

func (a *fakeAccounts) Lookup(name string) (*Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if u, ok := a.users[name]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (a *fakeAccounts) Create(ctx context.Context, name, home string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created++
	a.users[name] = &Account{Name: name, UID: os.Getuid(), GID: os.Getgid(), Home: home}
	return nil
}

// fakeTimer fires immediately and records every wait it was asked for.
type fakeTimer struct {
	mu    sync.Mutex
	c     chan time.Time
	waits []time.Duration
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{c: make(chan time.Time, 1)}
}

func (t *fakeTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.waits = append(t.waits, d)
	t.mu.Unlock()
	select {
	case t.c <- time.Now():
	default:
	}
}

func (t *fakeTimer) Stop() {}

func (t *fakeTimer) C() <-chan time.Time {
	return t.c
}

func (t *fakeTimer) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waits)
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

// addBlob writes a content-addressed blob and returns its digest.
func addBlob(t *testing.T, store, content string) string {
	t.Helper()
	sum := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
	writeFile(t, filepath.Join(store, StoreBlobsDir, "sha256-"+sum), content, 0o644)
	return "sha256:" + sum
}

// addModel writes a manifest for model:tag with a config and one layer blob.
func addModel(t *testing.T, store, model, tag string) {
	t.Helper()
	config := addBlob(t, store, `{"model":"`+model+`"}`)
	layer := addBlob(t, store, "weights for "+model+":"+tag)
	m := ModelManifest{
		SchemaVersion: 2,
		MediaType:     "application/vnd.docker.distribution.manifest.v2+json",
		Config:        ManifestBlob{MediaType: "application/vnd.docker.container.image.v1+json", Digest: config},
		Layers:        []ManifestBlob{{MediaType: "application/vnd.ollama.image.model", Digest: layer}},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	writeFile(t, filepath.Join(store, StoreManifestsDir, "registry.ollama.ai", "library", model, tag), string(data), 0o644)
}

const fakeBinary = "#!/bin/sh\necho 'ollama version is 0.5.7'\n"

// makeBundle builds a complete bundle whose model tree holds the given number of blobs.
func makeBundle(t *testing.T, blobs int) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, BundleInstallersDir, "ollama"), fakeBinary, 0o755)
	for i := 0; i < blobs; i++ {
		addBlob(t, filepath.Join(root, BundleModelsDir), fmt.Sprintf("blob %d", i))
	}
	writeFile(t, filepath.Join(root, BundleModelsDir, "models.txt"), "llama3:8b\n", 0o644)
	writeFile(t, filepath.Join(root, BundleScriptsDir, "install.sh"), "#!/bin/sh\n", 0o755)
	require.NoError(t, os.MkdirAll(filepath.Join(root, BundleConfigDir), 0o755))
	writeFile(t, filepath.Join(root, "metadata.json"),
		`{"version": "0.5.7", "models": ["llama3:8b"], "timestamp": "2024-11-02T10:00:00Z", "commit": "4f2c1ab", "triggered_by": "ci"}`, 0o644)
	return root
}

// storeInventory lists the model tags in a store the way `ollama list` prints them.
func storeInventory(store string) handler {
	return func(args []string) ([]byte, error) {
		refs, err := ScanManifests(store)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		b.WriteString("NAME\tID\tSIZE\tMODIFIED\n")
		for _, ref := range refs {
			fmt.Fprintf(&b, "%s\t%s\t1 GB\t2 minutes ago\n", ref.Name, "a80c4f17acd5")
		}
		return []byte(b.String()), nil
	}
}
