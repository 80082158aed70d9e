package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type installFixture struct {
	cfg      *Config
	runner   *fakeRunner
	services *fakeServices
	accounts *fakeAccounts
	timer    *fakeTimer
	in       *Installer
}

func newInstallFixture(t *testing.T) *installFixture {
	t.Helper()
	f := &installFixture{
		cfg:      testConfig(t),
		runner:   newFakeRunner(),
		services: newFakeServices(),
		accounts: newFakeAccounts(),
		timer:    newFakeTimer(),
	}
	f.runner.on(f.cfg.BinaryPath, respond("ollama version is 0.5.7\n"))
	f.in = NewInstaller(f.cfg, f.runner, f.services, f.accounts)
	f.in.poller.Timer = f.timer
	f.in.ArtifactUID = os.Getuid()
	f.in.ArtifactGID = os.Getgid()
	return f
}

func TestInstallFreshHost(t *testing.T) {
	f := newInstallFixture(t)
	ctx := testContext(t)
	bundle, err := NewBundleVerifier(f.cfg).Verify(ctx, makeBundle(t, 1))
	require.NoError(t, err)

	report, err := f.in.Install(ctx, bundle)
	require.NoError(t, err)

	assert.True(t, report.AccountCreated)
	assert.Equal(t, "0.5.7", report.Version)
	assert.Equal(t, "create", report.ArtifactAction)
	assert.Equal(t, "create", report.UnitAction)
	assert.True(t, report.UnitSynthesized)
	assert.False(t, report.Restarted, "a freshly started unit is not restarted")

	info, err := os.Stat(f.cfg.BinaryPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(f.cfg.DataDir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o750), info.Mode().Perm())

	assert.Equal(t, []string{
		"daemon-reload",
		"enable ollama.service",
		"start ollama.service",
	}, f.services.history())
}

func TestInstallIsIdempotent(t *testing.T) {
	f := newInstallFixture(t)
	ctx := testContext(t)
	bundle, err := NewBundleVerifier(f.cfg).Verify(ctx, makeBundle(t, 1))
	require.NoError(t, err)

	_, err = f.in.Install(ctx, bundle)
	require.NoError(t, err)
	before := len(f.services.history())

	report, err := f.in.Install(ctx, bundle)
	require.NoError(t, err)
	assert.False(t, report.AccountCreated)
	assert.Equal(t, "none", report.ArtifactAction)
	assert.Equal(t, "none", report.UnitAction)
	assert.False(t, report.Restarted)
	assert.Equal(t, 1, f.accounts.created)
	assert.Len(t, f.services.history(), before, "converged host sees no service calls")
}

func TestInstallRestartsOnNewArtifact(t *testing.T) {
	f := newInstallFixture(t)
	ctx := testContext(t)
	root := makeBundle(t, 1)
	bundle, err := NewBundleVerifier(f.cfg).Verify(ctx, root)
	require.NoError(t, err)
	_, err = f.in.Install(ctx, bundle)
	require.NoError(t, err)

	writeFile(t, bundle.Binary, fakeBinary+"# 0.5.8\n", 0o755)
	report, err := f.in.Install(ctx, bundle)
	require.NoError(t, err)
	assert.Equal(t, "update", report.ArtifactAction)
	assert.True(t, report.Restarted)
	assert.Contains(t, f.services.history(), "restart ollama.service")
}

func TestInstallArtifactFailsSelfCheck(t *testing.T) {
	f := newInstallFixture(t)
	f.runner.on(f.cfg.BinaryPath, fail("exec format error"))
	src := filepath.Join(t.TempDir(), "ollama")
	writeFile(t, src, "garbage", 0o644)

	_, _, err := f.in.InstallArtifact(testContext(t), src, f.cfg.BinaryPath)
	var installErr *InstallationFailedError
	require.True(t, errors.As(err, &installErr), "got %v", err)
	assert.Equal(t, f.cfg.BinaryPath, installErr.Path)

	info, err := os.Stat(src)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o111, "source is made executable")
}

func TestInstallServiceUnitFromBundle(t *testing.T) {
	f := newInstallFixture(t)
	src := filepath.Join(t.TempDir(), "ollama.service")
	content := "[Unit]\nDescription=custom\n\n[Service]\nExecStart=/usr/local/bin/ollama serve\n"
	writeFile(t, src, content, 0o644)

	res, err := f.in.InstallServiceUnit(testContext(t), src, f.cfg.UnitPath)
	require.NoError(t, err)
	assert.False(t, res.Synthesized)
	assert.Equal(t, ActionCreate, res.Action)

	got, err := os.ReadFile(f.cfg.UnitPath)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestInstallServiceUnitRejectsUnitWithoutExecStart(t *testing.T) {
	f := newInstallFixture(t)
	src := filepath.Join(t.TempDir(), "ollama.service")
	writeFile(t, src, "[Unit]\nDescription=broken\n", 0o644)

	_, err := f.in.InstallServiceUnit(testContext(t), src, f.cfg.UnitPath)
	require.Error(t, err)
	assert.NoFileExists(t, f.cfg.UnitPath)
}

func TestDefaultUnit(t *testing.T) {
	f := newInstallFixture(t)
	data, err := f.in.DefaultUnit()
	require.NoError(t, err)

	opts, err := unit.DeserializeOptions(strings.NewReader(string(data)))
	require.NoError(t, err)

	values := map[string][]string{}
	for _, o := range opts {
		values[o.Section+"."+o.Name] = append(values[o.Section+"."+o.Name], o.Value)
	}
	assert.Equal(t, []string{f.cfg.BinaryPath + " serve"}, values["Service.ExecStart"])
	assert.Equal(t, []string{"ollama"}, values["Service.User"])
	assert.Equal(t, []string{"always"}, values["Service.Restart"])
	assert.Contains(t, values["Service.Environment"], "OLLAMA_HOST=127.0.0.1:11434")
	assert.Contains(t, values["Service.Environment"], "OLLAMA_MODELS="+f.cfg.ModelsDir)
	assert.Equal(t, []string{"strict"}, values["Service.ProtectSystem"])
	assert.Equal(t, []string{"multi-user.target"}, values["Install.WantedBy"])
}

func TestAwaitReadyTimesOutWithDiagnostics(t *testing.T) {
	f := newInstallFixture(t)
	f.services.stuck = true
	f.services.set("ollama.service", false, true)
	f.runner.on("journalctl", respond("Started ollama.\nError: listen tcp 127.0.0.1:11434: bind: address already in use\n"))

	err := f.in.AwaitReady(testContext(t), 10*time.Second, 2*time.Second)
	var timeout *ServiceStartTimeoutError
	require.True(t, errors.As(err, &timeout), "got %v", err)
	assert.Equal(t, "ollama.service", timeout.Unit)
	assert.Contains(t, timeout.Status, "active=inactive")
	assert.Contains(t, timeout.LogTail, "address already in use")
	assert.Equal(t, 5, f.timer.count(), "six attempts, five waits")
	assert.True(t, f.runner.ran("journalctl -u ollama.service -n 20 --no-pager"))
}

func TestParseVersion(t *testing.T) {
	tests := []struct{ out, want string }{
		{"ollama version is 0.5.7", "0.5.7"},
		{"Warning: could not connect\nclient version is 0.6.1-rc0", "0.6.1-rc0"},
		{"v1.2.3", "1.2.3"},
		{"nightly", "nightly"},
	}
	for _, tt := range tests {
		got, err := parseVersion(tt.out)
		require.NoError(t, err, tt.out)
		assert.Equal(t, tt.want, got, tt.out)
	}

	_, err := parseVersion("\n\n")
	assert.Error(t, err)
}
