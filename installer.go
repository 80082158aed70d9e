package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/unit"
	"github.com/sirupsen/logrus"
)

// InstallReport summarises what the install phase did.
type InstallReport struct {
	Account         string `json:"account"`
	AccountCreated  bool   `json:"account_created"`
	Version         string `json:"version"`
	ArtifactAction  string `json:"artifact_action"`
	UnitAction      string `json:"unit_action"`
	UnitSynthesized bool   `json:"unit_synthesized"`
	Restarted       bool   `json:"restarted"`
}

// UnitResult is the outcome of InstallServiceUnit.
type UnitResult struct {
	Action      Action
	Synthesized bool
	Started     bool
}

type Installer struct {
	cfg      *Config
	runner   Runner
	services ServiceManager
	accounts Accounts
	poller   Poller

	// ArtifactUID and ArtifactGID own the installed binary.
	ArtifactUID int
	ArtifactGID int
}

func NewInstaller(cfg *Config, runner Runner, services ServiceManager, accounts Accounts) *Installer {
	return &Installer{
		cfg:         cfg,
		runner:      runner,
		services:    services,
		accounts:    accounts,
		ArtifactUID: 0,
		ArtifactGID: 0,
	}
}

// EnsureServiceAccount creates the service account if it does not exist yet.
func (in *Installer) EnsureServiceAccount(ctx context.Context, name string) (*Account, bool, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": "account", "user": name})

	acct, err := in.accounts.Lookup(name)
	if err != nil {
		return nil, false, err
	}

	switch ReconcileAccount(acct != nil) {
	case ActionNone:
		logger.Info("service account already present")
		return acct, false, nil
	default:
		logger.WithField("home", in.cfg.DataDir).Info("creating service account")
		if err := in.accounts.Create(ctx, name, in.cfg.DataDir); err != nil {
			return nil, false, err
		}
	}

	acct, err = in.accounts.Lookup(name)
	if err != nil {
		return nil, false, err
	}
	if acct == nil {
		return nil, false, fmt.Errorf("user %s not found after creation", name)
	}
	return acct, true, nil
}

// InstallArtifact copies the binary to its system path and checks that the installed copy can
// report its version.
func (in *Installer) InstallArtifact(ctx context.Context, src, dst string) (string, Action, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": "artifact", "src": src, "dst": dst})

	info, err := os.Stat(src)
	if err != nil {
		return "", ActionNone, &InstallationFailedError{Path: dst, Err: err}
	}
	if !info.Mode().IsRegular() {
		return "", ActionNone, &InstallationFailedError{Path: dst, Err: fmt.Errorf("%s is not a regular file", src)}
	}
	if info.Mode().Perm()&0o111 == 0 {
		if err := os.Chmod(src, info.Mode().Perm()|0o755); err != nil {
			logger.WithError(err).Warn("failed to mark source executable, continuing")
		}
	}

	sum, err := sha256File(src)
	if err != nil {
		return "", ActionNone, &InstallationFailedError{Path: dst, Err: err}
	}
	current, err := statFile(dst)
	if err != nil {
		return "", ActionNone, &InstallationFailedError{Path: dst, Err: err}
	}

	desired := FileState{SHA256: sum, Mode: 0o755, UID: in.ArtifactUID, GID: in.ArtifactGID}
	action := ReconcileFile(current, desired)
	switch action {
	case ActionNone:
		logger.Info("artifact already installed")
	default:
		if !current.Exists || current.SHA256 != sum {
			if _, err := copyFile(src, dst, 0o755); err != nil {
				return "", action, &InstallationFailedError{Path: dst, Err: err}
			}
		}
		if err := os.Chown(dst, in.ArtifactUID, in.ArtifactGID); err != nil {
			return "", action, &InstallationFailedError{Path: dst, Err: err}
		}
		if err := os.Chmod(dst, 0o755); err != nil {
			return "", action, &InstallationFailedError{Path: dst, Err: err}
		}
		logger.WithFields(logrus.Fields{"action": action, "sha256": sum}).Info("artifact installed")
	}

	version, err := in.Version(ctx, dst)
	if err != nil {
		return "", action, &InstallationFailedError{Path: dst, Err: err}
	}
	logger.WithField("version", version).Info("artifact self-check passed")
	return version, action, nil
}

var versionPattern = regexp.MustCompile(`v?(\d+\.\d+[0-9A-Za-z.+\-]*)`)

// Version asks the binary at path for its version string.
func (in *Installer) Version(ctx context.Context, path string) (string, error) {
	out, err := in.runner.Run(ctx, path, "--version")
	if err != nil {
		return "", fmt.Errorf("version query failed: %w", err)
	}
	return parseVersion(string(out))
}

func parseVersion(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(strings.ToLower(line), "warning") {
			continue
		}
		if m := versionPattern.FindStringSubmatch(line); m != nil {
			return m[1], nil
		}
		return line, nil
	}
	return "", fmt.Errorf("binary reported no version")
}

// InstallServiceUnit writes the unit from the bundle, or a default one when the bundle has
// none, then reloads systemd and enables and starts the service.
func (in *Installer) InstallServiceUnit(ctx context.Context, unitSrc, unitDst string) (UnitResult, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": "unit", "unit": in.cfg.UnitName()})
	var res UnitResult

	var desired []byte
	if unitSrc != "" && fileExists(unitSrc) {
		data, err := os.ReadFile(unitSrc)
		if err != nil {
			return res, fmt.Errorf("failed to read unit %s: %w", unitSrc, err)
		}
		if err := validateUnit(data); err != nil {
			return res, fmt.Errorf("invalid unit %s: %w", unitSrc, err)
		}
		desired = data
	} else {
		data, err := in.DefaultUnit()
		if err != nil {
			return res, err
		}
		desired = data
		res.Synthesized = true
		logger.Info("bundle has no unit file, using default unit")
	}

	current, err := os.ReadFile(unitDst)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return res, fmt.Errorf("failed to read installed unit: %w", err)
	}

	res.Action = ReconcileContent(current, exists, desired)
	if res.Action != ActionNone {
		if err := writeFileAtomic(unitDst, desired, 0o644); err != nil {
			return res, err
		}
		if err := in.services.Reload(ctx); err != nil {
			return res, err
		}
		logger.WithField("action", res.Action).Info("unit written and systemd reloaded")
	}

	status, err := in.services.Status(ctx, in.cfg.UnitName())
	if err != nil {
		return res, err
	}
	observed := ServiceState{Enabled: status.Enabled(), Active: status.Active()}
	if ReconcileService(observed, ServiceState{Enabled: true, Active: true}) == ActionNone {
		logger.Info("service already enabled and active")
		return res, nil
	}
	if !status.Enabled() {
		if err := in.services.Enable(ctx, in.cfg.UnitName()); err != nil {
			return res, err
		}
		logger.Info("service enabled")
	}
	if !status.Active() {
		if err := in.services.Start(ctx, in.cfg.UnitName()); err != nil {
			return res, err
		}
		res.Started = true
		logger.Info("service started")
	}
	return res, nil
}

// DefaultUnit renders the unit used when the bundle does not ship one. The service only
// listens on loopback.
func (in *Installer) DefaultUnit() ([]byte, error) {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Unit", "Description", in.cfg.ServiceName+" inference service"),
		unit.NewUnitOption("Unit", "After", "network-online.target"),
		unit.NewUnitOption("Service", "ExecStart", in.cfg.BinaryPath+" serve"),
		unit.NewUnitOption("Service", "User", in.cfg.ServiceUser),
		unit.NewUnitOption("Service", "Group", in.cfg.ServiceUser),
		unit.NewUnitOption("Service", "Restart", "always"),
		unit.NewUnitOption("Service", "RestartSec", "3"),
		unit.NewUnitOption("Service", "Environment", "OLLAMA_HOST="+in.cfg.APIAddr),
		unit.NewUnitOption("Service", "Environment", "OLLAMA_MODELS="+in.cfg.ModelsDir),
		unit.NewUnitOption("Service", "NoNewPrivileges", "true"),
		unit.NewUnitOption("Service", "ProtectSystem", "strict"),
		unit.NewUnitOption("Service", "ProtectHome", "true"),
		unit.NewUnitOption("Service", "PrivateTmp", "true"),
		unit.NewUnitOption("Service", "ReadWritePaths", in.cfg.DataDir),
		unit.NewUnitOption("Install", "WantedBy", "multi-user.target"),
	}
	data, err := io.ReadAll(unit.Serialize(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to render unit: %w", err)
	}
	return data, nil
}

func validateUnit(data []byte) error {
	opts, err := unit.DeserializeOptions(bytes.NewReader(data))
	if err != nil {
		return err
	}
	for _, o := range opts {
		if o.Section == "Service" && o.Name == "ExecStart" {
			return nil
		}
	}
	return fmt.Errorf("no ExecStart in [Service]")
}

// AwaitReady polls the unit until it is active. On timeout the error carries the unit state
// and the last journal lines.
func (in *Installer) AwaitReady(ctx context.Context, timeout, interval time.Duration) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": "ready", "unit": in.cfg.UnitName()})

	poller := NewPoller(timeout, interval)
	poller.Timer = in.poller.Timer

	var last UnitStatus
	attempts, err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
		status, err := in.services.Status(ctx, in.cfg.UnitName())
		if err != nil {
			return false, err
		}
		last = status
		return status.Active(), nil
	})
	if err == nil {
		logger.WithField("attempts", attempts).Info("service is active")
		return nil
	}
	if err != ErrPollExhausted {
		return err
	}

	tail, tailErr := in.runner.Run(ctx, "journalctl", "-u", in.cfg.UnitName(), "-n", "20", "--no-pager")
	if tailErr != nil {
		logger.WithError(tailErr).Warn("failed to read service journal")
	}
	timeoutErr := &ServiceStartTimeoutError{
		Unit:    in.cfg.UnitName(),
		Timeout: timeout.String(),
		Status:  last.String(),
		LogTail: SanitizeLogOutput(string(tail)),
	}
	logger.WithFields(logrus.Fields{
		"status":   timeoutErr.Status,
		"log_tail": timeoutErr.LogTail,
	}).Error("service did not become active")
	return timeoutErr
}

// Install runs the install phase against a verified bundle.
func (in *Installer) Install(ctx context.Context, b *Bundle) (*InstallReport, error) {
	logger := GetLogger(ctx).WithField("phase", "install")
	ctx = WithLogger(ctx, logger)
	report := &InstallReport{Account: in.cfg.ServiceUser}

	acct, created, err := in.EnsureServiceAccount(ctx, in.cfg.ServiceUser)
	if err != nil {
		return report, err
	}
	report.AccountCreated = created

	if err := ensureDir(in.cfg.DataDir, 0o750, acct.UID, acct.GID); err != nil {
		return report, err
	}

	version, artifactAction, err := in.InstallArtifact(ctx, b.Binary, in.cfg.BinaryPath)
	report.ArtifactAction = artifactAction.String()
	if err != nil {
		return report, err
	}
	report.Version = version

	unitRes, err := in.InstallServiceUnit(ctx, b.UnitFile, in.cfg.UnitPath)
	report.UnitAction = unitRes.Action.String()
	report.UnitSynthesized = unitRes.Synthesized
	if err != nil {
		return report, err
	}

	changed := artifactAction != ActionNone || unitRes.Action != ActionNone
	if changed && !unitRes.Started {
		logger.Info("artifact or unit changed, restarting service")
		if err := in.services.Restart(ctx, in.cfg.UnitName()); err != nil {
			return report, err
		}
		report.Restarted = true
	}

	if err := in.AwaitReady(ctx, in.cfg.ReadyTimeout(), in.cfg.PollInterval()); err != nil {
		return report, err
	}

	logger.WithFields(logrus.Fields{
		"version":         report.Version,
		"account_created": report.AccountCreated,
		"artifact":        report.ArtifactAction,
		"unit":            report.UnitAction,
	}).Info("install phase complete")
	return report, nil
}

// ensureDir creates dir if needed and makes sure it has the given owner and mode.
func ensureDir(dir string, mode os.FileMode, uid, gid int) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.Chown(dir, uid, gid); err != nil {
		return fmt.Errorf("failed to set owner of %s: %w", dir, err)
	}
	if err := os.Chmod(dir, mode); err != nil {
		return fmt.Errorf("failed to set mode of %s: %w", dir, err)
	}
	return nil
}
