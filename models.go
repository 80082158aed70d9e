package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// LoadReport summarises what the model loading phase did.
type LoadReport struct {
	Source    string     `json:"source"`
	Files     int        `json:"files"`
	Models    []ModelRef `json:"models,omitempty"`
	Sync      SyncReport `json:"sync"`
	Owner     string     `json:"owner"`
	Restarted bool       `json:"restarted"`
	Inventory []string   `json:"inventory,omitempty"`
}

// ModelLoader copies a model tree into the service's store while the service is stopped.
type ModelLoader struct {
	cfg      *Config
	runner   Runner
	services ServiceManager
	accounts Accounts
	poller   Poller
}

func NewModelLoader(cfg *Config, runner Runner, services ServiceManager, accounts Accounts) *ModelLoader {
	return &ModelLoader{
		cfg:      cfg,
		runner:   runner,
		services: services,
		accounts: accounts,
	}
}

// ValidateSource counts the model files in dir and checks that every manifest resolves.
func (l *ModelLoader) ValidateSource(ctx context.Context, dir string) (int, []ModelRef, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": "validate", "dir": dir})

	count, err := countModelFiles(dir, l.cfg.InventoryFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil, fmt.Errorf("%w in %s", ErrNoModelsFound, dir)
		}
		return 0, nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	if count == 0 {
		return 0, nil, fmt.Errorf("%w in %s", ErrNoModelsFound, dir)
	}

	refs, err := ScanManifests(dir)
	if err != nil {
		return count, nil, err
	}
	logger.WithFields(logrus.Fields{"files": count, "manifests": len(refs)}).Info("model source validated")
	return count, refs, nil
}

// Quiesce stops the service if it is running. It reports whether a restart is owed.
func (l *ModelLoader) Quiesce(ctx context.Context) (bool, error) {
	logger := GetLogger(ctx).WithField("step", "quiesce")

	status, err := l.services.Status(ctx, l.cfg.UnitName())
	if err != nil {
		return false, err
	}
	if !status.Active() {
		logger.Info("service not running, no restart owed")
		return false, nil
	}
	if err := l.services.Stop(ctx, l.cfg.UnitName()); err != nil {
		return false, err
	}
	logger.Info("service stopped for model sync")
	return true, nil
}

// SyncModels copies the tree at src into dst, transferring only new or changed files.
func (l *ModelLoader) SyncModels(ctx context.Context, src, dst string) (SyncReport, error) {
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": "sync", "src": src, "dst": dst})

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return SyncReport{}, fmt.Errorf("failed to create model store: %w", err)
	}
	report, err := SyncStore(src, dst, l.cfg.InventoryFile)
	if err != nil {
		return report, fmt.Errorf("failed to sync models: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"copied":  report.Copied,
		"skipped": report.Skipped,
		"bytes":   report.Bytes,
	}).Info("models synced")
	return report, nil
}

// FixOwnership hands the store to the service account: directories 0755, files 0644.
func (l *ModelLoader) FixOwnership(ctx context.Context, dst string) (*Account, error) {
	acct, err := l.accounts.Lookup(l.cfg.ServiceUser)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, fmt.Errorf("service account %s does not exist", l.cfg.ServiceUser)
	}

	err = filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if d.IsDir() {
			mode = 0o755
		}
		if err := os.Lchown(path, acct.UID, acct.GID); err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(path, mode)
	})
	if err != nil {
		return acct, fmt.Errorf("failed to set ownership of %s: %w", dst, err)
	}
	GetLogger(ctx).WithFields(logrus.Fields{"step": "ownership", "owner": acct.Name}).Info("model store ownership set")
	return acct, nil
}

// ResumeIfOwed restarts the service if Quiesce stopped it, then waits for the model inventory.
// A service that was not running stays down and its inventory is not queried.
func (l *ModelLoader) ResumeIfOwed(ctx context.Context, owed bool) ([]string, error) {
	logger := GetLogger(ctx).WithField("step", "resume")
	if !owed {
		logger.Info("no restart owed, leaving service stopped")
		return nil, nil
	}

	if err := l.services.Start(ctx, l.cfg.UnitName()); err != nil {
		return nil, err
	}
	logger.WithField("settle", l.cfg.Settle()).Info("service restarted, waiting to settle")
	if err := l.poller.Wait(ctx, l.cfg.Settle()); err != nil {
		return nil, err
	}

	poller := Poller{Attempts: l.cfg.IndexRetries, Interval: l.cfg.IndexInterval(), Timer: l.poller.Timer}
	var inventory []string
	attempts, err := poller.Until(ctx, func(ctx context.Context) (bool, error) {
		inv, err := l.Inventory(ctx)
		if err != nil {
			logger.WithError(err).Debug("inventory query failed")
			return false, nil
		}
		inventory = inv
		return len(inv) > 0, nil
	})
	switch {
	case err == nil:
		logger.WithFields(logrus.Fields{"models": len(inventory), "attempts": attempts}).Info("model inventory available")
		return inventory, nil
	case errors.Is(err, ErrPollExhausted):
		if l.cfg.StrictIndexing {
			return nil, ErrIndexingTimeout
		}
		logger.WithField("attempts", attempts).Warn("model inventory still empty, indexing may still be in progress")
		return nil, nil
	default:
		return nil, err
	}
}

// Inventory asks the service binary for the models it has indexed.
func (l *ModelLoader) Inventory(ctx context.Context) ([]string, error) {
	out, err := l.runner.RunEnv(ctx, l.cfg.ClientEnv(), l.cfg.BinaryPath, "list")
	if err != nil {
		return nil, err
	}
	return parseInventory(string(out)), nil
}

// parseInventory returns the first column of each row after the header.
func parseInventory(out string) []string {
	var models []string
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if i == 0 || len(fields) == 0 {
			continue
		}
		models = append(models, fields[0])
	}
	return models
}

// Load runs the model loading phase. The source is validated before the service is touched,
// and a stopped service is restarted even when the copy fails. When the store already holds
// every source file the service is left alone.
func (l *ModelLoader) Load(ctx context.Context, src string) (report *LoadReport, err error) {
	logger := GetLogger(ctx).WithField("phase", "load")
	ctx = WithLogger(ctx, logger)
	report = &LoadReport{Source: src}

	count, refs, err := l.ValidateSource(ctx, src)
	if err != nil {
		return report, err
	}
	report.Files = count
	report.Models = refs

	pending, err := PlanStore(src, l.cfg.ModelsDir, l.cfg.InventoryFile)
	if err != nil {
		return report, fmt.Errorf("failed to plan model sync: %w", err)
	}
	if len(pending) == 0 {
		logger.Info("model store already current, service left untouched")
	} else {
		var owed bool
		owed, err = l.Quiesce(ctx)
		if err != nil {
			return report, err
		}
		report.Restarted = owed

		defer func() {
			inventory, resumeErr := l.ResumeIfOwed(ctx, owed)
			report.Inventory = inventory
			if resumeErr == nil {
				return
			}
			if err == nil {
				err = resumeErr
				return
			}
			logger.WithError(resumeErr).Error("failed to resume service after failed sync")
		}()
	}

	report.Sync, err = l.SyncModels(ctx, src, l.cfg.ModelsDir)
	if err != nil {
		return report, err
	}

	acct, err := l.FixOwnership(ctx, l.cfg.ModelsDir)
	if err != nil {
		return report, err
	}
	report.Owner = acct.Name

	logger.WithFields(logrus.Fields{
		"files":  report.Files,
		"copied": report.Sync.Copied,
		"owner":  report.Owner,
	}).Info("model load phase complete")
	return report, nil
}
