package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type StepStatus string

const (
	StepPass    StepStatus = "pass"
	StepWarn    StepStatus = "warn"
	StepFail    StepStatus = "fail"
	StepSkipped StepStatus = "skipped"
)

// StepResult is the outcome of one hardening step or one verification check.
type StepResult struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
}

// HardenReport lists the hardening steps in the order they ran.
type HardenReport struct {
	Steps             []StepResult `json:"steps"`
	RootLoginDisabled bool         `json:"root_login_disabled"`
	DefaultDeny       bool         `json:"default_deny"`
	SELinuxMode       string       `json:"selinux_mode,omitempty"`
	Backup            string       `json:"backup,omitempty"`
}

func (r *HardenReport) add(name string, status StepStatus, detail string) {
	r.Steps = append(r.Steps, StepResult{Name: name, Status: status, Detail: detail})
}

// Warnings counts the steps that completed with a warning.
func (r *HardenReport) Warnings() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StepWarn {
			n++
		}
	}
	return n
}

type sshDirective struct {
	Key   string
	Value string
}

var sshdDirectives = []sshDirective{
	{"PermitRootLogin", "no"},
	{"PasswordAuthentication", "no"},
	{"PubkeyAuthentication", "yes"},
	{"X11Forwarding", "no"},
}

// Hardener applies the host hardening baseline.
type Hardener struct {
	cfg      *Config
	runner   Runner
	services ServiceManager
	accounts Accounts
	now      func() time.Time
}

func NewHardener(cfg *Config, runner Runner, services ServiceManager, accounts Accounts) *Hardener {
	return &Hardener{
		cfg:      cfg,
		runner:   runner,
		services: services,
		accounts: accounts,
		now:      time.Now,
	}
}

// Harden runs every step in order. Only a rejected sshd config stops the phase.
func (h *Hardener) Harden(ctx context.Context) (*HardenReport, error) {
	logger := GetLogger(ctx).WithField("phase", "harden")
	ctx = WithLogger(ctx, logger)
	report := &HardenReport{}

	if err := h.HardenSSHD(ctx, report); err != nil {
		return report, err
	}
	h.ApplyFirewall(ctx, report)
	h.DisableServices(ctx, report)
	h.RestrictDataRoot(ctx, report)
	h.CheckSELinux(ctx, report)
	h.InstallAuditRules(ctx, report)

	logger.WithFields(logrus.Fields{
		"steps":    len(report.Steps),
		"warnings": report.Warnings(),
	}).Info("harden phase complete")
	return report, nil
}

// HardenSSHD rewrites the sshd directives, validates the result and restores the original on
// rejection. The step passes only when sshd -T reports the directives in effect.
func (h *Hardener) HardenSSHD(ctx context.Context, report *HardenReport) error {
	const step = "sshd"
	path := h.cfg.Harden.SSHDConfig
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": step, "config": path})

	info, err := os.Stat(path)
	if err != nil {
		report.add(step, StepFail, err.Error())
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	original, err := os.ReadFile(path)
	if err != nil {
		report.add(step, StepFail, err.Error())
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	status := StepPass
	var notes []string
	desired, changed := rewriteSSHDConfig(original, sshdDirectives)
	if ReconcileContent(original, true, desired) == ActionNone {
		logger.Info("sshd config already compliant")
		notes = append(notes, "already compliant")
	} else {
		backup := fmt.Sprintf("%s.bak.%d", path, h.now().Unix())
		if err := writeFileAtomic(backup, original, info.Mode().Perm()); err != nil {
			report.add(step, StepFail, err.Error())
			return fmt.Errorf("failed to back up %s: %w", path, err)
		}
		report.Backup = backup
		logger.WithField("backup", backup).Info("sshd config backed up")

		if err := writeFileAtomic(path, desired, info.Mode().Perm()); err != nil {
			report.add(step, StepFail, err.Error())
			return fmt.Errorf("failed to write %s: %w", path, err)
		}

		out, err := h.runner.Run(ctx, "sshd", "-t", "-f", path)
		if err != nil {
			restoreErr := writeFileAtomic(path, original, info.Mode().Perm())
			if restoreErr != nil {
				logger.WithError(restoreErr).Error("failed to restore sshd config from backup")
			}
			validationErr := &ConfigValidationError{
				Path:     path,
				Output:   SanitizeLogOutput(string(out)),
				Restored: restoreErr == nil,
				Err:      err,
			}
			logger.WithField("output", validationErr.Output).Error("sshd rejected the new config")
			report.add(step, StepFail, validationErr.Error())
			return validationErr
		}
		notes = append(notes, "updated "+strings.Join(changed, ", "))

		unit := h.cfg.Harden.SSHService + ".service"
		if err := h.services.ReloadUnit(ctx, unit); err != nil {
			logger.WithError(err).Warn("config valid but sshd reload failed, it applies on next restart")
			status = StepWarn
			notes = append(notes, "reload failed: "+err.Error())
		} else {
			logger.WithField("directives", changed).Info("sshd config hardened and reloaded")
		}
	}

	effective, err := h.effectiveSSHD(ctx, path)
	if err != nil {
		logger.WithError(err).Warn("could not read the effective sshd config")
		report.add(step, StepWarn, strings.Join(append(notes, "effective config unknown: "+err.Error()), "; "))
		return nil
	}
	report.RootLoginDisabled = effective["permitrootlogin"] == "no"

	var overridden []string
	for _, d := range sshdDirectives {
		key := strings.ToLower(d.Key)
		if got := effective[key]; !strings.EqualFold(got, d.Value) {
			overridden = append(overridden, key+" "+got)
		}
	}
	if len(overridden) > 0 {
		logger.WithField("effective", overridden).Warn("sshd directives overridden by another config source")
		status = StepWarn
		notes = append(notes, "effective "+strings.Join(overridden, ", "))
	}
	report.add(step, status, strings.Join(notes, "; "))
	return nil
}

// effectiveSSHD returns the lowercased settings sshd resolves from path, includes applied.
func (h *Hardener) effectiveSSHD(ctx context.Context, path string) (map[string]string, error) {
	out, err := h.runner.Run(ctx, "sshd", "-T", "-f", path)
	if err != nil {
		return nil, err
	}
	settings := make(map[string]string)
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key := strings.ToLower(fields[0])
		if _, ok := settings[key]; !ok {
			settings[key] = strings.ToLower(strings.Join(fields[1:], " "))
		}
	}
	return settings, nil
}

// sshdKeyValue splits a config line into its lowercased keyword and its value. sshd accepts
// whitespace, '=' or both between the two.
func sshdKeyValue(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", ""
	}
	i := strings.IndexAny(line, " \t=")
	if i < 0 {
		return strings.ToLower(line), ""
	}
	value := strings.TrimLeft(line[i:], " \t")
	value = strings.TrimPrefix(value, "=")
	return strings.ToLower(line[:i]), strings.TrimSpace(value)
}

// rewriteSSHDConfig sets each directive in the global section. sshd keeps the first value it
// reads, so a directive only counts as set when it appears before the first Include or Match.
// Wrong values are replaced in place and unset directives are inserted ahead of the first
// Include or Match. It returns the keys that changed.
func rewriteSSHDConfig(data []byte, directives []sshDirective) ([]byte, []string) {
	want := make(map[string]sshDirective, len(directives))
	for _, d := range directives {
		want[strings.ToLower(d.Key)] = d
	}
	set := make(map[string]bool)
	changed := make(map[string]bool)

	var lines []string
	insertAt := -1
	inMatch := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		key, value := sshdKeyValue(line)
		if key == "" || inMatch {
			lines = append(lines, line)
			continue
		}
		if key == "match" || key == "include" {
			if insertAt < 0 {
				insertAt = len(lines)
			}
			inMatch = key == "match"
			lines = append(lines, line)
			continue
		}
		d, ok := want[key]
		if !ok {
			lines = append(lines, line)
			continue
		}
		if insertAt < 0 {
			set[key] = true
		}
		if !strings.EqualFold(value, d.Value) {
			changed[d.Key] = true
			line = d.Key + " " + d.Value
		}
		lines = append(lines, line)
	}

	var missing []string
	for _, d := range directives {
		if !set[strings.ToLower(d.Key)] {
			missing = append(missing, d.Key+" "+d.Value)
			changed[d.Key] = true
		}
	}
	if len(missing) > 0 {
		if insertAt < 0 {
			lines = append(lines, missing...)
		} else {
			lines = append(lines[:insertAt], append(missing, lines[insertAt:]...)...)
		}
	}

	var keys []string
	for _, d := range directives {
		if changed[d.Key] {
			keys = append(keys, d.Key)
		}
	}
	if len(keys) == 0 {
		return data, nil
	}
	return []byte(strings.Join(lines, "\n") + "\n"), keys
}

// ApplyFirewall sets the default zone to deny inbound traffic and keeps SSH reachable.
func (h *Hardener) ApplyFirewall(ctx context.Context, report *HardenReport) {
	const step = "firewall"
	logger := GetLogger(ctx).WithField("step", step)
	zone := h.cfg.Harden.FirewallZone

	if _, err := h.runner.LookPath("firewall-cmd"); err != nil {
		logger.Warn("firewall-cmd not found, skipping firewall configuration")
		report.add(step, StepWarn, "firewalld not installed")
		return
	}
	warn := func(msg string, err error) {
		logger.WithError(err).Warn(msg)
		report.add(step, StepWarn, msg+": "+err.Error())
	}

	out, err := h.runner.Run(ctx, "firewall-cmd", "--get-default-zone")
	if err != nil {
		warn("firewalld is not running", err)
		return
	}
	if current := strings.TrimSpace(string(out)); current != zone {
		if _, err := h.runner.Run(ctx, "firewall-cmd", "--set-default-zone="+zone); err != nil {
			warn("failed to set default zone", err)
			return
		}
		logger.WithFields(logrus.Fields{"from": current, "to": zone}).Info("default zone changed")
	}

	if _, err := h.runner.Run(ctx, "firewall-cmd", "--permanent", "--zone="+zone, "--query-service=ssh"); err != nil {
		if _, err := h.runner.Run(ctx, "firewall-cmd", "--permanent", "--zone="+zone, "--add-service=ssh"); err != nil {
			warn("failed to allow ssh", err)
			return
		}
	}
	if port := h.cfg.Harden.SSHPort; port != 22 {
		portProto := strconv.Itoa(port) + "/tcp"
		if _, err := h.runner.Run(ctx, "firewall-cmd", "--permanent", "--zone="+zone, "--query-port="+portProto); err != nil {
			if _, err := h.runner.Run(ctx, "firewall-cmd", "--permanent", "--zone="+zone, "--add-port="+portProto); err != nil {
				warn("failed to allow ssh port", err)
				return
			}
		}
	}
	if _, err := h.runner.Run(ctx, "firewall-cmd", "--reload"); err != nil {
		warn("failed to reload firewalld", err)
		return
	}

	report.DefaultDeny = true
	logger.WithField("zone", zone).Info("default-deny firewall active")
	report.add(step, StepPass, "default zone "+zone)
}

// DisableServices stops and disables the units that have no place on the host. Units that
// are not installed are skipped.
func (h *Hardener) DisableServices(ctx context.Context, report *HardenReport) {
	const step = "services"
	logger := GetLogger(ctx).WithField("step", step)

	var disabled, failed []string
	for _, name := range h.cfg.Harden.DisableServices {
		unit := name + ".service"
		status, err := h.services.Status(ctx, unit)
		if err != nil || !status.Exists() {
			logger.WithField("unit", unit).Debug("unit not present")
			continue
		}
		if ReconcileService(ServiceState{Enabled: status.Enabled(), Active: status.Active()}, ServiceState{}) == ActionNone {
			continue
		}
		if status.Active() {
			if err := h.services.Stop(ctx, unit); err != nil {
				logger.WithError(err).WithField("unit", unit).Warn("failed to stop unit")
				failed = append(failed, name)
				continue
			}
		}
		if status.Enabled() {
			if err := h.services.Disable(ctx, unit); err != nil {
				logger.WithError(err).WithField("unit", unit).Warn("failed to disable unit")
				failed = append(failed, name)
				continue
			}
		}
		disabled = append(disabled, name)
		logger.WithField("unit", unit).Info("unit disabled")
	}

	if len(failed) > 0 {
		report.add(step, StepWarn, "could not disable "+strings.Join(failed, ", "))
		return
	}
	detail := "nothing to disable"
	if len(disabled) > 0 {
		detail = "disabled " + strings.Join(disabled, ", ")
	}
	report.add(step, StepPass, detail)
}

// RestrictDataRoot closes the data directory to everyone but the service account.
func (h *Hardener) RestrictDataRoot(ctx context.Context, report *HardenReport) {
	const step = "data-root"
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": step, "dir": h.cfg.DataDir})

	acct, err := h.accounts.Lookup(h.cfg.ServiceUser)
	if err == nil && acct == nil {
		err = fmt.Errorf("service account %s does not exist", h.cfg.ServiceUser)
	}
	if err == nil {
		err = ensureDir(h.cfg.DataDir, 0o750, acct.UID, acct.GID)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to restrict data root")
		report.add(step, StepWarn, err.Error())
		return
	}
	logger.Info("data root restricted")
	report.add(step, StepPass, "0750 "+acct.Name)
}

// CheckSELinux reports the enforcement mode and restores file contexts on what was installed.
func (h *Hardener) CheckSELinux(ctx context.Context, report *HardenReport) {
	const step = "selinux"
	logger := GetLogger(ctx).WithField("step", step)

	if _, err := h.runner.LookPath("getenforce"); err != nil {
		logger.Warn("SELinux tools not found")
		report.add(step, StepWarn, "selinux not available")
		return
	}
	out, err := h.runner.Run(ctx, "getenforce")
	if err != nil {
		logger.WithError(err).Warn("getenforce failed")
		report.add(step, StepWarn, err.Error())
		return
	}
	mode := strings.TrimSpace(string(out))
	report.SELinuxMode = mode

	if _, err := h.runner.Run(ctx, "restorecon", "-R", "-v", h.cfg.BinaryPath, h.cfg.DataDir); err != nil {
		logger.WithError(err).Warn("restorecon failed")
	}

	if mode != "Enforcing" {
		logger.WithField("mode", mode).Warn("SELinux is not enforcing")
		report.add(step, StepWarn, "mode "+mode)
		return
	}
	logger.Info("SELinux enforcing")
	report.add(step, StepPass, "mode "+mode)
}

// InstallAuditRules watches executions of the binary and writes to the model store. Hosts
// without auditd are skipped.
func (h *Hardener) InstallAuditRules(ctx context.Context, report *HardenReport) {
	const step = "audit"
	path := h.cfg.Harden.AuditRulesPath
	logger := GetLogger(ctx).WithFields(logrus.Fields{"step": step, "rules": path})

	if _, err := h.runner.LookPath("auditctl"); err != nil {
		logger.Info("audit subsystem not available, skipping")
		report.add(step, StepSkipped, "auditd not installed")
		return
	}

	desired := h.AuditRules()
	current, err := os.ReadFile(path)
	exists := err == nil
	if ReconcileContent(current, exists, desired) == ActionNone {
		report.add(step, StepPass, "rules already present")
		return
	}
	if err := writeFileAtomic(path, desired, 0o640); err != nil {
		logger.WithError(err).Warn("failed to write audit rules")
		report.add(step, StepWarn, err.Error())
		return
	}
	if _, err := h.runner.Run(ctx, "augenrules", "--load"); err != nil {
		logger.WithError(err).Warn("failed to load audit rules")
		report.add(step, StepWarn, "rules written, load failed: "+err.Error())
		return
	}
	logger.Info("audit rules loaded")
	report.add(step, StepPass, "rules loaded")
}

// AuditRules renders the watch rules for the service.
func (h *Hardener) AuditRules() []byte {
	key := h.cfg.ServiceName
	var b strings.Builder
	fmt.Fprintf(&b, "-w %s -p x -k %s-exec\n", h.cfg.BinaryPath, key)
	fmt.Fprintf(&b, "-w %s -p wa -k %s-models\n", h.cfg.ModelsDir, key)
	return []byte(b.String())
}
