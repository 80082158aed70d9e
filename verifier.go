package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// VerifyReport is the post-deploy verdict.
type VerifyReport struct {
	Results []StepResult `json:"results"`
	Passed  int          `json:"passed"`
	Failed  int          `json:"failed"`
	Warned  int          `json:"warned"`
	Score   int          `json:"score"`
	Version string       `json:"version,omitempty"`
}

// Success is true when no check failed. Warnings do not count against it.
func (r *VerifyReport) Success() bool {
	return r.Failed == 0
}

func (r *VerifyReport) record(name string, status StepStatus, detail string) {
	r.Results = append(r.Results, StepResult{Name: name, Status: status, Detail: detail})
	switch status {
	case StepPass:
		r.Passed++
	case StepFail:
		r.Failed++
	case StepWarn:
		r.Warned++
	}
}

func (r *VerifyReport) finish() {
	total := len(r.Results)
	if total > 0 {
		r.Score = r.Passed * 100 / total
	}
}

// PostDeployVerifier re-derives the deployment state from the live host. It never changes
// anything.
type PostDeployVerifier struct {
	cfg      *Config
	runner   Runner
	services ServiceManager
	accounts Accounts

	httpClient *http.Client
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewPostDeployVerifier(cfg *Config, runner Runner, services ServiceManager, accounts Accounts) *PostDeployVerifier {
	dialer := &net.Dialer{Timeout: time.Duration(cfg.Verify.AirGapProbeSeconds) * time.Second}
	return &PostDeployVerifier{
		cfg:        cfg,
		runner:     runner,
		services:   services,
		accounts:   accounts,
		httpClient: &http.Client{Timeout: time.Duration(cfg.Verify.HTTPTimeoutSeconds) * time.Second},
		dial:       dialer.DialContext,
	}
}

// Verify runs every check and scores the result.
func (v *PostDeployVerifier) Verify(ctx context.Context) *VerifyReport {
	logger := GetLogger(ctx).WithField("phase", "verify")
	ctx = WithLogger(ctx, logger)
	report := &VerifyReport{}

	checks := []struct {
		name string
		fn   func(context.Context, *VerifyReport) (StepStatus, string)
	}{
		{"binary-present", v.checkBinary},
		{"binary-version", v.checkVersion},
		{"service-active", v.checkServiceActive},
		{"service-enabled", v.checkServiceEnabled},
		{"unit-file", v.checkUnitFile},
		{"model-store", v.checkModelStore},
		{"model-inventory", v.checkInventory},
		{"api", v.checkAPI},
		{"sshd-root-login", v.checkSSHD("permitrootlogin", "no")},
		{"sshd-password-auth", v.checkSSHD("passwordauthentication", "no")},
		{"firewall-zone", v.checkFirewall},
		{"selinux", v.checkSELinux},
		{"audit-rules", v.checkAuditRules},
		{"air-gap", v.checkAirGap},
	}
	for _, c := range checks {
		status, detail := c.fn(ctx, report)
		report.record(c.name, status, detail)

		entry := logger.WithFields(logrus.Fields{"check": c.name, "detail": detail})
		switch status {
		case StepFail:
			entry.Error("check failed")
		case StepWarn:
			entry.Warn("check warning")
		default:
			entry.Info("check passed")
		}
	}
	report.finish()

	logger.WithFields(logrus.Fields{
		"passed": report.Passed,
		"failed": report.Failed,
		"warned": report.Warned,
		"score":  report.Score,
	}).Info("verification complete")
	return report
}

func (v *PostDeployVerifier) checkBinary(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	info, err := os.Stat(v.cfg.BinaryPath)
	if err != nil {
		return StepFail, err.Error()
	}
	if info.Mode().Perm()&0o111 == 0 {
		return StepFail, "not executable"
	}
	return StepPass, v.cfg.BinaryPath
}

func (v *PostDeployVerifier) checkVersion(ctx context.Context, r *VerifyReport) (StepStatus, string) {
	out, err := v.runner.Run(ctx, v.cfg.BinaryPath, "--version")
	if err != nil {
		return StepFail, err.Error()
	}
	version, err := parseVersion(string(out))
	if err != nil {
		return StepFail, err.Error()
	}
	r.Version = version
	return StepPass, version
}

func (v *PostDeployVerifier) checkServiceActive(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	status, err := v.services.Status(ctx, v.cfg.UnitName())
	if err != nil {
		return StepFail, err.Error()
	}
	if !status.Active() {
		return StepFail, status.String()
	}
	return StepPass, status.SubState
}

func (v *PostDeployVerifier) checkServiceEnabled(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	status, err := v.services.Status(ctx, v.cfg.UnitName())
	if err != nil {
		return StepFail, err.Error()
	}
	if !status.Enabled() {
		return StepFail, "unit file state " + status.UnitFileState
	}
	return StepPass, status.UnitFileState
}

func (v *PostDeployVerifier) checkUnitFile(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	if !fileExists(v.cfg.UnitPath) {
		return StepFail, v.cfg.UnitPath + " missing"
	}
	return StepPass, v.cfg.UnitPath
}

func (v *PostDeployVerifier) checkModelStore(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	state, err := statFile(v.cfg.ModelsDir)
	if err != nil {
		return StepFail, err.Error()
	}
	if !state.Exists {
		return StepFail, v.cfg.ModelsDir + " missing"
	}
	acct, err := v.accounts.Lookup(v.cfg.ServiceUser)
	if err != nil || acct == nil {
		return StepFail, "service account " + v.cfg.ServiceUser + " not found"
	}
	if state.UID != acct.UID {
		return StepFail, fmt.Sprintf("owned by uid %d, want %d", state.UID, acct.UID)
	}
	if _, err := ScanManifests(v.cfg.ModelsDir); err != nil {
		return StepFail, err.Error()
	}
	return StepPass, "owned by " + acct.Name
}

func (v *PostDeployVerifier) checkInventory(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	out, err := v.runner.RunEnv(ctx, v.cfg.ClientEnv(), v.cfg.BinaryPath, "list")
	if err != nil {
		return StepFail, err.Error()
	}
	models := parseInventory(string(out))
	if len(models) == 0 {
		return StepFail, "no models indexed"
	}
	return StepPass, strings.Join(models, ", ")
}

func (v *PostDeployVerifier) checkAPI(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	url := "http://" + v.cfg.APIAddr + "/api/version"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StepFail, err.Error()
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return StepFail, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return StepFail, fmt.Sprintf("%s returned %s", url, resp.Status)
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Version == "" {
		return StepWarn, "reachable, version not reported"
	}
	return StepPass, body.Version
}

func (v *PostDeployVerifier) checkSSHD(key, want string) func(context.Context, *VerifyReport) (StepStatus, string) {
	return func(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
		out, err := v.runner.Run(ctx, "sshd", "-T", "-f", v.cfg.Harden.SSHDConfig)
		if err != nil {
			return StepFail, err.Error()
		}
		for _, line := range strings.Split(string(out), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 2 && strings.EqualFold(fields[0], key) {
				if strings.EqualFold(fields[1], want) {
					return StepPass, key + " " + fields[1]
				}
				return StepFail, key + " " + fields[1]
			}
		}
		return StepFail, key + " not reported"
	}
}

func (v *PostDeployVerifier) checkFirewall(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	out, err := v.runner.Run(ctx, "firewall-cmd", "--get-default-zone")
	if Absent(err) {
		return StepWarn, "firewalld not installed"
	}
	if err != nil {
		return StepFail, err.Error()
	}
	zone := strings.TrimSpace(string(out))
	if zone != v.cfg.Harden.FirewallZone {
		return StepFail, "default zone " + zone
	}
	return StepPass, "default zone " + zone
}

func (v *PostDeployVerifier) checkSELinux(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	out, err := v.runner.Run(ctx, "getenforce")
	if err != nil {
		return StepWarn, "selinux not available"
	}
	mode := strings.TrimSpace(string(out))
	if mode != "Enforcing" {
		return StepWarn, "mode " + mode
	}
	return StepPass, "mode " + mode
}

func (v *PostDeployVerifier) checkAuditRules(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	if !fileExists(v.cfg.Harden.AuditRulesPath) {
		return StepWarn, v.cfg.Harden.AuditRulesPath + " missing"
	}
	return StepPass, v.cfg.Harden.AuditRulesPath
}

// checkAirGap expects an outbound connection to a public address to fail.
func (v *PostDeployVerifier) checkAirGap(ctx context.Context, _ *VerifyReport) (StepStatus, string) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(v.cfg.Verify.AirGapProbeSeconds)*time.Second)
	defer cancel()

	conn, err := v.dial(ctx, "tcp", v.cfg.Verify.AirGapProbe)
	if err != nil {
		return StepPass, "no route to " + v.cfg.Verify.AirGapProbe
	}
	conn.Close()
	return StepWarn, v.cfg.Verify.AirGapProbe + " is reachable"
}
