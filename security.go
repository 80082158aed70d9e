package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const securePath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	MaxFileSize     int64         // Maximum size of a single extracted file (bytes)
	MaxArchiveSize  int64         // Maximum bundle archive size (bytes)
	CommandTimeout  time.Duration // Timeout for external commands
	AllowedCommands []string      // Only these executables are ever run
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		MaxFileSize:    64 * 1024 * 1024 * 1024,  // 64GB, model blobs are large
		MaxArchiveSize: 256 * 1024 * 1024 * 1024, // 256GB
		CommandTimeout: 10 * time.Minute,
		AllowedCommands: []string{
			"useradd", "journalctl", "sshd", "firewall-cmd", "getenforce",
			"restorecon", "auditctl", "augenrules",
		},
	}
}

// Allow adds an executable, usually the installed service binary, to the allow list.
func (sc *SecurityConfig) Allow(cmd string) {
	sc.AllowedCommands = append(sc.AllowedCommands, cmd)
}

// ValidateFileSize checks if a file size is within limits
func (sc *SecurityConfig) ValidateFileSize(size int64, fileType string) error {
	var limit int64
	switch fileType {
	case "archive":
		limit = sc.MaxArchiveSize
	default:
		limit = sc.MaxFileSize
	}

	if size > limit {
		return fmt.Errorf("file size %d exceeds limit %d for type %s", size, limit, fileType)
	}
	return nil
}

// ValidateCommand checks if a command is on the allow list
func (sc *SecurityConfig) ValidateCommand(cmd string) error {
	for _, allowed := range sc.AllowedCommands {
		if cmd == allowed {
			return nil
		}
		if !strings.Contains(allowed, "/") && filepath.Base(cmd) == allowed {
			return nil
		}
	}
	return fmt.Errorf("command %s is not allowed", cmd)
}

// SecureCommand creates a command with a timeout, a restricted environment and its own
// process group, so that a timeout kills every child too.
func (sc *SecurityConfig) SecureCommand(ctx context.Context, name string, args ...string) (*exec.Cmd, context.CancelFunc, error) {
	if err := sc.ValidateCommand(name); err != nil {
		return nil, nil, err
	}

	cmdCtx, cancel := context.WithTimeout(ctx, sc.CommandTimeout)

	cmd := exec.CommandContext(cmdCtx, name, args...)
	cmd.Env = []string{
		"PATH=" + securePath,
		"LC_ALL=C",
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		// Kill the entire process group
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	return cmd, cancel, nil
}

// Runner executes external commands. Every phase reaches the host through it so tests can
// substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
	// RunEnv is Run with env appended to the restricted environment.
	RunEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error)
	LookPath(name string) (string, error)
}

// CommandError is returned when an external command exits non-zero.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type execRunner struct {
	sc *SecurityConfig
}

// NewRunner returns a Runner that executes commands on the host.
func NewRunner(sc *SecurityConfig) Runner {
	return &execRunner{sc: sc}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return r.RunEnv(ctx, nil, name, args...)
}

func (r *execRunner) RunEnv(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	logger := GetLogger(ctx)

	path, err := r.LookPath(name)
	if err != nil {
		return nil, err
	}

	cmd, cancel, err := r.sc.SecureCommand(ctx, path, args...)
	if err != nil {
		return nil, err
	}
	defer cancel()
	cmd.Env = append(cmd.Env, env...)

	logger.WithField("cmd", cmd.String()).Debug("executing")
	out, err := cmd.CombinedOutput()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"cmd":    cmd.String(),
			"output": SanitizeLogOutput(string(out)),
		}).WithError(err).Debug("command failed")
		return out, &CommandError{Command: name, Output: string(out), Err: err}
	}
	return out, nil
}

// LookPath resolves name against the fixed PATH used for every command, independent of the
// caller's environment.
func (r *execRunner) LookPath(name string) (string, error) {
	if strings.Contains(name, "/") {
		if err := r.sc.ValidateCommand(name); err != nil {
			return "", err
		}
		if isExecutable(name) {
			return name, nil
		}
		return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	for _, dir := range filepath.SplitList(securePath) {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			if err := r.sc.ValidateCommand(name); err != nil {
				return "", err
			}
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
}

// Absent reports whether err means the command is not installed on this host.
func Absent(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// SanitizeLogOutput removes sensitive information from log output
func SanitizeLogOutput(output string) string {
	lines := strings.Split(output, "\n")
	var cleanLines []string
	inKey := false
	for _, line := range lines {
		switch {
		case strings.Contains(line, "-----BEGIN") && strings.Contains(line, "PRIVATE KEY"):
			inKey = true
			cleanLines = append(cleanLines, "[REDACTED: private key]")
		case inKey:
			if strings.Contains(line, "-----END") {
				inKey = false
			}
		case containsSensitive(line):
			cleanLines = append(cleanLines, "[REDACTED: credential]")
		default:
			cleanLines = append(cleanLines, line)
		}
	}
	return strings.Join(cleanLines, "\n")
}

// containsSensitive checks if a line looks like it carries a credential
func containsSensitive(line string) bool {
	lower := strings.ToLower(line)
	sensitivePatterns := []string{
		"aws_access_key",
		"aws_secret_key",
		"accesskeyid",
		"secretaccesskey",
		"sessiontoken",
		"password=",
	}

	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// CheckDiskSpace verifies the filesystem holding dir has at least required bytes free.
func CheckDiskSpace(ctx context.Context, dir string, required uint64) error {
	logger := GetLogger(ctx).WithField("component", "security")

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}

	available := stat.Bavail * uint64(stat.Bsize)
	if available < required {
		return fmt.Errorf("insufficient disk space in %s: have %d bytes, need %d bytes",
			dir, available, required)
	}

	logger.WithFields(logrus.Fields{
		"dir":                dir,
		"available_space_gb": available / (1024 * 1024 * 1024),
		"required_space_gb":  required / (1024 * 1024 * 1024),
	}).Info("disk space check passed")
	return nil
}
