package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
)

const DefaultConfigPath = "/etc/airgap-deploy/config.toml"

type Config struct {
	ServiceName string `toml:"service_name"`
	ServiceUser string `toml:"service_user"`

	BinaryPath string `toml:"binary_path"`
	DataDir    string `toml:"data_dir"`
	ModelsDir  string `toml:"models_dir"`
	UnitPath   string `toml:"unit_path"`

	// APIAddr is the loopback address the service binds to.
	APIAddr string `toml:"api_addr"`

	// InventoryFile is the model list shipped next to the model tree. It is never copied.
	InventoryFile string `toml:"inventory_file"`

	ReadyTimeoutSeconds  int `toml:"ready_timeout_seconds"`
	PollIntervalSeconds  int `toml:"poll_interval_seconds"`
	SettleSeconds        int `toml:"settle_seconds"`
	IndexRetries         int `toml:"index_retries"`
	IndexIntervalSeconds int `toml:"index_interval_seconds"`

	// StrictIndexing turns an empty inventory after model loading into an error instead of a
	// warning.
	StrictIndexing bool `toml:"strict_indexing"`

	CommandTimeoutSeconds int `toml:"command_timeout_seconds"`

	StateDir string `toml:"state_dir"`

	Harden HardenConfig `toml:"harden"`
	Verify VerifyConfig `toml:"verify"`
	Fetch  FetchConfig  `toml:"fetch"`
}

type HardenConfig struct {
	SSHDConfig      string   `toml:"sshd_config"`
	SSHService      string   `toml:"ssh_service"`
	SSHPort         int      `toml:"ssh_port"`
	FirewallZone    string   `toml:"firewall_zone"`
	DisableServices []string `toml:"disable_services"`
	AuditRulesPath  string   `toml:"audit_rules_path"`
}

type VerifyConfig struct {
	// AirGapProbe is dialed to confirm there is no outbound path.
	AirGapProbe        string `toml:"airgap_probe"`
	AirGapProbeSeconds int    `toml:"airgap_probe_seconds"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
}

// FetchConfig points at an S3-compatible store reachable inside the isolated network.
type FetchConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Region    string `toml:"region"`
	PathStyle bool   `toml:"path_style"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:           "ollama",
		ServiceUser:           "ollama",
		BinaryPath:            "/usr/local/bin/ollama",
		DataDir:               "/usr/share/ollama",
		ModelsDir:             "/usr/share/ollama/.ollama/models",
		UnitPath:              "/etc/systemd/system/ollama.service",
		APIAddr:               "127.0.0.1:11434",
		InventoryFile:         "models.txt",
		ReadyTimeoutSeconds:   60,
		PollIntervalSeconds:   2,
		SettleSeconds:         5,
		IndexRetries:          10,
		IndexIntervalSeconds:  3,
		CommandTimeoutSeconds: 600,
		StateDir:              "/var/lib/airgap-deploy",
		Harden: HardenConfig{
			SSHDConfig:   "/etc/ssh/sshd_config",
			SSHService:   "sshd",
			SSHPort:      22,
			FirewallZone: "drop",
			DisableServices: []string{
				"cups", "avahi-daemon", "bluetooth", "rpcbind", "postfix",
			},
			AuditRulesPath: "/etc/audit/rules.d/ollama.rules",
		},
		Verify: VerifyConfig{
			AirGapProbe:        "1.1.1.1:443",
			AirGapProbeSeconds: 3,
			HTTPTimeoutSeconds: 5,
		},
		Fetch: FetchConfig{
			Region:    "us-east-1",
			PathStyle: true,
		},
	}
}

// LoadConfig reads the TOML file at path on top of the defaults. A missing file at the
// default location is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && path == DefaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Paths derived from other keys are filled in after decoding.
	cfg.ModelsDir, cfg.UnitPath, cfg.Harden.AuditRulesPath = "", "", ""
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults restores defaults for any key the file set to its zero value.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	setString := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	setInt := func(dst *int, def int) {
		if *dst <= 0 {
			*dst = def
		}
	}

	setString(&c.ServiceName, d.ServiceName)
	setString(&c.ServiceUser, d.ServiceUser)
	setString(&c.BinaryPath, d.BinaryPath)
	setString(&c.DataDir, d.DataDir)
	if c.ModelsDir == "" {
		c.ModelsDir = filepath.Join(c.DataDir, ".ollama", "models")
	}
	if c.UnitPath == "" {
		c.UnitPath = filepath.Join("/etc/systemd/system", c.ServiceName+".service")
	}
	setString(&c.APIAddr, d.APIAddr)
	setString(&c.InventoryFile, d.InventoryFile)
	setString(&c.StateDir, d.StateDir)
	setInt(&c.ReadyTimeoutSeconds, d.ReadyTimeoutSeconds)
	setInt(&c.PollIntervalSeconds, d.PollIntervalSeconds)
	setInt(&c.SettleSeconds, d.SettleSeconds)
	setInt(&c.IndexRetries, d.IndexRetries)
	setInt(&c.IndexIntervalSeconds, d.IndexIntervalSeconds)
	setInt(&c.CommandTimeoutSeconds, d.CommandTimeoutSeconds)

	setString(&c.Harden.SSHDConfig, d.Harden.SSHDConfig)
	setString(&c.Harden.SSHService, d.Harden.SSHService)
	setInt(&c.Harden.SSHPort, d.Harden.SSHPort)
	setString(&c.Harden.FirewallZone, d.Harden.FirewallZone)
	if c.Harden.DisableServices == nil {
		c.Harden.DisableServices = d.Harden.DisableServices
	}
	if c.Harden.AuditRulesPath == "" {
		c.Harden.AuditRulesPath = filepath.Join("/etc/audit/rules.d", c.ServiceName+".rules")
	}

	setString(&c.Verify.AirGapProbe, d.Verify.AirGapProbe)
	setInt(&c.Verify.AirGapProbeSeconds, d.Verify.AirGapProbeSeconds)
	setInt(&c.Verify.HTTPTimeoutSeconds, d.Verify.HTTPTimeoutSeconds)
	setString(&c.Fetch.Region, d.Fetch.Region)
}

// Validate checks the configuration for values that would make every phase fail.
func (c *Config) Validate() error {
	if c.ServiceName == "" || c.ServiceUser == "" {
		return fmt.Errorf("service_name and service_user are required")
	}
	for name, p := range map[string]string{
		"binary_path":             c.BinaryPath,
		"data_dir":                c.DataDir,
		"models_dir":              c.ModelsDir,
		"unit_path":               c.UnitPath,
		"state_dir":               c.StateDir,
		"harden.sshd_config":      c.Harden.SSHDConfig,
		"harden.audit_rules_path": c.Harden.AuditRulesPath,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, p)
		}
	}
	if c.Harden.SSHPort <= 0 || c.Harden.SSHPort > 65535 {
		return fmt.Errorf("harden.ssh_port out of range: %d", c.Harden.SSHPort)
	}
	return nil
}

func (c *Config) UnitName() string {
	return c.ServiceName + ".service"
}

// ClientEnv points the service binary's client commands at the configured API address.
func (c *Config) ClientEnv() []string {
	return []string{"OLLAMA_HOST=" + c.APIAddr}
}

func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) Settle() time.Duration {
	return time.Duration(c.SettleSeconds) * time.Second
}

func (c *Config) IndexInterval() time.Duration {
	return time.Duration(c.IndexIntervalSeconds) * time.Second
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}
