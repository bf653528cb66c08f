package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListen          = "0.0.0.0:8001"
	DefaultDataDir         = "/var/lib/relaymon"
	DefaultIntervalSec     = 30
	DefaultHistorySize     = 120
	DefaultIdleForSize     = 5
	DefaultNotConnForSize  = 10
	DefaultSnapshotFile    = "traffic_data.json"
	DefaultBin             = "pivpn"
	DefaultSetupVars       = "/etc/pivpn/wireguard/setupVars.conf"
	DefaultClientsDir      = "/etc/wireguard/configs"
	DefaultServerConfigDir = "/etc/wireguard"
	DefaultUsername        = "admin"
	DefaultSessionMinutes  = 30
	DefaultSTUNServer      = "stun.l.google.com:19302"
)

// Config holds all settings for the relaymon daemon and CLI.
type Config struct {
	Listen     string        `yaml:"listen"`
	DataDir    string        `yaml:"data_dir"`
	Monitor    MonitorConfig `yaml:"monitor"`
	PiVPN      PiVPNConfig   `yaml:"pivpn"`
	Auth       AuthConfig    `yaml:"auth"`
	STUNServer string        `yaml:"stun_server"`
}

// MonitorConfig paces the sampling loop and bounds the histories.
type MonitorConfig struct {
	IntervalSec    int    `yaml:"interval_seconds"`
	HistorySize    int    `yaml:"history_size"`
	IdleForSize    int    `yaml:"idle_for_size"`
	NotConnForSize int    `yaml:"not_conn_for_size"`
	ToolTimeoutSec int    `yaml:"tool_timeout_seconds"`
	SnapshotFile   string `yaml:"snapshot_file"`
}

// PiVPNConfig locates the external tool and the files it manages.
type PiVPNConfig struct {
	Bin             string `yaml:"bin"`
	SetupVars       string `yaml:"setup_vars"`
	ClientsDir      string `yaml:"clients_dir"`
	ServerConfigDir string `yaml:"server_config_dir"`
}

// AuthConfig protects the HTTP API.
type AuthConfig struct {
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	JWTSecret      string `yaml:"jwt_secret"`
	SessionMinutes int    `yaml:"session_minutes"`
}

// Interval is the poll cadence.
func (m MonitorConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSec) * time.Second
}

// ToolTimeout bounds a single external tool invocation.
func (m MonitorConfig) ToolTimeout() time.Duration {
	return time.Duration(m.ToolTimeoutSec) * time.Second
}

// OfflineAfter is the zero-traffic window, in samples, after which a peer
// counts as offline: the idle threshold on top of the not-connected one.
func (m MonitorConfig) OfflineAfter() int {
	return m.NotConnForSize + m.IdleForSize
}

// SessionTTL is how long an issued API token stays valid.
func (a AuthConfig) SessionTTL() time.Duration {
	return time.Duration(a.SessionMinutes) * time.Minute
}

// SnapshotPath resolves the snapshot file against the data dir.
func (c Config) SnapshotPath() string {
	if filepath.IsAbs(c.Monitor.SnapshotFile) {
		return c.Monitor.SnapshotFile
	}
	return filepath.Join(c.DataDir, c.Monitor.SnapshotFile)
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Monitor.IntervalSec <= 0 {
		return fmt.Errorf("monitor.interval_seconds must be positive")
	}
	if cfg.Monitor.HistorySize <= 0 {
		return fmt.Errorf("monitor.history_size must be positive")
	}
	if cfg.Monitor.IdleForSize < 0 || cfg.Monitor.NotConnForSize < 0 {
		return fmt.Errorf("monitor idle/not_conn sizes must not be negative")
	}
	if cfg.Monitor.SnapshotFile == "" {
		return fmt.Errorf("monitor.snapshot_file is required")
	}
	if cfg.PiVPN.Bin == "" {
		return fmt.Errorf("pivpn.bin is required")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.Monitor.IntervalSec == 0 {
		cfg.Monitor.IntervalSec = DefaultIntervalSec
	}
	if cfg.Monitor.HistorySize == 0 {
		cfg.Monitor.HistorySize = DefaultHistorySize
	}
	if cfg.Monitor.IdleForSize == 0 {
		cfg.Monitor.IdleForSize = DefaultIdleForSize
	}
	if cfg.Monitor.NotConnForSize == 0 {
		cfg.Monitor.NotConnForSize = DefaultNotConnForSize
	}
	if cfg.Monitor.ToolTimeoutSec == 0 {
		cfg.Monitor.ToolTimeoutSec = cfg.Monitor.IntervalSec
	}
	if cfg.Monitor.SnapshotFile == "" {
		cfg.Monitor.SnapshotFile = DefaultSnapshotFile
	}
	if cfg.PiVPN.Bin == "" {
		cfg.PiVPN.Bin = DefaultBin
	}
	if cfg.PiVPN.SetupVars == "" {
		cfg.PiVPN.SetupVars = DefaultSetupVars
	}
	if cfg.PiVPN.ClientsDir == "" {
		cfg.PiVPN.ClientsDir = DefaultClientsDir
	}
	if cfg.PiVPN.ServerConfigDir == "" {
		cfg.PiVPN.ServerConfigDir = DefaultServerConfigDir
	}
	if cfg.Auth.Username == "" {
		cfg.Auth.Username = DefaultUsername
	}
	if cfg.Auth.SessionMinutes == 0 {
		cfg.Auth.SessionMinutes = DefaultSessionMinutes
	}
	if cfg.STUNServer == "" {
		cfg.STUNServer = DefaultSTUNServer
	}
}

// GenerateSecret returns a random hex string for signing API tokens.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
