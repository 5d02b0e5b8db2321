package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Config holds all daemon settings. Loaded from a JSON5 file with env
// overrides layered on top.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Permission PermissionConfig `json:"permission"`
	Daemon     DaemonConfig     `json:"daemon"`
	Recovery   RecoveryConfig   `json:"recovery"`
}

// TelegramConfig holds the bot credentials and the forum group the daemon
// posts into. Token and GroupID are required for the daemon to start.
type TelegramConfig struct {
	Token       string `json:"token"`
	GroupID     string `json:"group_id"`
	PollTimeout int    `json:"poll_timeout"` // long-poll seconds
}

// PermissionConfig configures the hook-facing HTTP server.
type PermissionConfig struct {
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	RequestTimeout float64 `json:"request_timeout"` // seconds a hook blocks for a decision
}

// DaemonConfig holds filesystem paths owned by the daemon.
type DaemonConfig struct {
	PIDFile      string `json:"pid_file"`
	RegistryFile string `json:"registry_file"`
	OperatorDir  string `json:"operator_dir"`
	TriggerFile  string `json:"trigger_file"` // touch to request a discovery scan
}

// RecoveryConfig controls crash-recovery scanning.
type RecoveryConfig struct {
	Roots []string `json:"roots"` // directories scanned for task markers
	Cron  string   `json:"cron"`  // schedule for the crashed-pid sweep
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout: 5,
		},
		Permission: PermissionConfig{
			Host:           "localhost",
			Port:           9000,
			RequestTimeout: 300,
		},
		Daemon: DaemonConfig{
			PIDFile:      "/tmp/agentherd-daemon.pid",
			RegistryFile: filepath.Join(home, ".agentherd", "registry.json"),
			OperatorDir:  filepath.Join(home, ".agentherd", "operator"),
			TriggerFile:  "/tmp/agentherd-discover",
		},
		Recovery: RecoveryConfig{
			Cron: "*/5 * * * *",
		},
	}
}

// DefaultPath returns the config file location, honouring AGENTHERD_CONFIG.
func DefaultPath() string {
	if v := os.Getenv("AGENTHERD_CONFIG"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentherd", "config.json")
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AGENTHERD_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("AGENTHERD_TELEGRAM_GROUP", &c.Telegram.GroupID)
	envStr("AGENTHERD_PID_FILE", &c.Daemon.PIDFile)
	envStr("AGENTHERD_REGISTRY_FILE", &c.Daemon.RegistryFile)
	envStr("AGENTHERD_OPERATOR_DIR", &c.Daemon.OperatorDir)
	envStr("AGENTHERD_PERMISSION_HOST", &c.Permission.Host)
	if v := os.Getenv("AGENTHERD_PERMISSION_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Permission.Port = port
		}
	}
}

// Validate checks that the credentials required to run the daemon are set.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token not configured (set telegram.token or AGENTHERD_TELEGRAM_TOKEN)")
	}
	if c.Telegram.GroupID == "" {
		return fmt.Errorf("telegram group not configured (set telegram.group_id or AGENTHERD_TELEGRAM_GROUP)")
	}
	return nil
}

// PermissionURL returns the base URL hooks POST to.
func (c *Config) PermissionURL() string {
	return fmt.Sprintf("http://%s:%d", c.Permission.Host, c.Permission.Port)
}
