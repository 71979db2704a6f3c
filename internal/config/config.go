// Package config loads, validates, and redacts plugboard's on-disk JSON
// configuration. Shape (Default/Load/Validate/Redacted/per-field duration
// helpers, env-var overrides) is carried from the teacher's configuration
// layer, restructured around the plug-in-framework domain.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultConfigPath is used when Load is called with an empty path.
const DefaultConfigPath = "/etc/plugboard/config.json"

type Config struct {
	Daemon  DaemonConfig  `json:"daemon"`
	Storage StorageConfig `json:"storage"`
	Loaders LoadersConfig `json:"loaders"`
	Rescan  RescanConfig  `json:"rescan"`
	API     APIConfig     `json:"api"`
	Notify  NotifyConfig  `json:"notify"`
}

type DaemonConfig struct {
	LogLevel        string `json:"log_level"`
	LogFormat       string `json:"log_format"`
	ShutdownTimeout string `json:"shutdown_timeout"`
}

type StorageConfig struct {
	DBPath              string `json:"db_path"`
	EncryptionKeyBase64 string `json:"encryption_key_base64"`
}

// LoadersConfig lists the filesystem locations each concrete loader
// watches.
type LoadersConfig struct {
	LocalDirs   []string `json:"local_dirs"`
	ArchiveDirs []string `json:"archive_dirs"`
}

// RescanConfig controls the periodic/watch-driven rescan daemon and the
// flags passed to every triggered scan.
type RescanConfig struct {
	Enabled          bool   `json:"enabled"`
	Schedule         string `json:"schedule"`
	WatchFilesystem  bool   `json:"watch_filesystem"`
	Upgrade          bool   `json:"upgrade"`
	StopAllOnInstall bool   `json:"stop_all_on_install"`
	StopAllOnUpgrade bool   `json:"stop_all_on_upgrade"`
	RestartActive    bool   `json:"restart_active"`
}

type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	BindAddr  string `json:"bind_addr"`
	AuthToken string `json:"auth_token"`
}

type NotifyConfig struct {
	Enabled     bool                  `json:"enabled"`
	DedupWindow string                `json:"dedup_window"`
	Channels    []NotifyChannelConfig `json:"channels"`
}

type NotifyChannelConfig struct {
	Type          string   `json:"type"`
	Enabled       bool     `json:"enabled"`
	Levels        []string `json:"levels"`
	URL           string   `json:"url"`
	SyslogNetwork string   `json:"syslog_network"`
	SyslogAddress string   `json:"syslog_address"`
	SyslogTag     string   `json:"syslog_tag"`
	SMTPServer    string   `json:"smtp_server"`
	SMTPUser      string   `json:"smtp_user"`
	SMTPPass      string   `json:"smtp_pass"`
	From          string   `json:"from"`
	To            []string `json:"to"`
	Subject       string   `json:"subject"`
}

// Default returns a Config with sane defaults for every field.
func Default() Config {
	return Config{
		Daemon: DaemonConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: "10s",
		},
		Storage: StorageConfig{
			DBPath: "/var/lib/plugboard/registry",
		},
		Loaders: LoadersConfig{
			LocalDirs:   []string{"/var/lib/plugboard/plugins"},
			ArchiveDirs: []string{"/var/lib/plugboard/bundles"},
		},
		Rescan: RescanConfig{
			Enabled:  true,
			Schedule: "@every 5m",
		},
		API: APIConfig{
			Enabled:  false,
			BindAddr: "127.0.0.1:8089",
		},
		Notify: NotifyConfig{
			Enabled:     true,
			DedupWindow: "5m",
			Channels: []NotifyChannelConfig{
				{Type: "log", Enabled: true},
			},
		},
	}
}

// Load reads a JSON config file, overlaying it onto Default() so unset
// fields keep their defaults, applies environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate collects every configuration problem it finds rather than
// stopping at the first one, matching the teacher's aggregating
// validator.
func (c Config) Validate() error {
	var errs []string

	switch c.Daemon.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("daemon.log_level %q is invalid", c.Daemon.LogLevel))
	}
	switch c.Daemon.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("daemon.log_format %q is invalid", c.Daemon.LogFormat))
	}
	if _, err := time.ParseDuration(c.Daemon.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Sprintf("daemon.shutdown_timeout %q is invalid: %v", c.Daemon.ShutdownTimeout, err))
	}

	if c.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path is required")
	}
	if c.Storage.EncryptionKeyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(c.Storage.EncryptionKeyBase64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("storage.encryption_key_base64 is invalid: %v", err))
		} else if len(key) != 32 {
			errs = append(errs, "storage.encryption_key_base64 must decode to 32 bytes")
		}
	}

	if c.Rescan.Enabled {
		if c.Rescan.Schedule == "" {
			errs = append(errs, "rescan.schedule is required when rescan.enabled is true")
		}
	}

	if c.API.Enabled {
		if c.API.BindAddr == "" {
			errs = append(errs, "api.bind_addr is required when api.enabled is true")
		}
		if c.API.AuthToken == "" {
			errs = append(errs, "api.auth_token is required when api.enabled is true")
		}
	}

	if c.Notify.Enabled {
		if _, err := time.ParseDuration(c.Notify.DedupWindow); err != nil {
			errs = append(errs, fmt.Sprintf("notify.dedup_window %q is invalid: %v", c.Notify.DedupWindow, err))
		}
		for i, ch := range c.Notify.Channels {
			if ch.Enabled && ch.Type == "" {
				errs = append(errs, fmt.Sprintf("notify.channels[%d].type is required", i))
			}
			if ch.Enabled && ch.Type == "webhook" && ch.URL == "" {
				errs = append(errs, fmt.Sprintf("notify.channels[%d].url is required for type webhook", i))
			}
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Redacted returns a copy of c with secrets masked, safe to log.
func (c Config) Redacted() Config {
	clone := c
	if clone.API.AuthToken != "" {
		clone.API.AuthToken = "REDACTED"
	}
	if clone.Storage.EncryptionKeyBase64 != "" {
		clone.Storage.EncryptionKeyBase64 = "REDACTED"
	}
	channels := make([]NotifyChannelConfig, len(clone.Notify.Channels))
	copy(channels, clone.Notify.Channels)
	for i := range channels {
		if channels[i].SMTPPass != "" {
			channels[i].SMTPPass = "REDACTED"
		}
	}
	clone.Notify.Channels = channels
	return clone
}

func (d DaemonConfig) ShutdownTimeoutDuration() time.Duration {
	dur, err := time.ParseDuration(d.ShutdownTimeout)
	if err != nil || dur <= 0 {
		return 10 * time.Second
	}
	return dur
}

func (n NotifyConfig) DedupWindowDuration() time.Duration {
	dur, err := time.ParseDuration(n.DedupWindow)
	if err != nil || dur <= 0 {
		return 5 * time.Minute
	}
	return dur
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("PLUGBOARD_API_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.API.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("PLUGBOARD_API_TOKEN"); ok {
		cfg.API.AuthToken = v
	}
	if v, ok := os.LookupEnv("PLUGBOARD_RESCAN_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Rescan.Enabled = b
		}
	}
	if v, ok := os.LookupEnv("PLUGBOARD_LOG_FORMAT"); ok {
		cfg.Daemon.LogFormat = v
	}
}
