package config

import (
	"strings"
	"time"
)

// ApplyDefaults fills in any unspecified configuration fields. Zero values
// are replaced, explicit values preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applySSHDefaults(&cfg.SSH)
	// Metrics: zero value (disabled) is the default.
	// Readv: zero values defer to per-transport defaults.
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		// Diagnostics must not pollute stdout; commands pipe it.
		cfg.Output = "stderr"
	}
}

func applySSHDefaults(cfg *SSHConfig) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
}
