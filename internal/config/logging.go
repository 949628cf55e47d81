package config

import (
	"proctord/internal/logging"
)

// LoggerConfig converts the file form into a logging.Config.
func (l LoggingConfig) LoggerConfig() *logging.Config {
	cfg := logging.DefaultConfig()
	if level, err := logging.ParseLevel(l.Level); err == nil {
		cfg.Level = level
	}
	if format, err := logging.ParseFormat(l.Format); err == nil {
		cfg.Format = format
	}
	if l.Output != "" {
		cfg.Output = l.Output
	}
	if l.FilePath != "" {
		cfg.FilePath = l.FilePath
	}
	if l.MaxSizeMB > 0 {
		cfg.MaxSizeMB = l.MaxSizeMB
	}
	if l.MaxBackups > 0 {
		cfg.MaxBackups = l.MaxBackups
	}
	cfg.Compress = l.Compress
	return cfg
}
