// Package config handles configuration loading and validation for proctord.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"proctord/internal/policy"
)

// Version is the current configuration schema version.
const Version = 1

// Config is the complete proctord configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Session    SessionConfig    `toml:"session" json:"session" yaml:"session"`
	Collector  CollectorConfig  `toml:"collector" json:"collector" yaml:"collector"`
	Policies   policy.Set       `toml:"policies" json:"policies" yaml:"policies"`
	Capture    CaptureConfig    `toml:"capture" json:"capture" yaml:"capture"`
	Audio      AudioConfig      `toml:"audio" json:"audio" yaml:"audio"`
	Gaze       GazeConfig       `toml:"gaze" json:"gaze" yaml:"gaze"`
	Inactivity InactivityConfig `toml:"inactivity" json:"inactivity" yaml:"inactivity"`
	Logging    LoggingConfig    `toml:"logging" json:"logging" yaml:"logging"`
	Journal    JournalConfig    `toml:"journal" json:"journal" yaml:"journal"`
	Metrics    MetricsConfig    `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// SessionConfig identifies the exam attempt.
type SessionConfig struct {
	SessionID       string `toml:"session_id" json:"session_id" yaml:"session_id"`
	ExamID          string `toml:"exam_id" json:"exam_id" yaml:"exam_id"`
	CandidateID     string `toml:"candidate_id" json:"candidate_id" yaml:"candidate_id"`
	DurationMinutes int    `toml:"duration_minutes" json:"duration_minutes" yaml:"duration_minutes"`
}

// CollectorConfig describes the evidence collector endpoint.
type CollectorConfig struct {
	// Endpoint is the collector base URL.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// AuthToken is sent as a bearer token. Prefer PROCTORD_AUTH_TOKEN.
	AuthToken string `toml:"auth_token,omitempty" json:"auth_token,omitempty" yaml:"auth_token,omitempty"`

	SnapshotPath string `toml:"snapshot_path" json:"snapshot_path" yaml:"snapshot_path"`
	AudioPath    string `toml:"audio_path" json:"audio_path" yaml:"audio_path"`
	EventPath    string `toml:"event_path" json:"event_path" yaml:"event_path"`

	// Source tags every metadata envelope.
	Source string `toml:"source" json:"source" yaml:"source"`

	// TimeoutSeconds bounds a single upload.
	TimeoutSeconds int `toml:"timeout_seconds" json:"timeout_seconds" yaml:"timeout_seconds"`
}

// CaptureConfig controls periodic camera snapshots.
type CaptureConfig struct {
	// SnapshotIntervalSeconds of 0 disables the snapshot loop.
	SnapshotIntervalSeconds int `toml:"snapshot_interval_seconds" json:"snapshot_interval_seconds" yaml:"snapshot_interval_seconds"`
}

// AudioConfig controls segmented audio recording.
type AudioConfig struct {
	Enabled              bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ChunkIntervalSeconds int    `toml:"chunk_interval_seconds" json:"chunk_interval_seconds" yaml:"chunk_interval_seconds"`
	Bitrate              int    `toml:"bitrate" json:"bitrate" yaml:"bitrate"`
	MimeType             string `toml:"mime_type" json:"mime_type" yaml:"mime_type"`

	// StreamURL sends segments over a WebSocket instead of HTTP uploads.
	StreamURL string `toml:"stream_url,omitempty" json:"stream_url,omitempty" yaml:"stream_url,omitempty"`
}

// GazeConfig configures the gaze deviation detector.
type GazeConfig struct {
	Enabled                   bool    `toml:"enabled" json:"enabled" yaml:"enabled"`
	SmoothingWindow           int     `toml:"smoothing_window" json:"smoothing_window" yaml:"smoothing_window"`
	DeviationThreshold        float64 `toml:"deviation_threshold" json:"deviation_threshold" yaml:"deviation_threshold"`
	DeviationToleranceSeconds float64 `toml:"deviation_tolerance_seconds" json:"deviation_tolerance_seconds" yaml:"deviation_tolerance_seconds"`
	SamplingIntervalMs        int     `toml:"sampling_interval_ms" json:"sampling_interval_ms" yaml:"sampling_interval_ms"`
	PollIntervalMs            int     `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`
	BufferSize                int     `toml:"buffer_size" json:"buffer_size" yaml:"buffer_size"`
}

// InactivityConfig configures the idle watchdog.
type InactivityConfig struct {
	TimeoutMinutes       float64 `toml:"timeout_minutes" json:"timeout_minutes" yaml:"timeout_minutes"`
	CheckIntervalSeconds int     `toml:"check_interval_seconds" json:"check_interval_seconds" yaml:"check_interval_seconds"`
}

// LoggingConfig mirrors logging.Config in file form.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// JournalConfig configures the local SQLite journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// MetricsConfig configures metrics exposition.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Session: SessionConfig{
			DurationMinutes: 60,
		},
		Collector: CollectorConfig{
			SnapshotPath:   "/snapshots/upload",
			AudioPath:      "/audios",
			EventPath:      "/infracciones",
			Source:         "frontend_client_v1",
			TimeoutSeconds: 30,
		},
		Policies: policy.Set{
			RequireCamera:         true,
			RequireMicrophone:     true,
			RequireFullscreen:     true,
			RequireConsent:        true,
			PreventTabSwitch:      true,
			PreventInspection:     true,
			PreventBackNavigation: true,
			PreventPageReload:     true,
			PreventCopyPaste:      true,
		},
		Capture: CaptureConfig{
			SnapshotIntervalSeconds: 30,
		},
		Audio: AudioConfig{
			Enabled:              true,
			ChunkIntervalSeconds: 10,
			Bitrate:              32000,
			MimeType:             "audio/webm;codecs=opus",
		},
		Gaze: GazeConfig{
			SmoothingWindow:           10,
			DeviationThreshold:        0.85,
			DeviationToleranceSeconds: 5,
			SamplingIntervalMs:        1000,
			PollIntervalMs:            100,
			BufferSize:                60,
		},
		Inactivity: InactivityConfig{
			TimeoutMinutes:       3,
			CheckIntervalSeconds: 5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Compress:   true,
		},
		Journal: JournalConfig{
			Path: JournalPath(),
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as TOML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies PROCTORD_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("PROCTORD_ENDPOINT"); v != "" {
		c.Collector.Endpoint = v
	}
	// Credentials from env
	if v := os.Getenv("PROCTORD_AUTH_TOKEN"); v != "" {
		c.Collector.AuthToken = v
	}
	if v := os.Getenv("PROCTORD_SESSION_ID"); v != "" {
		c.Session.SessionID = v
	}
	if v := os.Getenv("PROCTORD_EXAM_ID"); v != "" {
		c.Session.ExamID = v
	}
	if v := os.Getenv("PROCTORD_CANDIDATE_ID"); v != "" {
		c.Session.CandidateID = v
	}
	if v := os.Getenv("PROCTORD_MAX_TAB_SWITCHES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Policies.MaxTabSwitches = &n
		}
	}
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("PROCTORD_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Policies.MaxTabSwitches != nil {
		n := *c.Policies.MaxTabSwitches
		clone.Policies.MaxTabSwitches = &n
	}
	return &clone
}

// SnapshotInterval returns the snapshot period, zero when disabled.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Capture.SnapshotIntervalSeconds) * time.Second
}

// ChunkInterval returns the audio segment length.
func (c *Config) ChunkInterval() time.Duration {
	return time.Duration(c.Audio.ChunkIntervalSeconds) * time.Second
}

// UploadTimeout returns the per-upload timeout.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Collector.TimeoutSeconds) * time.Second
}
