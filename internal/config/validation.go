package config

import (
	"fmt"
	"net/url"
	"strings"

	"proctord/internal/logging"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Fields returns the names of the invalid fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for _, err := range e {
		fields = append(fields, err.Field)
	}
	return fields
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Version < 1 || c.Version > Version {
		add("version", "unsupported version %d (current: %d)", c.Version, Version)
	}

	if c.Session.DurationMinutes < 0 {
		add("session.duration_minutes", "must not be negative")
	}

	if c.Collector.Endpoint != "" && !isValidURL(c.Collector.Endpoint, "http", "https") {
		add("collector.endpoint", "invalid URL %q", c.Collector.Endpoint)
	}
	for field, p := range map[string]string{
		"collector.snapshot_path": c.Collector.SnapshotPath,
		"collector.audio_path":    c.Collector.AudioPath,
		"collector.event_path":    c.Collector.EventPath,
	} {
		if !strings.HasPrefix(p, "/") {
			add(field, "must start with /")
		}
	}
	if c.Collector.TimeoutSeconds <= 0 {
		add("collector.timeout_seconds", "must be positive")
	}

	if c.Policies.MaxTabSwitches != nil && *c.Policies.MaxTabSwitches < 0 {
		add("policies.max_tab_switches", "must not be negative")
	}

	if c.Capture.SnapshotIntervalSeconds < 0 {
		add("capture.snapshot_interval_seconds", "must not be negative")
	}

	if c.Audio.Enabled {
		if c.Audio.ChunkIntervalSeconds <= 0 {
			add("audio.chunk_interval_seconds", "must be positive")
		}
		if c.Audio.Bitrate <= 0 {
			add("audio.bitrate", "must be positive")
		}
		if c.Audio.MimeType == "" {
			add("audio.mime_type", "is required")
		}
	}
	if c.Audio.StreamURL != "" && !isValidURL(c.Audio.StreamURL, "ws", "wss") {
		add("audio.stream_url", "invalid WebSocket URL %q", c.Audio.StreamURL)
	}

	if c.Gaze.SmoothingWindow < 1 {
		add("gaze.smoothing_window", "must be at least 1")
	}
	if c.Gaze.DeviationThreshold <= 0 || c.Gaze.DeviationThreshold > 1 {
		add("gaze.deviation_threshold", "must be in (0, 1]")
	}
	if c.Gaze.DeviationToleranceSeconds <= 0 {
		add("gaze.deviation_tolerance_seconds", "must be positive")
	}
	if c.Gaze.SamplingIntervalMs <= 0 {
		add("gaze.sampling_interval_ms", "must be positive")
	}
	if c.Gaze.PollIntervalMs <= 0 {
		add("gaze.poll_interval_ms", "must be positive")
	}
	if c.Gaze.BufferSize < 1 {
		add("gaze.buffer_size", "must be at least 1")
	}

	if c.Inactivity.TimeoutMinutes <= 0 {
		add("inactivity.timeout_minutes", "must be positive")
	}
	if c.Inactivity.CheckIntervalSeconds <= 0 {
		add("inactivity.check_interval_seconds", "must be positive")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		add("logging.format", "%v", err)
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr", "discard":
	case "file", "both":
		if c.Logging.FilePath == "" {
			add("logging.file_path", "is required when output is %s", c.Logging.Output)
		}
	default:
		add("logging.output", "unknown output %q", c.Logging.Output)
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		add("journal.path", "is required when the journal is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		add("metrics.listen_addr", "is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func isValidURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}
