package headless

import (
	"log/slog"
	"time"

	"proctord/internal/config"
	"proctord/internal/evidence"
	"proctord/internal/exam"
	"proctord/internal/gaze"
	"proctord/internal/metrics"
	"proctord/internal/session"
)

// SessionConfig maps a file configuration onto an orchestrator
// configuration. Devices, transport and callbacks are left to the caller.
func SessionConfig(c *config.Config) session.Config {
	sc := session.Config{
		Context: exam.Context{
			SessionID:       c.Session.SessionID,
			ExamID:          c.Session.ExamID,
			CandidateID:     c.Session.CandidateID,
			DurationMinutes: c.Session.DurationMinutes,
		},
		Policies:  c.Policies,
		Endpoint:  c.Collector.Endpoint,
		AuthToken: c.Collector.AuthToken,
		Endpoints: evidence.Endpoints{
			Snapshot: c.Collector.SnapshotPath,
			Audio:    c.Collector.AudioPath,
			Event:    c.Collector.EventPath,
		},
		Source:           c.Collector.Source,
		UploadTimeout:    c.UploadTimeout(),
		ValidateMetadata: true,

		SnapshotInterval: c.SnapshotInterval(),
		AudioEnabled:     c.Audio.Enabled,
		Audio: evidence.AudioConfig{
			ChunkInterval: c.ChunkInterval(),
			Bitrate:       c.Audio.Bitrate,
			MimeType:      c.Audio.MimeType,
		},
		GazeEnabled: c.Gaze.Enabled,
		Gaze: gaze.Config{
			SmoothingWindow:    c.Gaze.SmoothingWindow,
			DeviationThreshold: c.Gaze.DeviationThreshold,
			DeviationTolerance: time.Duration(c.Gaze.DeviationToleranceSeconds * float64(time.Second)),
			SamplingInterval:   time.Duration(c.Gaze.SamplingIntervalMs) * time.Millisecond,
			PollInterval:       time.Duration(c.Gaze.PollIntervalMs) * time.Millisecond,
			BufferSize:         c.Gaze.BufferSize,
		},
		InactivityMinutes: c.Inactivity.TimeoutMinutes,
		InactivityCheck:   time.Duration(c.Inactivity.CheckIntervalSeconds) * time.Second,
	}
	return sc
}

// audioSink returns the WebSocket sink when the configuration streams audio.
func audioSink(c *config.Config, logger *slog.Logger) evidence.AudioSink {
	if c.Audio.StreamURL == "" {
		return nil
	}
	return evidence.NewStreamSink(evidence.StreamSinkConfig{
		URL:   c.Audio.StreamURL,
		Token: c.Collector.AuthToken,
		Session: exam.Context{
			SessionID:   c.Session.SessionID,
			ExamID:      c.Session.ExamID,
			CandidateID: c.Session.CandidateID,
		},
		Logger: logger,
	})
}

func defaults(o *Options) {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.Start.IsZero() {
		o.Start = time.Now().UTC().Truncate(time.Second)
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NewProctorMetrics(nil)
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
}
