package evidence

import (
	"context"
	"errors"
	"sync"
	"time"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/gaze"
)

var (
	// ErrSnapshotsRunning is returned when the snapshot loop is active.
	ErrSnapshotsRunning = errors.New("evidence: snapshot loop already running")

	// ErrNoCamera is returned when no frame grabber is configured or the
	// stream has no video.
	ErrNoCamera = errors.New("evidence: no camera available")
)

type snapshotLoop struct {
	loop   *clock.Loop
	stream capability.Stream

	// busy skips a tick while the previous capture is still running.
	mu   sync.Mutex
	busy bool
}

// StartSnapshots captures a frame from stream every interval and uploads it
// with the gaze samples buffered since the previous snapshot.
func (p *Pipeline) StartSnapshots(stream capability.Stream, interval time.Duration) error {
	if p.cfg.Camera == nil || stream == nil || !stream.HasVideo() {
		return ErrNoCamera
	}
	if interval <= 0 {
		return errors.New("evidence: snapshot interval must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snapshots != nil {
		return ErrSnapshotsRunning
	}
	s := &snapshotLoop{stream: stream}
	s.loop = clock.Every(p.cfg.Clock, interval, func(time.Time) { p.captureSnapshot(s) })
	p.snapshots = s
	p.logger.Info("snapshot loop started", "interval", interval)
	return nil
}

// StopSnapshots stops the snapshot loop. Stopping twice is a no-op.
func (p *Pipeline) StopSnapshots() {
	p.mu.Lock()
	s := p.snapshots
	p.snapshots = nil
	p.mu.Unlock()

	if s == nil {
		return
	}
	s.loop.Stop()
	p.logger.Info("snapshot loop stopped")
}

func (p *Pipeline) captureSnapshot(s *snapshotLoop) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.UploadTimeout)
	defer cancel()
	frame, err := p.cfg.Camera.Capture(ctx, s.stream)
	if err != nil {
		p.logger.Warn("snapshot capture failed", "error", err)
		return
	}

	p.mu.Lock()
	gazeFn := p.gazeSamples
	p.mu.Unlock()
	var samples []gaze.Sample
	if gazeFn != nil {
		samples = gazeFn()
	}

	p.cfg.Metrics.Snapshots.Inc()
	if err := p.SendSnapshot(frame, "periodic", samples); err != nil {
		p.logger.Warn("snapshot not sent", "error", err)
	}
}
