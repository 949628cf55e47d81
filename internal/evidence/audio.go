package evidence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctord/internal/capability"
	"proctord/internal/clock"
)

var (
	// ErrAudioRunning is returned when audio recording is already active.
	ErrAudioRunning = errors.New("evidence: audio recording already running")

	// ErrNoAudioTrack is returned for a stream without audio.
	ErrNoAudioTrack = errors.New("evidence: stream has no audio track")

	// ErrNoRecorder is returned when no recorder factory is configured.
	ErrNoRecorder = errors.New("evidence: no recorder factory configured")
)

// flushWindow absorbs the second signal of a pagehide and beforeunload pair.
const flushWindow = time.Second

// AudioConfig configures segmented recording.
type AudioConfig struct {
	ChunkInterval time.Duration
	Bitrate       int
	MimeType      string
}

// audioRecorder rotates one recorder into independently decodable
// segments: on every interval the recorder is stopped, its segment shipped,
// and recording restarted.
type audioRecorder struct {
	p    *Pipeline
	rec  capability.Recorder
	loop *clock.Loop

	mu        sync.Mutex
	cancels   []func()
	segment   int
	stopped   bool
	lastFlush time.Time
}

// StartAudioRecording records stream in segments of cfg.ChunkInterval. A
// page hide or unload forces an immediate flush of the current segment;
// further unload signals within flushWindow are ignored.
func (p *Pipeline) StartAudioRecording(stream capability.Stream, cfg AudioConfig) error {
	if stream == nil || !stream.HasAudio() {
		return ErrNoAudioTrack
	}
	if p.cfg.Recorders == nil {
		return ErrNoRecorder
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = 10 * time.Second
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		return ErrAudioRunning
	}

	rec, err := p.cfg.Recorders.NewRecorder(stream, capability.RecorderOptions{
		MimeType: cfg.MimeType,
		Bitrate:  cfg.Bitrate,
	})
	if err != nil {
		return err
	}
	if err := rec.Start(); err != nil {
		return err
	}

	a := &audioRecorder{p: p, rec: rec}
	if p.cfg.Signals != nil {
		for _, kind := range []capability.SignalKind{capability.SignalPageHide, capability.SignalBeforeUnload} {
			a.cancels = append(a.cancels, p.cfg.Signals.Subscribe(kind, func(*capability.Signal) {
				a.flush()
			}))
		}
	}
	a.loop = clock.Every(p.cfg.Clock, cfg.ChunkInterval, func(time.Time) { a.rotate("interval") })
	p.audio = a
	p.logger.Info("audio recording started", "chunk_interval", cfg.ChunkInterval, "mime_type", rec.MimeType())
	return nil
}

// StopAudioRecording stops rotation and ships the final partial segment.
// Stopping twice is a no-op.
func (p *Pipeline) StopAudioRecording() {
	p.mu.Lock()
	a := p.audio
	p.audio = nil
	p.mu.Unlock()

	if a == nil {
		return
	}
	a.finish()
	p.logger.Info("audio recording stopped", "segments", a.segments())
}

func (a *audioRecorder) rotate(reason string) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	data, err := a.rec.Stop()
	startErr := a.rec.Start()
	idx := a.segment
	a.segment++
	a.mu.Unlock()

	if startErr != nil {
		a.p.logger.Error("audio recorder restart failed", "error", startErr)
	}
	a.ship(data, err, idx, reason)
}

func (a *audioRecorder) flush() {
	now := a.p.cfg.Clock.Now()
	a.mu.Lock()
	if !a.lastFlush.IsZero() && now.Sub(a.lastFlush) < flushWindow {
		a.mu.Unlock()
		return
	}
	a.lastFlush = now
	a.mu.Unlock()
	a.rotate("page_unload")
}

func (a *audioRecorder) finish() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.loop.Stop()
	for _, cancel := range a.cancels {
		cancel()
	}
	a.cancels = nil
	data, err := a.rec.Stop()
	idx := a.segment
	a.segment++
	a.mu.Unlock()

	a.ship(data, err, idx, "stop")
}

func (a *audioRecorder) segments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.segment
}

func (a *audioRecorder) ship(data []byte, err error, idx int, reason string) {
	p := a.p
	if err != nil {
		p.logger.Warn("audio segment lost", "segment", idx, "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	p.cfg.Metrics.AudioSegments.Inc()

	if p.cfg.AudioSink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.UploadTimeout)
		defer cancel()
		start := time.Now()
		err := p.cfg.AudioSink.Send(ctx, data)
		p.record(TypeAudioChunk, p.Session().SessionID, uuid.NewString(), time.Since(start), err)
		return
	}

	segment := idx
	if err := p.SendEvent(Payload{
		Type:         TypeAudioChunk,
		SegmentIndex: &segment,
		MimeType:     a.rec.MimeType(),
		Reason:       reason,
	}, data); err != nil {
		p.logger.Warn("audio segment not sent", "segment", idx, "error", err)
	}
}
