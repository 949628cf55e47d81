// Package gaze turns raw gaze estimates into smoothed, normalized samples
// and reports sustained deviation away from the screen.
package gaze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/policy"
)

var (
	// ErrAlreadyStarted is returned by StartCalibration on a running detector.
	ErrAlreadyStarted = errors.New("gaze: detector already started")

	// ErrNotCalibrating is returned when a calibration call arrives outside
	// the calibration state.
	ErrNotCalibrating = errors.New("gaze: not calibrating")
)

// State is the detector lifecycle state.
type State int

const (
	StateIdle State = iota
	StateCalibrating
	StateTracking
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCalibrating:
		return "CALIBRATING"
	case StateTracking:
		return "TRACKING"
	case StateError:
		return "ERROR"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a Detector.
type Config struct {
	SmoothingWindow    int
	DeviationThreshold float64
	DeviationTolerance time.Duration

	// SamplingInterval is the period at which smoothed points enter the
	// telemetry buffer.
	SamplingInterval time.Duration

	// PollInterval is the cadence of the pull path that backs up the
	// engine's push callback.
	PollInterval time.Duration

	BufferSize    int
	CheckInterval time.Duration
	StallInterval time.Duration

	Engine   capability.GazeEngine
	Viewport capability.Viewport
	Clock    clock.Clock
	Logger   *slog.Logger
}

// DefaultConfig returns the default detector tuning.
func DefaultConfig() Config {
	return Config{
		SmoothingWindow:    10,
		DeviationThreshold: 0.85,
		DeviationTolerance: 5 * time.Second,
		SamplingInterval:   time.Second,
		PollInterval:       100 * time.Millisecond,
		BufferSize:         60,
		CheckInterval:      time.Second,
		StallInterval:      10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.SmoothingWindow < 1 {
		c.SmoothingWindow = def.SmoothingWindow
	}
	if c.DeviationThreshold <= 0 {
		c.DeviationThreshold = def.DeviationThreshold
	}
	if c.DeviationTolerance <= 0 {
		c.DeviationTolerance = def.DeviationTolerance
	}
	if c.SamplingInterval <= 0 {
		c.SamplingInterval = def.SamplingInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.BufferSize < 1 {
		c.BufferSize = def.BufferSize
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = def.CheckInterval
	}
	if c.StallInterval <= 0 {
		c.StallInterval = def.StallInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// Sample is one smoothed, normalized gaze point.
type Sample struct {
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	TimestampMs int64   `json:"timestamp"`
}

type point struct{ x, y float64 }

// Detector runs calibration and sustained deviation detection.
type Detector struct {
	cfg         Config
	logger      *slog.Logger
	onViolation policy.Handler
	telemetry   *rate.Sometimes
	stallLog    *rate.Sometimes

	mu      sync.Mutex
	state   State
	err     error
	clicks  int
	window  []point
	last    point
	hasLast bool
	buffer  []Sample
	frames  uint64

	// out and outSince track the current out-of-bounds excursion.
	out          bool
	outSince     time.Time
	timerStarted bool
	timerStart   time.Time
	reported     bool
	hasDeviation bool

	pollLoop   *clock.Loop
	sampleLoop *clock.Loop
	checkLoop  *clock.Loop
	stallLoop  *clock.Loop
}

// New creates an idle detector. onViolation receives GAZE_DEVIATION.
func New(cfg Config, onViolation policy.Handler) *Detector {
	cfg.applyDefaults()
	return &Detector{
		cfg:         cfg,
		logger:      logging.Component(cfg.Logger, "gaze"),
		onViolation: onViolation,
		telemetry:   logging.Every(3 * time.Second),
		stallLog:    logging.Every(cfg.StallInterval),
	}
}

// StartCalibration starts the engine on stream and begins feeding samples
// through the push and pull paths.
func (d *Detector) StartCalibration(ctx context.Context, stream capability.Stream) error {
	d.mu.Lock()
	if d.state == StateCalibrating || d.state == StateTracking {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.mu.Unlock()

	if d.cfg.Engine == nil {
		return d.fail(errors.New("gaze: no engine configured"))
	}
	if err := d.cfg.Engine.Begin(ctx, stream); err != nil {
		return d.fail(fmt.Errorf("gaze: begin engine: %w", err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetLocked()
	d.state = StateCalibrating
	d.err = nil
	d.cfg.Engine.SetListener(d.ProcessSample)
	d.pollLoop = clock.Every(d.cfg.Clock, d.cfg.PollInterval, d.poll)
	d.logger.Info("gaze calibration started")
	return nil
}

func (d *Detector) fail(err error) error {
	d.mu.Lock()
	d.state = StateError
	d.err = err
	d.mu.Unlock()
	d.logger.Error("gaze engine failed", "error", err)
	return err
}

// RecordCalibrationClick records a calibration target the candidate
// clicked while looking at it.
func (d *Detector) RecordCalibrationClick(x, y float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateCalibrating {
		return ErrNotCalibrating
	}
	d.clicks++
	d.logger.Debug("calibration click", "x", x, "y", y, "clicks", d.clicks)
	return nil
}

// CompleteCalibration switches to tracking and starts the sampling,
// deviation check and stall diagnostic loops.
func (d *Detector) CompleteCalibration() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateCalibrating {
		return ErrNotCalibrating
	}
	d.state = StateTracking
	d.out = d.hasLast && d.outOfBounds(d.last)
	d.outSince = d.cfg.Clock.Now()
	d.sampleLoop = clock.Every(d.cfg.Clock, d.cfg.SamplingInterval, d.sample)
	d.checkLoop = clock.Every(d.cfg.Clock, d.cfg.CheckInterval, d.checkDeviation)
	d.stallLoop = clock.Every(d.cfg.Clock, d.cfg.StallInterval, d.checkStall)
	d.logger.Info("gaze tracking started", "calibration_clicks", d.clicks)
	return nil
}

// Stop halts every loop and ends the engine. Stopping an idle detector is a
// no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	running := d.state == StateCalibrating || d.state == StateTracking
	d.stopLoopsLocked()
	if running {
		d.state = StateIdle
	}
	d.mu.Unlock()

	if !running {
		return
	}
	if err := d.cfg.Engine.End(); err != nil {
		d.logger.Warn("gaze engine end failed", "error", err)
	}
	d.logger.Info("gaze detector stopped")
}

func (d *Detector) stopLoopsLocked() {
	for _, l := range []**clock.Loop{&d.pollLoop, &d.sampleLoop, &d.checkLoop, &d.stallLoop} {
		(*l).Stop()
		*l = nil
	}
}

func (d *Detector) resetLocked() {
	d.clicks = 0
	d.window = d.window[:0]
	d.hasLast = false
	d.buffer = nil
	d.frames = 0
	d.out = false
	d.timerStarted = false
	d.reported = false
	d.hasDeviation = false
}

// ProcessSample is the single entry point for raw gaze estimates in
// viewport pixels, fed by both the push listener and the polling loop.
func (d *Detector) ProcessSample(x, y float64) {
	now := d.cfg.Clock.Now()

	d.mu.Lock()
	if d.state != StateCalibrating && d.state != StateTracking {
		d.mu.Unlock()
		return
	}
	d.frames++
	p := d.smoothLocked(d.normalize(x, y))
	d.last = p
	d.hasLast = true

	var (
		elapsed time.Duration
		fire    bool
	)
	if d.state == StateTracking {
		out := d.outOfBounds(p)
		switch {
		case !out:
			d.timerStarted = false
			d.reported = false
			d.hasDeviation = false
		case !d.out:
			d.outSince = now
		}
		d.out = out
		if out {
			elapsed, fire = d.exceededLocked(now)
		}
	}
	handler := d.onViolation
	d.mu.Unlock()

	if fire {
		d.raise(handler, elapsed, now)
	}
	d.telemetry.Do(func() {
		d.logger.Debug("gaze sample", "x", p.x, "y", p.y)
	})
}

func (d *Detector) normalize(x, y float64) point {
	w, h := 0.0, 0.0
	if d.cfg.Viewport != nil {
		w, h = d.cfg.Viewport.Size()
	}
	return point{x: scale(x, w), y: scale(y, h)}
}

// scale maps a pixel coordinate in [0, size] onto [-1, 1].
func scale(v, size float64) float64 {
	if size <= 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, (v/size)*2-1))
}

// smoothLocked pushes p into the trailing window and returns the window
// average.
func (d *Detector) smoothLocked(p point) point {
	if len(d.window) == d.cfg.SmoothingWindow {
		copy(d.window, d.window[1:])
		d.window = d.window[:len(d.window)-1]
	}
	d.window = append(d.window, p)

	var sum point
	for _, q := range d.window {
		sum.x += q.x
		sum.y += q.y
	}
	n := float64(len(d.window))
	return point{x: sum.x / n, y: sum.y / n}
}

func (d *Detector) outOfBounds(p point) bool {
	t := d.cfg.DeviationThreshold
	return math.Abs(p.x) > t || math.Abs(p.y) > t
}

func (d *Detector) poll(time.Time) {
	x, y, ok := d.cfg.Engine.CurrentPrediction()
	if !ok {
		return
	}
	d.ProcessSample(x, y)
}

// sample appends the current smoothed point to the telemetry buffer.
func (d *Detector) sample(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateTracking || !d.hasLast {
		return
	}
	if len(d.buffer) == d.cfg.BufferSize {
		copy(d.buffer, d.buffer[1:])
		d.buffer = d.buffer[:len(d.buffer)-1]
	}
	d.buffer = append(d.buffer, Sample{X: d.last.x, Y: d.last.y, TimestampMs: now.UnixMilli()})
}

// checkDeviation runs once per check interval. Samples evaluate the same
// timer, so an excursion is caught between ticks too.
func (d *Detector) checkDeviation(now time.Time) {
	d.mu.Lock()
	if d.state != StateTracking || !d.hasLast || !d.outOfBounds(d.last) {
		d.timerStarted = false
		d.mu.Unlock()
		return
	}
	elapsed, fire := d.exceededLocked(now)
	handler := d.onViolation
	d.mu.Unlock()

	if fire {
		d.raise(handler, elapsed, now)
	}
}

// exceededLocked starts the deviation timer from the onset of the
// excursion and reports, once per excursion, when it outlasts the
// tolerance.
func (d *Detector) exceededLocked(now time.Time) (time.Duration, bool) {
	if !d.timerStarted {
		d.timerStarted = true
		d.timerStart = d.outSince
	}
	elapsed := now.Sub(d.timerStart)
	if d.reported || elapsed < d.cfg.DeviationTolerance {
		return elapsed, false
	}
	d.reported = true
	d.hasDeviation = true
	return elapsed, true
}

func (d *Detector) raise(handler policy.Handler, elapsed time.Duration, now time.Time) {
	msg := fmt.Sprintf("gaze away from screen for %s", elapsed.Round(100*time.Millisecond))
	d.logger.Warn("sustained gaze deviation", "elapsed", elapsed)
	if handler != nil {
		handler(policy.New(policy.KindGazeDeviation, msg, now))
	}
}

func (d *Detector) checkStall(time.Time) {
	d.mu.Lock()
	frames := d.frames
	d.frames = 0
	tracking := d.state == StateTracking
	d.mu.Unlock()

	if tracking && frames == 0 {
		d.stallLog.Do(func() {
			d.logger.Warn("no gaze frames received", "interval", d.cfg.StallInterval)
		})
	}
}

// HasDeviation reports whether a sustained deviation is in progress.
func (d *Detector) HasDeviation() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasDeviation
}

// FlushBuffer returns the buffered samples, oldest first, and empties the
// buffer.
func (d *Detector) FlushBuffer() []Sample {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.buffer
	d.buffer = nil
	return out
}

// Current returns the latest smoothed point.
func (d *Detector) Current() (x, y float64, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last.x, d.last.y, d.hasLast
}

// State returns the lifecycle state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns the engine failure that put the detector in StateError.
func (d *Detector) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
