// Package headless replays a scripted exam attempt against simulated
// devices. Time is simulated, so an hour-long script runs in seconds.
package headless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/config"
	"proctord/internal/evidence"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/policy"
	"proctord/internal/session"
	"proctord/internal/sim"
)

// DefaultTick is the simulated clock resolution.
const DefaultTick = 100 * time.Millisecond

// Options configures a Runner.
type Options struct {
	Config *config.Config
	Script *sim.Script

	// Transport delivers evidence. Nil records uploads in memory.
	Transport evidence.Transport
	Journal   evidence.Journal
	Metrics   *metrics.ProctorMetrics

	// Tick is the step by which the simulated clock advances.
	Tick  time.Duration
	Start time.Time

	// DrainTimeout bounds the wait for in-flight uploads at the end.
	DrainTimeout time.Duration

	Logger *slog.Logger
}

// Report summarizes a run.
type Report struct {
	SessionID      string         `json:"session_id"`
	Phase          string         `json:"phase"`
	Cancelled      bool           `json:"cancelled"`
	CancelledBy    string         `json:"cancelled_by,omitempty"`
	Finished       bool           `json:"finished"`
	StepsApplied   int            `json:"steps_applied"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	Violations     map[string]int `json:"violations"`
	Warnings       int            `json:"warnings"`
	Inactivity     int            `json:"inactivity_timeouts"`
	Uploads        map[string]int `json:"uploads,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	Metrics        map[string]any `json:"metrics"`
}

// Runner owns the simulated devices and the orchestrator of one run.
type Runner struct {
	opts   Options
	logger *slog.Logger

	clock      *clock.Mock
	bus        *sim.Bus
	media      *sim.Media
	fullscreen *sim.Fullscreen
	devtools   *sim.Devtools
	focus      *sim.Focus
	gaze       *sim.GazeEngine
	recording  *Recording
	sink       evidence.AudioSink
	orch       *session.Orchestrator

	mu          sync.Mutex
	cancelledBy *policy.Violation
	finished    bool
	warnings    int
	idle        int
	errs        []string
}

// New prepares a run. Nothing happens until Run.
func New(opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, errors.New("headless: config is required")
	}
	if opts.Script == nil {
		opts.Script = &sim.Script{}
	}
	defaults(&opts)

	r := &Runner{
		opts:     opts,
		logger:   logging.Component(opts.Logger, "headless"),
		clock:    clock.NewMock(opts.Start),
		bus:      sim.NewBus(),
		media:    sim.NewMedia(),
		devtools: &sim.Devtools{},
		focus:    &sim.Focus{},
		gaze:     &sim.GazeEngine{},
	}
	r.bus.SetNow(r.clock.Now)
	r.fullscreen = sim.NewFullscreen(r.bus)

	transport := opts.Transport
	if transport == nil {
		r.recording = NewRecording(opts.Logger)
		transport = r.recording
	}
	r.sink = audioSink(opts.Config, opts.Logger)

	cfg := SessionConfig(opts.Config)
	cfg.Devices = session.Devices{
		Media:      r.media,
		Fullscreen: r.fullscreen,
		Signals:    r.bus,
		History:    &sim.History{},
		Devtools:   r.devtools,
		Focus:      r.focus,
		Viewport:   sim.Viewport{Width: 1280, Height: 720},
		Gaze:       r.gaze,
		Recorders:  &sim.Recorders{},
		Camera:     &sim.Camera{},
	}
	cfg.Transport = transport
	cfg.AudioSink = r.sink
	cfg.Clock = r.clock
	cfg.Metrics = opts.Metrics
	cfg.Journal = opts.Journal
	cfg.Logger = opts.Logger
	cfg.Callbacks = session.Callbacks{
		OnSecurityViolation: r.onCancel,
		OnViolationWarning: func(policy.Violation, int, int) {
			r.mu.Lock()
			r.warnings++
			r.mu.Unlock()
		},
		OnExamFinished: func(session.ExamResult) {
			r.mu.Lock()
			r.finished = true
			r.mu.Unlock()
		},
		OnInactivityDetected: func() {
			r.mu.Lock()
			r.idle++
			r.mu.Unlock()
		},
	}
	r.orch = session.New(cfg)
	return r, nil
}

// Orchestrator returns the session under simulation.
func (r *Runner) Orchestrator() *session.Orchestrator { return r.orch }

// Recording returns the offline transport, nil when a transport was given.
func (r *Runner) Recording() *Recording { return r.recording }

func (r *Runner) onCancel(v policy.Violation) {
	r.mu.Lock()
	if r.cancelledBy == nil {
		r.cancelledBy = &v
	}
	r.mu.Unlock()
}

func (r *Runner) stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelledBy != nil || r.finished
}

func (r *Runner) fail(step sim.Step, err error) {
	r.logger.Warn("script step failed", "line", step.Line(), "error", err)
	r.mu.Lock()
	r.errs = append(r.errs, fmt.Sprintf("line %d: %v", step.Line(), err))
	r.mu.Unlock()
}

// Run initializes the session, replays the script and tears the session
// down. A cancelling violation ends the replay early.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if err := r.orch.Initialize(ctx); err != nil {
		r.orch.Teardown()
		return nil, fmt.Errorf("headless: initialize: %w", err)
	}

	applied := 0
	for _, step := range r.opts.Script.Steps {
		if err := r.advanceTo(ctx, r.opts.Start.Add(time.Duration(step.At))); err != nil {
			r.orch.Teardown()
			return nil, err
		}
		if r.stopped() || r.orch.Phase() == session.PhaseTerminated {
			break
		}
		if err := r.apply(ctx, step); err != nil {
			r.fail(step, err)
		}
		applied++
	}

	r.orch.Teardown()
	drainCtx, cancel := context.WithTimeout(context.Background(), r.opts.DrainTimeout)
	defer cancel()
	if err := r.orch.Wait(drainCtx); err != nil {
		r.logger.Warn("uploads still in flight at exit", "error", err)
	}
	return r.report(applied), nil
}

// advanceTo moves the simulated clock forward one tick at a time. Periodic
// loops run inside each Advance, so a cancellation stops the replay within
// one tick.
func (r *Runner) advanceTo(ctx context.Context, target time.Time) error {
	for r.clock.Now().Before(target) {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := r.opts.Tick
		if rem := target.Sub(r.clock.Now()); rem < step {
			step = rem
		}
		r.clock.Advance(step)
		if r.stopped() {
			return nil
		}
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, step sim.Step) error {
	switch {
	case step.Signal != "":
		r.bus.Emit(step.Signal)
		return nil
	case step.Key != nil:
		r.bus.EmitKey(*step.Key)
		return nil
	case step.Gaze != nil:
		r.gaze.Predict(step.Gaze.X, step.Gaze.Y)
		r.gaze.Push(step.Gaze.X, step.Gaze.Y)
		return nil
	}

	switch step.Action {
	case sim.ActionConsent:
		return r.orch.HandleConsent(session.ConsentResult{Accepted: step.Bool(), Timestamp: r.clock.Now()})
	case sim.ActionBiometric:
		photo := step.Photo
		if len(photo) == 0 {
			frame, err := (&sim.Camera{}).Capture(ctx, r.media.LastStream())
			if err != nil {
				return err
			}
			photo = frame
		}
		return r.orch.HandleBiometricDone(photo)
	case sim.ActionEnvironment:
		return r.orch.HandleEnvironmentResult(step.Bool())
	case sim.ActionCalibrationClick:
		return r.orch.RecordCalibrationClick(640, 360)
	case sim.ActionCompleteCalibration:
		return r.orch.CompleteCalibration()
	case sim.ActionExitFullscreen:
		r.fullscreen.Exit()
		return nil
	case sim.ActionReturnFullscreen:
		return r.orch.ReturnToFullscreen(ctx)
	case sim.ActionAcknowledgeWarning:
		r.orch.AcknowledgeTabWarning()
		return nil
	case sim.ActionConfirmActivity:
		r.orch.ConfirmActivity()
		return nil
	case sim.ActionDevtools:
		r.devtools.SetOpen(step.Bool())
		return nil
	case sim.ActionFocus:
		r.focus.Set(step.Bool())
		if !step.Bool() {
			r.bus.Emit(capability.SignalWindowBlur)
		}
		return nil
	case sim.ActionFinish:
		status := step.Status
		if status == "" {
			status = "completed"
		}
		return r.orch.FinishExam(session.ExamResult{Status: status, SubmittedAt: r.clock.Now()})
	case sim.ActionTeardown:
		r.orch.Teardown()
		return nil
	}
	return fmt.Errorf("headless: unsupported action %q", step.Action)
}

func (r *Runner) report(applied int) *Report {
	rep := &Report{
		SessionID:      r.orch.Pipeline().Session().SessionID,
		Phase:          r.orch.Phase().String(),
		Cancelled:      r.orch.Cancelled(),
		StepsApplied:   applied,
		ElapsedSeconds: r.clock.Now().Sub(r.opts.Start).Seconds(),
		Violations:     make(map[string]int),
		Metrics:        r.opts.Metrics.Registry().Snapshot(),
	}
	for _, k := range policy.Kinds {
		if n := r.orch.ViolationCount(k); n > 0 {
			rep.Violations[string(k)] = n
		}
	}
	if r.recording != nil {
		rep.Uploads = r.recording.CountByType()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelledBy != nil {
		rep.CancelledBy = string(r.cancelledBy.Kind)
	}
	rep.Finished = r.finished
	rep.Warnings = r.warnings
	rep.Inactivity = r.idle
	rep.Errors = append(rep.Errors, r.errs...)
	return rep
}
