// Package session drives an exam attempt from device permissions through
// onboarding to monitored mode, and owns the media stream and the monitors
// for the lifetime of the attempt.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/evidence"
	"proctord/internal/exam"
	"proctord/internal/gaze"
	"proctord/internal/inactivity"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/policy"
	"proctord/internal/security"
	"proctord/internal/store"
)

// DefaultFullscreenTimeout bounds fullscreen acquisition on MONITORING entry.
const DefaultFullscreenTimeout = 10 * time.Second

// Devices groups the host capabilities the session runs against.
type Devices struct {
	Media      capability.MediaProvider
	Fullscreen capability.Fullscreen
	Signals    capability.SignalSource
	History    capability.History
	Devtools   capability.DevtoolsProbe
	Focus      capability.FocusProbe
	Viewport   capability.Viewport
	Gaze       capability.GazeEngine
	Recorders  capability.RecorderFactory
	Camera     capability.FrameGrabber
}

// Callbacks are the host notifications. Every field is optional. They are
// invoked without any orchestrator lock held.
type Callbacks struct {
	// OnSecurityViolation fires once, for the violation that cancels the
	// session. The host is expected to call Teardown.
	OnSecurityViolation func(v policy.Violation)

	// OnViolationWarning fires for violations that do not cancel.
	OnViolationWarning func(v policy.Violation, count, limit int)

	OnExamFinished           func(result ExamResult)
	OnConsentResult          func(result ConsentResult)
	OnEnvironmentCheckResult func(passed bool)
	OnInactivityDetected     func()
	OnInactivityWarning      func(remaining time.Duration)
	OnPhaseChange            func(from, to Phase)
	OnLog                    func(level slog.Level, msg string)
}

// Config configures an Orchestrator.
type Config struct {
	Context   exam.Context
	Policies  policy.Set
	Endpoint  string
	AuthToken string

	SnapshotInterval  time.Duration
	AudioEnabled      bool
	Audio             evidence.AudioConfig
	GazeEnabled       bool
	Gaze              gaze.Config
	InactivityMinutes float64
	InactivityCheck   time.Duration

	Devices   Devices
	Transport evidence.Transport
	Endpoints evidence.Endpoints
	AudioSink evidence.AudioSink

	Source            string
	UploadTimeout     time.Duration
	ValidateMetadata  bool
	FullscreenTimeout time.Duration

	Clock   clock.Clock
	Metrics *metrics.ProctorMetrics
	Journal evidence.Journal
	Logger  *slog.Logger

	Callbacks Callbacks
}

// Orchestrator is the session state machine.
type Orchestrator struct {
	cfg    Config
	cb     Callbacks
	logger *slog.Logger

	pipeline   *evidence.Pipeline
	security   *security.Monitor
	inactivity *inactivity.Monitor
	gaze       *gaze.Detector

	mu                    sync.Mutex
	phase                 Phase
	err                   error
	ready                 bool
	stream                capability.Stream
	counts                map[policy.Kind]int
	cancelled             bool
	needsFullscreenReturn bool
	tabWarning            bool
	online                bool
	netCancels            []func()
	torn                  bool
}

// New builds an orchestrator and its monitors. Nothing is started until
// Initialize.
func New(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewProctorMetrics(nil)
	}
	if cfg.FullscreenTimeout <= 0 {
		cfg.FullscreenTimeout = DefaultFullscreenTimeout
	}
	dev := cfg.Devices

	o := &Orchestrator{
		cfg:    cfg,
		cb:     cfg.Callbacks,
		logger: logging.Component(cfg.Logger, "session"),
		counts: make(map[policy.Kind]int),
		online: true,
	}
	o.pipeline = evidence.New(evidence.Config{
		Transport:        cfg.Transport,
		Endpoints:        cfg.Endpoints,
		Source:           cfg.Source,
		UploadTimeout:    cfg.UploadTimeout,
		ValidateMetadata: cfg.ValidateMetadata,
		Signals:          dev.Signals,
		Focus:            dev.Focus,
		Recorders:        dev.Recorders,
		Camera:           dev.Camera,
		AudioSink:        cfg.AudioSink,
		Clock:            cfg.Clock,
		Metrics:          cfg.Metrics,
		Journal:          cfg.Journal,
		Logger:           cfg.Logger,
	})
	o.security = security.New(security.Config{
		Signals:  dev.Signals,
		History:  dev.History,
		Devtools: dev.Devtools,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})
	o.inactivity = inactivity.New(inactivity.Config{
		Signals:       dev.Signals,
		Clock:         cfg.Clock,
		CheckInterval: cfg.InactivityCheck,
		Logger:        cfg.Logger,
		OnWarning:     o.onInactivityWarning,
	})
	if cfg.GazeEnabled && dev.Gaze != nil {
		gc := cfg.Gaze
		gc.Engine = dev.Gaze
		gc.Viewport = dev.Viewport
		gc.Clock = cfg.Clock
		gc.Logger = cfg.Logger
		o.gaze = gaze.New(gc, o.handleViolation)
	}
	o.cfg.Metrics.Phase.Set(int64(PhaseAcquiringPermissions))
	o.cfg.Metrics.Online.Set(1)
	return o
}

// Pipeline returns the evidence pipeline owned by the session.
func (o *Orchestrator) Pipeline() *evidence.Pipeline { return o.pipeline }

// Initialize validates the session, acquires device permissions and
// advances to the first onboarding step. A permission failure keeps the
// phase at ACQUIRING_PERMISSIONS and returns a *PermissionError.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.torn || o.phase != PhaseAcquiringPermissions || o.ready {
		p := o.phase
		o.mu.Unlock()
		return phaseError("initialize", p)
	}
	o.mu.Unlock()

	if err := o.configurePipeline(); err != nil {
		o.setErr(err)
		o.log(slog.LevelError, "session configuration rejected", "error", err)
		return err
	}

	var stream capability.Stream
	pol := o.cfg.Policies
	if pol.NeedsMedia() {
		if o.cfg.Devices.Media == nil {
			err := &ConfigurationError{Field: "devices.media", Message: "no media provider for required camera or microphone"}
			o.setErr(err)
			return err
		}
		video, audio := pol.NeedsCamera(), pol.RequireMicrophone
		s, err := o.cfg.Devices.Media.RequestMedia(ctx, video, audio)
		if err != nil {
			perr := &PermissionError{Video: video, Audio: audio, Err: err}
			o.setErr(perr)
			o.journal(store.CategoryPermission, "media", fmt.Sprintf("video=%t audio=%t", video, audio), perr)
			o.log(slog.LevelError, "media permission failed", "video", video, "audio", audio, "error", err)
			return perr
		}
		stream = s
		o.journal(store.CategoryPermission, "media", fmt.Sprintf("video=%t audio=%t", video, audio), nil)
		o.log(slog.LevelInfo, "media acquired", "stream", s.ID(), "video", s.HasVideo(), "audio", s.HasAudio())
	}

	o.pipeline.SetCounters(o.counters)
	if o.gaze != nil {
		o.pipeline.SetGazeSource(o.gaze.FlushBuffer)
	}

	o.mu.Lock()
	if o.torn {
		o.mu.Unlock()
		if stream != nil {
			stream.Stop()
		}
		return phaseError("initialize", PhaseTerminated)
	}
	o.stream = stream
	o.err = nil
	o.ready = true
	o.mu.Unlock()

	switch {
	case pol.RequireConsent:
		o.transition(PhaseAcquiringPermissions, PhaseConsent)
	case pol.RequireEnvironmentCheck:
		o.transition(PhaseAcquiringPermissions, PhaseEnvironmentCheck)
	default:
		o.enterMonitoring(PhaseAcquiringPermissions)
	}
	return nil
}

func (o *Orchestrator) configurePipeline() error {
	if o.cfg.Endpoint == "" {
		return &ConfigurationError{Field: "collector.endpoint", Message: "required"}
	}
	if err := o.pipeline.Configure(o.cfg.Endpoint, o.cfg.AuthToken, o.cfg.Context); err != nil {
		field := "collector.auth_token"
		if errors.Is(err, evidence.ErrInvalidEndpoint) {
			field = "collector.endpoint"
		}
		return &ConfigurationError{Field: field, Message: err.Error(), Err: err}
	}
	if missing := o.pipeline.Session().Missing(); len(missing) > 0 {
		return &ConfigurationError{Field: "session." + missing[0], Message: fmt.Sprintf("required (missing: %v)", missing)}
	}
	return nil
}

// RetryPermissions re-runs Initialize after a permission failure.
func (o *Orchestrator) RetryPermissions(ctx context.Context) error {
	o.mu.Lock()
	var perr *PermissionError
	if o.phase != PhaseAcquiringPermissions || o.ready || !errors.As(o.err, &perr) {
		p := o.phase
		o.mu.Unlock()
		return phaseError("retry permissions", p)
	}
	o.mu.Unlock()
	o.log(slog.LevelInfo, "retrying media permissions")
	return o.Initialize(ctx)
}

// HandleConsent records the consent answer. A rejection keeps the session
// in CONSENT so the candidate may reconsider.
func (o *Orchestrator) HandleConsent(result ConsentResult) error {
	if err := o.expect(PhaseConsent, "handle consent"); err != nil {
		return err
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = o.cfg.Clock.Now()
	}
	if o.cb.OnConsentResult != nil {
		o.cb.OnConsentResult(result)
	}
	o.journal(store.CategoryPhase, "consent", fmt.Sprintf("accepted=%t", result.Accepted), nil)
	if !result.Accepted {
		o.log(slog.LevelWarn, "consent rejected, waiting for the candidate to reconsider")
		return nil
	}

	pol := o.cfg.Policies
	switch {
	case pol.RequireBiometrics:
		o.transition(PhaseConsent, PhaseBiometricCheck)
	case pol.RequireEnvironmentCheck:
		o.transition(PhaseConsent, PhaseEnvironmentCheck)
	default:
		o.enterMonitoring(PhaseConsent)
	}
	return nil
}

// HandleBiometricDone uploads the reference photo and moves on.
func (o *Orchestrator) HandleBiometricDone(photo []byte) error {
	if err := o.expect(PhaseBiometricCheck, "handle biometric"); err != nil {
		return err
	}
	if len(photo) > 0 {
		if err := o.pipeline.SendSnapshot(photo, "biometric_reference", nil); err != nil {
			o.log(slog.LevelWarn, "biometric reference not sent", "error", err)
		}
	}
	if o.cfg.Policies.RequireEnvironmentCheck {
		o.transition(PhaseBiometricCheck, PhaseEnvironmentCheck)
	} else {
		o.enterMonitoring(PhaseBiometricCheck)
	}
	return nil
}

// HandleEnvironmentResult records the room check. A failed check keeps the
// session in ENVIRONMENT_CHECK.
func (o *Orchestrator) HandleEnvironmentResult(passed bool) error {
	if err := o.expect(PhaseEnvironmentCheck, "handle environment result"); err != nil {
		return err
	}
	if o.cb.OnEnvironmentCheckResult != nil {
		o.cb.OnEnvironmentCheckResult(passed)
	}
	o.journal(store.CategoryPhase, "environment_check", fmt.Sprintf("passed=%t", passed), nil)
	if !passed {
		o.log(slog.LevelWarn, "environment check failed")
		return nil
	}
	o.enterMonitoring(PhaseEnvironmentCheck)
	return nil
}

func (o *Orchestrator) enterMonitoring(from Phase) {
	if !o.transition(from, PhaseMonitoring) {
		return
	}
	pol := o.cfg.Policies
	dev := o.cfg.Devices

	o.mu.Lock()
	stream := o.stream
	o.mu.Unlock()

	if pol.RequireFullscreen {
		if err := o.enterFullscreen(context.Background()); err != nil {
			o.log(slog.LevelWarn, "fullscreen not acquired", "error", err)
		}
	}

	if err := o.security.Enable(pol, o.handleViolation); err != nil {
		o.log(slog.LevelError, "security monitor not enabled", "error", err)
	}

	if stream != nil && pol.NeedsCamera() && o.cfg.SnapshotInterval > 0 && dev.Camera != nil {
		if err := o.pipeline.StartSnapshots(stream, o.cfg.SnapshotInterval); err != nil {
			o.log(slog.LevelWarn, "snapshots not started", "error", err)
		}
	}

	if stream != nil && pol.RequireMicrophone && o.cfg.AudioEnabled {
		if err := o.pipeline.StartAudioRecording(stream, o.cfg.Audio); err != nil {
			o.log(slog.LevelWarn, "audio recording not started", "error", err)
		}
	}

	o.inactivity.Configure(o.cfg.InactivityMinutes, o.onInactivityTimeout)
	o.inactivity.StartMonitoring()

	if o.gaze != nil && stream != nil && stream.HasVideo() {
		if err := o.gaze.StartCalibration(context.Background(), stream); err != nil {
			o.log(slog.LevelWarn, "gaze tracking unavailable", "error", err)
		}
	}

	o.watchNetwork()

	if err := o.pipeline.StartSession(); err != nil {
		o.log(slog.LevelWarn, "session start event not sent", "error", err)
	}
	o.log(slog.LevelInfo, "monitoring started")
}

// RecordCalibrationClick forwards a calibration click to the gaze detector.
func (o *Orchestrator) RecordCalibrationClick(x, y float64) error {
	if o.gaze == nil {
		return gaze.ErrNotCalibrating
	}
	return o.gaze.RecordCalibrationClick(x, y)
}

// CompleteCalibration switches gaze tracking to deviation detection.
func (o *Orchestrator) CompleteCalibration() error {
	if o.gaze == nil {
		return gaze.ErrNotCalibrating
	}
	return o.gaze.CompleteCalibration()
}

// GazeState reports the detector state, IDLE when gaze is disabled.
func (o *Orchestrator) GazeState() gaze.State {
	if o.gaze == nil {
		return gaze.StateIdle
	}
	return o.gaze.State()
}

func (o *Orchestrator) enterFullscreen(ctx context.Context) error {
	if o.cfg.Devices.Fullscreen == nil {
		o.setFullscreenReturn(true)
		return errors.New("session: no fullscreen capability")
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.FullscreenTimeout)
	defer cancel()
	if err := o.cfg.Devices.Fullscreen.Enter(ctx); err != nil {
		o.setFullscreenReturn(true)
		return err
	}
	o.setFullscreenReturn(false)
	return nil
}

func (o *Orchestrator) setFullscreenReturn(v bool) {
	o.mu.Lock()
	o.needsFullscreenReturn = v
	o.mu.Unlock()
}

// ReturnToFullscreen re-acquires fullscreen after an exit. The recovery flag
// clears only when the request succeeds.
func (o *Orchestrator) ReturnToFullscreen(ctx context.Context) error {
	if err := o.expect(PhaseMonitoring, "return to fullscreen"); err != nil {
		return err
	}
	if err := o.enterFullscreen(ctx); err != nil {
		o.log(slog.LevelWarn, "fullscreen return failed", "error", err)
		return err
	}
	o.log(slog.LevelInfo, "fullscreen restored")
	return nil
}

// AcknowledgeTabWarning dismisses the pending tab switch warning.
func (o *Orchestrator) AcknowledgeTabWarning() {
	o.mu.Lock()
	o.tabWarning = false
	o.mu.Unlock()
}

// ConfirmActivity is the candidate's answer to the inactivity warning.
func (o *Orchestrator) ConfirmActivity() {
	o.inactivity.ResetTimer()
}

// FinishExam hands the result to the host and ends the session as
// submitted.
func (o *Orchestrator) FinishExam(result ExamResult) error {
	if err := o.expect(PhaseMonitoring, "finish exam"); err != nil {
		return err
	}
	if result.SubmittedAt.IsZero() {
		result.SubmittedAt = o.cfg.Clock.Now()
	}
	if o.cb.OnExamFinished != nil {
		o.cb.OnExamFinished(result)
	}
	o.teardown("submitted")
	return nil
}

// Teardown stops all monitors and releases the media stream. A session
// torn down while MONITORING reports "session ended: cancelled". Calling
// Teardown again is a no-op.
func (o *Orchestrator) Teardown() {
	o.teardown("cancelled")
}

func (o *Orchestrator) teardown(reason string) {
	o.mu.Lock()
	if o.torn {
		o.mu.Unlock()
		return
	}
	o.torn = true
	from := o.phase
	o.phase = PhaseTerminated
	stream := o.stream
	o.stream = nil
	cancels := o.netCancels
	o.netCancels = nil
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	o.security.Disable()
	o.inactivity.StopMonitoring()
	if o.gaze != nil {
		o.gaze.Stop()
	}
	if from == PhaseMonitoring {
		o.pipeline.EndSession(reason)
	} else {
		o.pipeline.StopSnapshots()
		o.pipeline.StopAudioRecording()
	}
	if stream != nil {
		stream.Stop()
	}
	o.phaseChanged(from, PhaseTerminated, reason)
}

// Wait blocks until in-flight uploads finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	return o.pipeline.Wait(ctx)
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Err returns the error that blocked the last initialization, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Online reports the last connectivity signal.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Cancelled reports whether a violation cancelled the session.
func (o *Orchestrator) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// ViolationCount returns the number of violations of kind seen while
// monitoring.
func (o *Orchestrator) ViolationCount(kind policy.Kind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[kind]
}

// RecoveryState returns the pending recovery prompts.
func (o *Orchestrator) RecoveryState() Recovery {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Recovery{
		TabSwitchWarning:      o.tabWarning,
		NeedsFullscreenReturn: o.needsFullscreenReturn,
		TabSwitches:           o.counts[policy.KindTabSwitch],
		TabSwitchLimit:        o.cfg.Policies.TabSwitchLimit(),
	}
}

func (o *Orchestrator) counters() evidence.Counters {
	keys := o.inactivity.KeyPresses()
	o.mu.Lock()
	defer o.mu.Unlock()
	return evidence.Counters{
		KeyboardEvents: keys,
		TabSwitches:    o.counts[policy.KindTabSwitch],
	}
}

func (o *Orchestrator) expect(want Phase, op string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.torn || o.phase != want {
		return phaseError(op, o.phase)
	}
	return nil
}

// transition moves from one phase to another and reports whether it did.
func (o *Orchestrator) transition(from, to Phase) bool {
	o.mu.Lock()
	if o.torn || o.phase != from {
		o.mu.Unlock()
		return false
	}
	o.phase = to
	o.mu.Unlock()
	o.phaseChanged(from, to, "")
	return true
}

func (o *Orchestrator) phaseChanged(from, to Phase, reason string) {
	o.cfg.Metrics.Phase.Set(int64(to))
	detail := from.String() + "->" + to.String()
	if reason != "" {
		detail += " (" + reason + ")"
	}
	o.journal(store.CategoryPhase, to.String(), detail, nil)
	o.log(slog.LevelInfo, "phase changed", "from", from.String(), "to", to.String())
	if o.cb.OnPhaseChange != nil {
		o.cb.OnPhaseChange(from, to)
	}
}

func (o *Orchestrator) setErr(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

func (o *Orchestrator) journal(cat store.Category, kind, detail string, err error) {
	if o.cfg.Journal == nil {
		return
	}
	e := &store.Entry{
		SessionID:   o.cfg.Context.SessionID,
		Category:    cat,
		Kind:        kind,
		Detail:      detail,
		OK:          err == nil,
		TimestampNs: o.cfg.Clock.Now().UnixNano(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if _, jerr := o.cfg.Journal.Insert(e); jerr != nil {
		o.logger.Warn("journal insert failed", "error", jerr)
	}
}

// log writes to the component logger and mirrors the line to OnLog.
func (o *Orchestrator) log(level slog.Level, msg string, args ...any) {
	o.logger.Log(context.Background(), level, msg, args...)
	if o.cb.OnLog != nil {
		var b strings.Builder
		b.WriteString(msg)
		for i := 0; i+1 < len(args); i += 2 {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
		}
		o.cb.OnLog(level, b.String())
	}
}
