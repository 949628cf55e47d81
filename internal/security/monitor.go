// Package security watches browser signals for breaches of the active
// policy set and reports them as violations. It detects only; counting and
// cancellation belong to the session orchestrator.
package security

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/policy"
)

// ErrAlreadyEnabled is returned by Enable on an enabled monitor.
var ErrAlreadyEnabled = errors.New("security: monitor already enabled")

// DefaultDevtoolsInterval is the period of the developer tools probe.
const DefaultDevtoolsInterval = time.Second

// Config wires the monitor to its signal sources.
type Config struct {
	Signals  capability.SignalSource
	History  capability.History
	Devtools capability.DevtoolsProbe

	Clock            clock.Clock
	DevtoolsInterval time.Duration
	Logger           *slog.Logger
}

// Monitor installs the listeners implied by a policy set.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	enabled      bool
	policies     policy.Set
	onViolation  policy.Handler
	cancels      []func()
	devtoolsLoop *clock.Loop
	devtoolsOpen bool
}

// New creates a disabled monitor.
func New(cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.DevtoolsInterval <= 0 {
		cfg.DevtoolsInterval = DefaultDevtoolsInterval
	}
	return &Monitor{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "security"),
	}
}

// Enable subscribes exactly the listeners the policy flags require and
// reports every detected breach to onViolation.
func (m *Monitor) Enable(p policy.Set, onViolation policy.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled {
		return ErrAlreadyEnabled
	}
	m.enabled = true
	m.policies = p
	m.onViolation = onViolation
	m.devtoolsOpen = false

	sub := func(kind capability.SignalKind, h capability.SignalHandler) {
		if m.cfg.Signals == nil {
			return
		}
		m.cancels = append(m.cancels, m.cfg.Signals.Subscribe(kind, h))
	}

	if p.PreventTabSwitch {
		sub(capability.SignalVisibilityHidden, m.onVisibilityHidden)
	}
	if p.DetectFocusLoss {
		sub(capability.SignalWindowBlur, m.onBlur)
	}
	if p.RequireFullscreen {
		sub(capability.SignalFullscreenChange, m.onFullscreenChange)
	}
	if p.PreventInspection || p.PreventPageReload {
		sub(capability.SignalKeyDown, m.onKeyDown)
	}
	if p.PreventInspection {
		sub(capability.SignalContextMenu, suppress)
		if m.cfg.Devtools != nil {
			m.devtoolsLoop = clock.Every(m.cfg.Clock, m.cfg.DevtoolsInterval, m.probeDevtools)
		}
	}
	if p.PreventBackNavigation {
		if m.cfg.History != nil {
			m.cfg.History.PushState()
		}
		sub(capability.SignalPopState, m.onPopState)
	}
	if p.PreventPageReload {
		sub(capability.SignalBeforeUnload, m.onBeforeUnload)
	}
	if p.PreventCopyPaste {
		sub(capability.SignalCopy, m.onClipboard)
		sub(capability.SignalCut, m.onClipboard)
		sub(capability.SignalPaste, m.onClipboard)
		sub(capability.SignalSelectStart, suppress)
	}

	m.logger.Debug("security monitor enabled", "listeners", len(m.cancels), "devtools_probe", m.devtoolsLoop != nil)
	return nil
}

// Disable removes every listener and stops the devtools probe. Disabling a
// disabled monitor is a no-op.
func (m *Monitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.enabled = false
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
	m.devtoolsLoop.Stop()
	m.devtoolsLoop = nil
	m.onViolation = nil
	m.logger.Debug("security monitor disabled")
}

// Enabled reports whether listeners are installed.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

func suppress(s *capability.Signal) { s.Prevent() }

func (m *Monitor) onVisibilityHidden(s *capability.Signal) {
	m.report(policy.KindTabSwitch, "page hidden or tab switched", s.At)
}

func (m *Monitor) onBlur(s *capability.Signal) {
	m.report(policy.KindFocusLost, "window lost focus", s.At)
}

func (m *Monitor) onFullscreenChange(s *capability.Signal) {
	if s.Fullscreen {
		return
	}
	m.report(policy.KindFullscreenExit, "fullscreen exited", s.At)
}

func (m *Monitor) onKeyDown(s *capability.Signal) {
	m.mu.Lock()
	p := m.policies
	m.mu.Unlock()

	switch {
	case p.PreventInspection && isDevtoolsChord(s.Key):
		s.Prevent()
		m.report(policy.KindInspectionAttempt, "developer tools shortcut "+chordName(s.Key), s.At)
	case p.PreventPageReload && isReloadChord(s.Key):
		s.Prevent()
		m.report(policy.KindReloadAttempt, "reload shortcut "+chordName(s.Key), s.At)
	}
}

func (m *Monitor) onPopState(s *capability.Signal) {
	// Re-push so the candidate stays on the exam page.
	if m.cfg.History != nil {
		m.cfg.History.PushState()
	}
	m.report(policy.KindNavigationAttempt, "back navigation attempted", s.At)
}

func (m *Monitor) onBeforeUnload(s *capability.Signal) {
	s.Prevent()
	m.report(policy.KindReloadAttempt, "page reload or close attempted", s.At)
}

func (m *Monitor) onClipboard(s *capability.Signal) {
	s.Prevent()
	m.report(policy.KindClipboardAttempt, string(s.Kind)+" blocked", s.At)
}

// probeDevtools reports the closed to open transition of developer tools.
func (m *Monitor) probeDevtools(now time.Time) {
	open := m.cfg.Devtools.Open()

	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	opened := open && !m.devtoolsOpen
	m.devtoolsOpen = open
	m.mu.Unlock()

	if opened {
		m.report(policy.KindInspectionAttempt, "developer tools opened", now)
	}
}

func (m *Monitor) report(kind policy.Kind, msg string, at time.Time) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	handler := m.onViolation
	m.mu.Unlock()

	if at.IsZero() {
		at = m.cfg.Clock.Now()
	}
	v := policy.New(kind, msg, at)
	m.logger.Info("violation detected", "kind", string(kind), "message", msg)
	if handler != nil {
		handler(v)
	}
}

func isDevtoolsChord(k capability.Key) bool {
	key := strings.ToUpper(k.Key)
	switch {
	case key == "F12":
		return true
	case (k.Ctrl || k.Meta) && k.Shift && (key == "I" || key == "J" || key == "C"):
		return true
	case (k.Ctrl || k.Meta) && key == "U":
		return true
	}
	return false
}

func isReloadChord(k capability.Key) bool {
	key := strings.ToUpper(k.Key)
	return key == "F5" || ((k.Ctrl || k.Meta) && key == "R")
}

func chordName(k capability.Key) string {
	var parts []string
	if k.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if k.Meta {
		parts = append(parts, "Meta")
	}
	if k.Alt {
		parts = append(parts, "Alt")
	}
	if k.Shift {
		parts = append(parts, "Shift")
	}
	parts = append(parts, strings.ToUpper(k.Key))
	return strings.Join(parts, "+")
}
