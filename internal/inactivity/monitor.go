// Package inactivity implements the idle watchdog of a monitored session.
package inactivity

import (
	"log/slog"
	"sync"
	"time"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/logging"
)

const (
	DefaultTimeout       = 3 * time.Minute
	DefaultCheckInterval = 5 * time.Second
	DefaultWarningRatio  = 0.9
)

var activitySignals = []capability.SignalKind{
	capability.SignalPointerMove,
	capability.SignalKeyDown,
	capability.SignalClick,
	capability.SignalScroll,
}

// Config wires the monitor.
type Config struct {
	Signals       capability.SignalSource
	Clock         clock.Clock
	CheckInterval time.Duration
	WarningRatio  float64
	Logger        *slog.Logger

	// OnWarning is called once when idle time crosses the warning ratio.
	OnWarning func(remaining time.Duration)
}

// Monitor tracks the last user activity and fires a timeout callback.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	timeout      time.Duration
	onTimeout    func()
	running      bool
	lastActivity time.Time
	warning      bool
	keyPresses   uint64
	cancels      []func()
	loop         *clock.Loop
}

// New creates a monitor with the default timeout.
func New(cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.WarningRatio <= 0 || cfg.WarningRatio >= 1 {
		cfg.WarningRatio = DefaultWarningRatio
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logging.Component(cfg.Logger, "inactivity"),
		timeout: DefaultTimeout,
	}
}

// Configure sets the timeout and its callback. Non-positive minutes keep
// the current timeout.
func (m *Monitor) Configure(timeoutMinutes float64, onTimeout func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timeoutMinutes > 0 {
		m.timeout = time.Duration(timeoutMinutes * float64(time.Minute))
	}
	m.onTimeout = onTimeout
}

// StartMonitoring subscribes to activity signals and starts the periodic
// check. Starting a running monitor is a no-op.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.lastActivity = m.cfg.Clock.Now()
	m.warning = false
	if m.cfg.Signals != nil {
		for _, kind := range activitySignals {
			m.cancels = append(m.cancels, m.cfg.Signals.Subscribe(kind, m.onActivity))
		}
	}
	m.loop = clock.Every(m.cfg.Clock, m.cfg.CheckInterval, m.check)
	m.logger.Debug("inactivity monitor started", "timeout", m.timeout)
}

// StopMonitoring removes the listeners and stops the check. Stopping twice
// is a no-op.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = nil
	m.loop.Stop()
	m.loop = nil
	m.logger.Debug("inactivity monitor stopped")
}

// ResetTimer records an explicit user confirmation and dismisses any
// warning.
func (m *Monitor) ResetTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = m.cfg.Clock.Now()
	m.warning = false
}

func (m *Monitor) onActivity(s *capability.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if s.Kind == capability.SignalKeyDown {
		m.keyPresses++
	}
	// Incidental input does not dismiss a shown warning.
	if m.warning {
		return
	}
	at := s.At
	if at.IsZero() {
		at = m.cfg.Clock.Now()
	}
	if at.After(m.lastActivity) {
		m.lastActivity = at
	}
}

func (m *Monitor) check(now time.Time) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	idle := now.Sub(m.lastActivity)
	warnAt := time.Duration(float64(m.timeout) * m.cfg.WarningRatio)

	var (
		warn     bool
		timedOut bool
	)
	switch {
	case idle >= m.timeout:
		timedOut = true
		m.lastActivity = now
		m.warning = false
	case idle >= warnAt && !m.warning:
		warn = true
		m.warning = true
	}
	remaining := m.timeout - idle
	onTimeout := m.onTimeout
	onWarning := m.cfg.OnWarning
	m.mu.Unlock()

	if warn {
		m.logger.Info("inactivity warning", "idle", idle, "remaining", remaining)
		if onWarning != nil {
			onWarning(remaining)
		}
	}
	if timedOut {
		m.logger.Warn("inactivity timeout", "idle", idle)
		if onTimeout != nil {
			onTimeout()
		}
	}
}

// WarningShown reports whether the warning is pending confirmation.
func (m *Monitor) WarningShown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warning
}

// KeyPresses returns the number of key presses seen while monitoring.
func (m *Monitor) KeyPresses() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyPresses
}

// Running reports whether the monitor is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
