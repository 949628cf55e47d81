package session

import (
	"fmt"
	"log/slog"
	"time"

	"proctord/internal/capability"
	"proctord/internal/policy"
	"proctord/internal/store"
)

type verdict int

const (
	verdictWarn verdict = iota
	verdictCancel
)

// handleViolation applies the cancellation policy. It is the single
// subscriber of the security monitor and the gaze detector.
func (o *Orchestrator) handleViolation(v policy.Violation) {
	limit := 1
	o.mu.Lock()
	if o.phase != PhaseMonitoring || o.cancelled {
		o.mu.Unlock()
		return
	}
	o.counts[v.Kind]++
	count := o.counts[v.Kind]

	var outcome verdict
	switch v.Kind {
	case policy.KindTabSwitch:
		limit = o.cfg.Policies.TabSwitchLimit()
		if count >= limit {
			outcome = verdictCancel
		} else {
			o.tabWarning = true
		}
	case policy.KindFullscreenExit:
		o.needsFullscreenReturn = true
		limit = 0
	case policy.KindGazeDeviation:
		limit = 0
	default:
		outcome = verdictCancel
	}
	if outcome == verdictCancel {
		o.cancelled = true
	}
	o.mu.Unlock()

	o.cfg.Metrics.Violation(string(v.Kind))
	if v.Kind == policy.KindGazeDeviation {
		o.cfg.Metrics.GazeDeviations.Inc()
	}
	o.journal(store.CategoryViolation, string(v.Kind), fmt.Sprintf("%d/%d %s", count, limit, v.Message), nil)
	if err := o.pipeline.SendViolation(v); err != nil {
		o.log(slog.LevelWarn, "violation event not sent", "kind", string(v.Kind), "error", err)
	}

	if outcome == verdictCancel {
		o.cfg.Metrics.Cancellations.Inc()
		o.log(slog.LevelError, "session cancelled by violation", "kind", string(v.Kind), "count", count)
		if o.cb.OnSecurityViolation != nil {
			o.cb.OnSecurityViolation(v)
		}
		return
	}
	o.log(slog.LevelWarn, "violation warning", "kind", string(v.Kind), "count", count, "limit", limit)
	if o.cb.OnViolationWarning != nil {
		o.cb.OnViolationWarning(v, count, limit)
	}
}

func (o *Orchestrator) onInactivityTimeout() {
	if o.Phase() != PhaseMonitoring {
		return
	}
	o.cfg.Metrics.InactivityTimeouts.Inc()
	o.journal(store.CategoryViolation, "INACTIVITY", "timeout", nil)
	o.log(slog.LevelWarn, "inactivity timeout")
	if o.cb.OnInactivityDetected != nil {
		o.cb.OnInactivityDetected()
	}
}

func (o *Orchestrator) onInactivityWarning(remaining time.Duration) {
	o.log(slog.LevelWarn, "inactivity warning", "remaining", remaining)
	if o.cb.OnInactivityWarning != nil {
		o.cb.OnInactivityWarning(remaining)
	}
}

// watchNetwork follows online and offline signals while monitoring.
func (o *Orchestrator) watchNetwork() {
	sig := o.cfg.Devices.Signals
	if sig == nil {
		return
	}
	on := sig.Subscribe(capability.SignalOnline, func(*capability.Signal) { o.setOnline(true) })
	off := sig.Subscribe(capability.SignalOffline, func(*capability.Signal) { o.setOnline(false) })

	o.mu.Lock()
	if o.torn {
		o.mu.Unlock()
		on()
		off()
		return
	}
	o.netCancels = append(o.netCancels, on, off)
	o.mu.Unlock()
}

func (o *Orchestrator) setOnline(online bool) {
	o.mu.Lock()
	changed := o.online != online
	o.online = online
	o.mu.Unlock()
	if !changed {
		return
	}
	if online {
		o.cfg.Metrics.Online.Set(1)
		o.log(slog.LevelInfo, "network online")
	} else {
		o.cfg.Metrics.Online.Set(0)
		o.log(slog.LevelWarn, "network offline")
	}
}
