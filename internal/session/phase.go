package session

import (
	"fmt"
	"time"
)

// Phase is the orchestrator's state.
type Phase int

const (
	PhaseAcquiringPermissions Phase = iota
	PhaseConsent
	PhaseBiometricCheck
	PhaseEnvironmentCheck
	PhaseMonitoring
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseAcquiringPermissions:
		return "ACQUIRING_PERMISSIONS"
	case PhaseConsent:
		return "CONSENT"
	case PhaseBiometricCheck:
		return "BIOMETRIC_CHECK"
	case PhaseEnvironmentCheck:
		return "ENVIRONMENT_CHECK"
	case PhaseMonitoring:
		return "MONITORING"
	case PhaseTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ConsentResult is the candidate's answer to the consent form.
type ConsentResult struct {
	Accepted  bool      `json:"accepted"`
	Timestamp time.Time `json:"timestamp"`
}

// ExamResult is handed to OnExamFinished when the candidate submits.
type ExamResult struct {
	Status      string            `json:"status"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Detail      map[string]string `json:"detail,omitempty"`
}

// Recovery describes the prompts the host must show to let the candidate
// continue after a non-fatal violation.
type Recovery struct {
	TabSwitchWarning      bool
	NeedsFullscreenReturn bool
	TabSwitches           int
	TabSwitchLimit        int
}

// Prompt returns the prompt to show first. The tab switch warning takes
// priority so the candidate acknowledges it before the fullscreen request.
func (r Recovery) Prompt() string {
	switch {
	case r.TabSwitchWarning:
		return "tab_switch_warning"
	case r.NeedsFullscreenReturn:
		return "fullscreen_return"
	}
	return ""
}
