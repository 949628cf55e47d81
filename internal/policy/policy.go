// Package policy defines the security policy flags of an exam session and
// the violations detected against them.
package policy

import (
	"fmt"
	"time"
)

// Set holds the session's security policy flags. It is supplied once and is
// treated as immutable for the lifetime of a session.
type Set struct {
	RequireCamera           bool `toml:"require_camera" json:"require_camera" yaml:"require_camera"`
	RequireMicrophone       bool `toml:"require_microphone" json:"require_microphone" yaml:"require_microphone"`
	RequireFullscreen       bool `toml:"require_fullscreen" json:"require_fullscreen" yaml:"require_fullscreen"`
	RequireConsent          bool `toml:"require_consent" json:"require_consent" yaml:"require_consent"`
	RequireBiometrics       bool `toml:"require_biometrics" json:"require_biometrics" yaml:"require_biometrics"`
	RequireEnvironmentCheck bool `toml:"require_environment_check" json:"require_environment_check" yaml:"require_environment_check"`
	PreventTabSwitch        bool `toml:"prevent_tab_switch" json:"prevent_tab_switch" yaml:"prevent_tab_switch"`
	PreventInspection       bool `toml:"prevent_inspection" json:"prevent_inspection" yaml:"prevent_inspection"`
	PreventBackNavigation   bool `toml:"prevent_back_navigation" json:"prevent_back_navigation" yaml:"prevent_back_navigation"`
	PreventPageReload       bool `toml:"prevent_page_reload" json:"prevent_page_reload" yaml:"prevent_page_reload"`
	PreventCopyPaste        bool `toml:"prevent_copy_paste" json:"prevent_copy_paste" yaml:"prevent_copy_paste"`

	// DetectFocusLoss reports window blur as FOCUS_LOST. Blur also fires on
	// every tab switch, so it is opt-in.
	DetectFocusLoss bool `toml:"detect_focus_loss" json:"detect_focus_loss" yaml:"detect_focus_loss"`

	// MaxTabSwitches is the tab switch count that cancels the session.
	// Nil or non-positive means the first switch cancels.
	MaxTabSwitches *int `toml:"max_tab_switches,omitempty" json:"max_tab_switches,omitempty" yaml:"max_tab_switches,omitempty"`
}

// NeedsCamera reports whether video access must be requested. Biometric
// onboarding implies a camera even when RequireCamera is false.
func (s Set) NeedsCamera() bool {
	return s.RequireCamera || s.RequireBiometrics
}

// NeedsMedia reports whether any device permission must be requested.
func (s Set) NeedsMedia() bool {
	return s.NeedsCamera() || s.RequireMicrophone
}

// TabSwitchLimit returns the effective tab switch cancellation threshold.
func (s Set) TabSwitchLimit() int {
	if s.MaxTabSwitches == nil || *s.MaxTabSwitches <= 0 {
		return 1
	}
	return *s.MaxTabSwitches
}

// Kind enumerates violation kinds.
type Kind string

const (
	KindTabSwitch         Kind = "TAB_SWITCH"
	KindFullscreenExit    Kind = "FULLSCREEN_EXIT"
	KindFocusLost         Kind = "FOCUS_LOST"
	KindInspectionAttempt Kind = "INSPECTION_ATTEMPT"
	KindNavigationAttempt Kind = "NAVIGATION_ATTEMPT"
	KindReloadAttempt     Kind = "RELOAD_ATTEMPT"
	KindClipboardAttempt  Kind = "CLIPBOARD_ATTEMPT"
	KindGazeDeviation     Kind = "GAZE_DEVIATION"
)

// Kinds lists every known violation kind.
var Kinds = []Kind{
	KindTabSwitch,
	KindFullscreenExit,
	KindFocusLost,
	KindInspectionAttempt,
	KindNavigationAttempt,
	KindReloadAttempt,
	KindClipboardAttempt,
	KindGazeDeviation,
}

// Violation is a single detected breach of an active policy.
type Violation struct {
	Kind      Kind      `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a violation stamped with the given time.
func New(kind Kind, message string, at time.Time) Violation {
	return Violation{Kind: kind, Message: message, Timestamp: at}
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Kind, v.Message)
}

// Handler receives violations.
type Handler func(Violation)
