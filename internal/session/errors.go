package session

import (
	"errors"
	"fmt"
)

// ErrInvalidPhase is returned when an operation is called in a phase that
// does not accept it.
var ErrInvalidPhase = errors.New("session: operation not valid in current phase")

// PermissionError reports that camera or microphone access failed. The
// session stays in ACQUIRING_PERMISSIONS until the candidate retries.
type PermissionError struct {
	Video bool
	Audio bool
	Err   error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("session: media permission failed (video=%t audio=%t): %v", e.Video, e.Audio, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ConfigurationError reports a missing or invalid session setting.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("session: invalid configuration: %s: %s", e.Field, e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func phaseError(op string, p Phase) error {
	return fmt.Errorf("%w: %s during %s", ErrInvalidPhase, op, p)
}
