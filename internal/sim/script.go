package sim

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"proctord/internal/capability"
)

// Action names accepted in a script step.
const (
	ActionConsent             = "consent"
	ActionBiometric           = "biometric"
	ActionEnvironment         = "environment"
	ActionCalibrationClick    = "calibration_click"
	ActionCompleteCalibration = "complete_calibration"
	ActionExitFullscreen      = "exit_fullscreen"
	ActionReturnFullscreen    = "return_fullscreen"
	ActionAcknowledgeWarning  = "acknowledge_warning"
	ActionConfirmActivity     = "confirm_activity"
	ActionDevtools            = "devtools"
	ActionFocus               = "focus"
	ActionFinish              = "finish"
	ActionTeardown            = "teardown"
)

var knownActions = map[string]bool{
	ActionConsent: true, ActionBiometric: true, ActionEnvironment: true,
	ActionCalibrationClick: true, ActionCompleteCalibration: true,
	ActionExitFullscreen: true, ActionReturnFullscreen: true,
	ActionAcknowledgeWarning: true, ActionConfirmActivity: true,
	ActionDevtools: true, ActionFocus: true, ActionFinish: true, ActionTeardown: true,
}

// ErrEmptyStep is returned for a step with nothing to do.
var ErrEmptyStep = errors.New("sim: step has no signal, key, gaze or action")

// Offset is a step time relative to the start of the run. It decodes from
// a Go duration string ("90s", "1m30s") or a number of seconds.
type Offset time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (o *Offset) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("sim: offset %q: %w", s, err)
		}
		*o = Offset(d)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("sim: offset must be a duration string or seconds: %w", err)
	}
	*o = Offset(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o Offset) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(o).String())
}

// Point is a raw gaze frame in viewport pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Step is one line of a script.
//
//	{"at":"2s","action":"consent","value":true}
//	{"at":"40s","signal":"visibility_hidden"}
//	{"at":"41s","key":{"key":"F12"}}
//	{"at":"50s","gaze":{"x":1270,"y":360}}
type Step struct {
	At     Offset                `json:"at"`
	Signal capability.SignalKind `json:"signal,omitempty"`
	Key    *capability.Key       `json:"key,omitempty"`
	Gaze   *Point                `json:"gaze,omitempty"`
	Action string                `json:"action,omitempty"`

	// Value is the boolean argument of consent, environment, devtools and
	// focus. It defaults to true.
	Value *bool `json:"value,omitempty"`

	// Photo is the biometric reference image, base64 in JSON.
	Photo []byte `json:"photo,omitempty"`

	// Status is the exam result status of a finish action.
	Status string `json:"status,omitempty"`

	line int
}

// Bool returns Value, true when unset.
func (s Step) Bool() bool {
	return s.Value == nil || *s.Value
}

// Line is the 1-based script line the step was read from.
func (s Step) Line() int { return s.line }

// Script is an ordered list of steps.
type Script struct {
	Steps []Step
}

// Duration is the offset of the last step.
func (s *Script) Duration() time.Duration {
	if len(s.Steps) == 0 {
		return 0
	}
	return time.Duration(s.Steps[len(s.Steps)-1].At)
}

// ParseScript reads a JSONL script. Blank lines and lines starting with '#'
// are skipped. Steps are ordered by offset, keeping file order for ties.
func ParseScript(r io.Reader) (*Script, error) {
	sc := &Script{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var st Step
		dec := json.NewDecoder(strings.NewReader(text))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&st); err != nil {
			return nil, fmt.Errorf("sim: line %d: %w", line, err)
		}
		if err := st.validate(); err != nil {
			return nil, fmt.Errorf("sim: line %d: %w", line, err)
		}
		st.line = line
		sc.Steps = append(sc.Steps, st)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sim: read script: %w", err)
	}
	sort.SliceStable(sc.Steps, func(i, j int) bool { return sc.Steps[i].At < sc.Steps[j].At })
	return sc, nil
}

// LoadScript reads a script file.
func LoadScript(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseScript(f)
}

func (s Step) validate() error {
	if s.At < 0 {
		return fmt.Errorf("sim: negative offset %s", time.Duration(s.At))
	}
	n := 0
	if s.Signal != "" {
		n++
	}
	if s.Key != nil {
		n++
	}
	if s.Gaze != nil {
		n++
	}
	if s.Action != "" {
		if !knownActions[s.Action] {
			return fmt.Errorf("sim: unknown action %q", s.Action)
		}
		n++
	}
	switch {
	case n == 0:
		return ErrEmptyStep
	case n > 1:
		return errors.New("sim: step must set exactly one of signal, key, gaze or action")
	}
	return nil
}
