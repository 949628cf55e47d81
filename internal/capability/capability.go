// Package capability defines the narrow contracts through which the proctoring
// core reaches devices, the browser and the gaze engine.
//
// Implementations live outside the core: a browser bridge in production,
// internal/sim for the headless runner and tests.
package capability

import (
	"context"
	"errors"
)

// Media acquisition errors.
var (
	ErrPermissionDenied = errors.New("capability: permission denied")
	ErrDeviceNotFound   = errors.New("capability: device not found")
	ErrDeviceBusy       = errors.New("capability: device busy")
)

// Stream is a granted camera and/or microphone stream.
type Stream interface {
	ID() string
	HasVideo() bool
	HasAudio() bool
	// Stop releases every track. Calling it again is a no-op.
	Stop()
}

// MediaProvider requests device access.
type MediaProvider interface {
	RequestMedia(ctx context.Context, video, audio bool) (Stream, error)
}

// Fullscreen controls document fullscreen. Exit notifications arrive as
// SignalFullscreenChange on the SignalSource.
type Fullscreen interface {
	Enter(ctx context.Context) error
	Active() bool
}

// History manipulates the navigation history.
type History interface {
	// PushState injects a history entry so a back navigation lands on the
	// exam page again.
	PushState()
}

// DevtoolsProbe reports whether developer tools appear to be open.
type DevtoolsProbe interface {
	Open() bool
}

// FocusProbe reports whether the exam document has input focus.
type FocusProbe interface {
	HasFocus() bool
}

// Viewport reports the visible page size in pixels.
type Viewport interface {
	Size() (width, height float64)
}

// GazeEngine is the adapter around a gaze estimation library.
type GazeEngine interface {
	Begin(ctx context.Context, stream Stream) error
	// SetListener installs the push callback. Raw coordinates are in
	// viewport pixels.
	SetListener(fn func(x, y float64))
	// CurrentPrediction is the pull path; ok is false when no face is
	// detected.
	CurrentPrediction() (x, y float64, ok bool)
	End() error
}

// RecorderOptions configures an audio recorder.
type RecorderOptions struct {
	MimeType string
	Bitrate  int
}

// Recorder records one audio segment between Start and Stop.
type Recorder interface {
	Start() error
	// Stop ends the segment and returns its encoded bytes. Each returned
	// segment is independently decodable.
	Stop() ([]byte, error)
	MimeType() string
}

// RecorderFactory creates recorders bound to a stream.
type RecorderFactory interface {
	NewRecorder(stream Stream, opts RecorderOptions) (Recorder, error)
}

// FrameGrabber captures a still image from the video stream.
type FrameGrabber interface {
	Capture(ctx context.Context, stream Stream) ([]byte, error)
}
