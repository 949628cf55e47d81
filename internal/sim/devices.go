// Package sim provides in-memory implementations of the capability contracts.
//
// The headless runner drives them from a script and package tests use them
// as fakes. Every type is safe for concurrent use.
package sim

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"proctord/internal/capability"
)

// Bus is an in-memory SignalSource.
type Bus struct {
	mu        sync.Mutex
	nextID    int
	listeners map[capability.SignalKind]map[int]capability.SignalHandler
	now       func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[capability.SignalKind]map[int]capability.SignalHandler),
		now:       time.Now,
	}
}

// SetNow replaces the time source used to stamp emitted signals.
func (b *Bus) SetNow(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Subscribe implements capability.SignalSource.
func (b *Bus) Subscribe(kind capability.SignalKind, h capability.SignalHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.listeners[kind] == nil {
		b.listeners[kind] = make(map[int]capability.SignalHandler)
	}
	b.listeners[kind][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners[kind], id)
			b.mu.Unlock()
		})
	}
}

// Emit delivers a signal to every listener of its kind and returns it so the
// caller can inspect Prevented.
func (b *Bus) Emit(kind capability.SignalKind) *capability.Signal {
	return b.Dispatch(capability.NewSignal(kind, b.stamp(), nil))
}

func (b *Bus) stamp() time.Time {
	b.mu.Lock()
	now := b.now
	b.mu.Unlock()
	return now()
}

// EmitKey delivers a key press.
func (b *Bus) EmitKey(key capability.Key) *capability.Signal {
	s := capability.NewSignal(capability.SignalKeyDown, b.stamp(), nil)
	s.Key = key
	return b.Dispatch(s)
}

// EmitFullscreen delivers a fullscreen change.
func (b *Bus) EmitFullscreen(active bool) *capability.Signal {
	s := capability.NewSignal(capability.SignalFullscreenChange, b.stamp(), nil)
	s.Fullscreen = active
	return b.Dispatch(s)
}

// Dispatch delivers a prepared signal.
func (b *Bus) Dispatch(s *capability.Signal) *capability.Signal {
	b.mu.Lock()
	handlers := make([]capability.SignalHandler, 0, len(b.listeners[s.Kind]))
	for _, h := range b.listeners[s.Kind] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(s)
	}
	return s
}

// Listeners returns the number of installed listeners for kind.
func (b *Bus) Listeners(kind capability.SignalKind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[kind])
}

// TotalListeners returns the number of installed listeners of every kind.
func (b *Bus) TotalListeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.listeners {
		n += len(m)
	}
	return n
}

// Stream is a simulated media stream.
type Stream struct {
	id      string
	video   bool
	audio   bool
	stopped atomic.Int32
}

// NewStream creates a stream.
func NewStream(id string, video, audio bool) *Stream {
	return &Stream{id: id, video: video, audio: audio}
}

func (s *Stream) ID() string     { return s.id }
func (s *Stream) HasVideo() bool { return s.video }
func (s *Stream) HasAudio() bool { return s.audio }

// Stop implements capability.Stream.
func (s *Stream) Stop() { s.stopped.Add(1) }

// Stops returns how many times Stop was called.
func (s *Stream) Stops() int { return int(s.stopped.Load()) }

// Media is a simulated MediaProvider.
type Media struct {
	mu       sync.Mutex
	err      error
	requests []MediaRequest
	last     *Stream
}

// MediaRequest records one RequestMedia call.
type MediaRequest struct {
	Video bool
	Audio bool
}

// NewMedia creates a provider that grants every request.
func NewMedia() *Media { return &Media{} }

// Fail makes subsequent requests return err. Pass nil to grant again.
func (m *Media) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// RequestMedia implements capability.MediaProvider.
func (m *Media) RequestMedia(ctx context.Context, video, audio bool) (capability.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, MediaRequest{Video: video, Audio: audio})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.err != nil {
		return nil, m.err
	}
	m.last = NewStream(fmt.Sprintf("stream-%d", len(m.requests)), video, audio)
	return m.last, nil
}

// Requests returns the recorded requests.
func (m *Media) Requests() []MediaRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MediaRequest(nil), m.requests...)
}

// LastStream returns the most recently granted stream.
func (m *Media) LastStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Fullscreen is a simulated fullscreen controller. Exits are announced on the
// bus it was created with.
type Fullscreen struct {
	mu     sync.Mutex
	active bool
	err    error
	enters int
	bus    *Bus
}

// NewFullscreen creates a controller bound to bus.
func NewFullscreen(bus *Bus) *Fullscreen { return &Fullscreen{bus: bus} }

// Enter implements capability.Fullscreen.
func (f *Fullscreen) Enter(ctx context.Context) error {
	f.mu.Lock()
	f.enters++
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return err
	}
	f.active = true
	f.mu.Unlock()
	if f.bus != nil {
		f.bus.EmitFullscreen(true)
	}
	return nil
}

// Exit leaves fullscreen as if the candidate pressed Escape.
func (f *Fullscreen) Exit() {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
	if f.bus != nil {
		f.bus.EmitFullscreen(false)
	}
}

// Fail makes Enter return err.
func (f *Fullscreen) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Active implements capability.Fullscreen.
func (f *Fullscreen) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Enters returns how many times Enter was called.
func (f *Fullscreen) Enters() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enters
}

// History counts injected history entries.
type History struct{ pushes atomic.Int32 }

// PushState implements capability.History.
func (h *History) PushState() { h.pushes.Add(1) }

// Pushes returns the number of PushState calls.
func (h *History) Pushes() int { return int(h.pushes.Load()) }

// Devtools is a switchable DevtoolsProbe.
type Devtools struct{ open atomic.Bool }

// SetOpen changes the probe result.
func (d *Devtools) SetOpen(open bool) { d.open.Store(open) }

// Open implements capability.DevtoolsProbe.
func (d *Devtools) Open() bool { return d.open.Load() }

// Focus is a switchable FocusProbe. It starts focused.
type Focus struct{ blurred atomic.Bool }

// Set changes the focus state.
func (f *Focus) Set(focused bool) { f.blurred.Store(!focused) }

// HasFocus implements capability.FocusProbe.
func (f *Focus) HasFocus() bool { return !f.blurred.Load() }

// Viewport is a fixed-size viewport.
type Viewport struct{ Width, Height float64 }

// Size implements capability.Viewport.
func (v Viewport) Size() (float64, float64) { return v.Width, v.Height }

// GazeEngine is a simulated gaze engine. Tests push frames through Push and
// set the pull prediction through Predict.
type GazeEngine struct {
	mu       sync.Mutex
	listener func(x, y float64)
	predX    float64
	predY    float64
	hasPred  bool
	began    bool
	ended    int
	beginErr error
}

// FailBegin makes Begin return err.
func (g *GazeEngine) FailBegin(err error) {
	g.mu.Lock()
	g.beginErr = err
	g.mu.Unlock()
}

// Begin implements capability.GazeEngine.
func (g *GazeEngine) Begin(ctx context.Context, stream capability.Stream) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.beginErr != nil {
		return g.beginErr
	}
	g.began = true
	return nil
}

// SetListener implements capability.GazeEngine.
func (g *GazeEngine) SetListener(fn func(x, y float64)) {
	g.mu.Lock()
	g.listener = fn
	g.mu.Unlock()
}

// Push delivers a raw frame to the listener, if any.
func (g *GazeEngine) Push(x, y float64) {
	g.mu.Lock()
	fn := g.listener
	g.mu.Unlock()
	if fn != nil {
		fn(x, y)
	}
}

// Predict sets the value returned by CurrentPrediction.
func (g *GazeEngine) Predict(x, y float64) {
	g.mu.Lock()
	g.predX, g.predY, g.hasPred = x, y, true
	g.mu.Unlock()
}

// ClearPrediction makes CurrentPrediction report no face.
func (g *GazeEngine) ClearPrediction() {
	g.mu.Lock()
	g.hasPred = false
	g.mu.Unlock()
}

// CurrentPrediction implements capability.GazeEngine.
func (g *GazeEngine) CurrentPrediction() (float64, float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.predX, g.predY, g.hasPred
}

// End implements capability.GazeEngine.
func (g *GazeEngine) End() error {
	g.mu.Lock()
	g.ended++
	g.listener = nil
	g.mu.Unlock()
	return nil
}

// Ended returns how many times End was called.
func (g *GazeEngine) Ended() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ended
}

// Recorders is a RecorderFactory producing synthetic segments. Each segment
// carries a self-contained header so segments never depend on each other.
type Recorders struct {
	mu      sync.Mutex
	created []*Recorder
	err     error
}

// Fail makes NewRecorder return err.
func (r *Recorders) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// NewRecorder implements capability.RecorderFactory.
func (r *Recorders) NewRecorder(stream capability.Stream, opts capability.RecorderOptions) (capability.Recorder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	mime := opts.MimeType
	if mime == "" {
		mime = "audio/webm;codecs=opus"
	}
	rec := &Recorder{mime: mime}
	r.created = append(r.created, rec)
	return rec, nil
}

// Created returns the recorders made so far.
func (r *Recorders) Created() []*Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Recorder(nil), r.created...)
}

// Recorder is a simulated segment recorder.
type Recorder struct {
	mu       sync.Mutex
	mime     string
	running  bool
	segments int
	starts   int
}

// Start implements capability.Recorder.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("sim: recorder already running")
	}
	r.running = true
	r.starts++
	return nil
}

// Stop implements capability.Recorder.
func (r *Recorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, fmt.Errorf("sim: recorder not running")
	}
	r.running = false
	r.segments++
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "SIMSEG\x00%s\x00%d", r.mime, r.segments)
	return buf.Bytes(), nil
}

// MimeType implements capability.Recorder.
func (r *Recorder) MimeType() string { return r.mime }

// Running reports whether a segment is in progress.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Starts returns how many segments were started.
func (r *Recorder) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// Camera is a FrameGrabber returning a fixed JPEG-like payload.
type Camera struct {
	captures atomic.Int32
	err      atomic.Value
}

// Fail makes Capture return err.
func (c *Camera) Fail(err error) { c.err.Store(errBox{err}) }

type errBox struct{ err error }

// Capture implements capability.FrameGrabber.
func (c *Camera) Capture(ctx context.Context, stream capability.Stream) ([]byte, error) {
	if b, ok := c.err.Load().(errBox); ok && b.err != nil {
		return nil, b.err
	}
	n := c.captures.Add(1)
	return []byte(fmt.Sprintf("\xff\xd8sim-frame-%d\xff\xd9", n)), nil
}

// Captures returns the number of frames captured.
func (c *Camera) Captures() int { return int(c.captures.Load()) }
