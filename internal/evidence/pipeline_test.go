package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/exam"
	"proctord/internal/gaze"
	"proctord/internal/metrics"
	"proctord/internal/policy"
	"proctord/internal/sim"
	"proctord/internal/store"
)

type fakeTransport struct {
	mu      sync.Mutex
	uploads []*Upload
	err     error
}

func (f *fakeTransport) Upload(_ context.Context, u *Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, u)
	return f.err
}

func (f *fakeTransport) all() []*Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Upload(nil), f.uploads...)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type memJournal struct {
	mu      sync.Mutex
	entries []store.Entry
}

func (j *memJournal) Insert(e *store.Entry) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, *e)
	return int64(len(j.entries)), nil
}

type fixture struct {
	p         *Pipeline
	transport *fakeTransport
	journal   *memJournal
	metrics   *metrics.ProctorMetrics
	clock     *clock.Mock
	bus       *sim.Bus
	recorders *sim.Recorders
	camera    *sim.Camera
	focus     *sim.Focus
}

var testSession = exam.Context{SessionID: "sess-1", ExamID: "exam-9", CandidateID: "cand-3", DurationMinutes: 60}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transport: &fakeTransport{},
		journal:   &memJournal{},
		metrics:   metrics.NewProctorMetrics(nil),
		clock:     clock.NewMock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		bus:       sim.NewBus(),
		recorders: &sim.Recorders{},
		camera:    &sim.Camera{},
		focus:     &sim.Focus{},
	}
	f.p = New(Config{
		Transport:        f.transport,
		ValidateMetadata: true,
		Signals:          f.bus,
		Focus:            f.focus,
		Recorders:        f.recorders,
		Camera:           f.camera,
		Clock:            f.clock,
		Metrics:          f.metrics,
		Journal:          f.journal,
	})
	require.NoError(t, f.p.Configure("https://collector.example.com/api/", "opaque-token", testSession))
	t.Cleanup(func() {
		f.p.StopAudioRecording()
		f.p.StopSnapshots()
	})
	return f
}

func (f *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.p.Wait(ctx))
}

func decode(t *testing.T, u *Upload) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(u.Metadata, &env))
	return env
}

func TestSendEventStampsAndRoutes(t *testing.T) {
	f := newFixture(t)
	f.focus.Set(false)
	f.p.SetCounters(func() Counters { return Counters{KeyboardEvents: 12, TabSwitches: 2} })

	require.NoError(t, f.p.SendEvent(Payload{Type: TypeBrowserEvent, Event: "custom", Message: "hello"}, nil))
	require.NoError(t, f.p.SendEvent(Payload{Type: TypeSnapshot}, []byte("jpeg")))
	require.NoError(t, f.p.SendEvent(Payload{Type: TypeAudioChunk, MimeType: "audio/ogg"}, []byte("ogg")))
	f.wait(t)

	uploads := f.transport.all()
	require.Len(t, uploads, 3)
	byType := map[Type]*Upload{}
	for _, u := range uploads {
		byType[u.Type] = u
	}
	assert.Equal(t, "https://collector.example.com/api/infracciones", byType[TypeBrowserEvent].URL)
	assert.Equal(t, "https://collector.example.com/api/snapshots/upload", byType[TypeSnapshot].URL)
	assert.Equal(t, "https://collector.example.com/api/audios", byType[TypeAudioChunk].URL)
	assert.Equal(t, "opaque-token", byType[TypeSnapshot].Token)
	assert.Equal(t, "image/jpeg", byType[TypeSnapshot].MimeType)
	assert.Equal(t, "audio-0000.ogg", byType[TypeAudioChunk].Filename)

	env := decode(t, byType[TypeBrowserEvent])
	assert.Equal(t, "sess-1", env.Meta.CorrelationID)
	assert.Equal(t, "exam-9", env.Meta.ExamID)
	assert.Equal(t, "cand-3", env.Meta.StudentID)
	assert.Equal(t, "2024-05-01T09:00:00.000Z", env.Meta.Timestamp)
	assert.Equal(t, DefaultSource, env.Meta.Source)
	assert.False(t, env.Payload.BrowserFocus)
	assert.Equal(t, uint64(12), env.Payload.KeyboardEvents)
	assert.Equal(t, 2, env.Payload.TabSwitches)
	assert.Equal(t, "hello", env.Payload.Message)
	assert.NotEmpty(t, env.Payload.EvidenceID)
	assert.Empty(t, env.Payload.PayloadDigest)

	snap := decode(t, byType[TypeSnapshot])
	assert.Equal(t, Digest([]byte("jpeg")), snap.Payload.PayloadDigest)
	assert.NotEqual(t, env.Payload.EvidenceID, snap.Payload.EvidenceID)

	assert.Len(t, f.journal.entries, 3)
	assert.Equal(t, uint64(1), f.metrics.Count("evidence_sent_total", metrics.Labels{"type": "SNAPSHOT"}))
}

func TestUnknownTypeIsDropped(t *testing.T) {
	f := newFixture(t)

	err := f.p.SendEvent(Payload{Type: "KEYSTROKE_LOG"}, nil)
	assert.ErrorIs(t, err, ErrUnknownType)
	f.wait(t)

	assert.Zero(t, f.transport.count())
	assert.Equal(t, uint64(1), f.metrics.Count("evidence_dropped_total", metrics.Labels{"type": "KEYSTROKE_LOG"}))
}

func TestSendBeforeConfigure(t *testing.T) {
	p := New(Config{Transport: &fakeTransport{}})
	assert.ErrorIs(t, p.SendEvent(Payload{Type: TypeBrowserEvent}, nil), ErrNotConfigured)
}

func TestFailedUploadIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.transport.err = &TransportError{Type: TypeSnapshot, Endpoint: "x", StatusCode: 503}

	require.NoError(t, f.p.SendSnapshot([]byte("frame"), "periodic", nil))
	f.wait(t)
	time.Sleep(10 * time.Millisecond)
	f.wait(t)

	assert.Equal(t, 1, f.transport.count())
	assert.Equal(t, uint64(1), f.metrics.Count("evidence_failed_total", metrics.Labels{"type": "SNAPSHOT"}))
	require.Len(t, f.journal.entries, 1)
	assert.False(t, f.journal.entries[0].OK)
	assert.Contains(t, f.journal.entries[0].Error, "status 503")
}

func TestConfigureValidation(t *testing.T) {
	p := New(Config{})
	assert.ErrorIs(t, p.Configure("ftp://collector", "", testSession), ErrInvalidEndpoint)
	assert.ErrorIs(t, p.Configure("not a url", "", testSession), ErrInvalidEndpoint)

	expired := signToken(t, "cand-from-token", time.Now().Add(-time.Minute))
	assert.ErrorIs(t, p.Configure("https://c.example.com", expired, testSession), ErrTokenExpired)

	valid := signToken(t, "cand-from-token", time.Now().Add(time.Hour))
	sc := testSession
	sc.CandidateID = ""
	require.NoError(t, p.Configure("https://c.example.com", valid, sc))
	assert.Equal(t, "cand-from-token", p.Session().CandidateID)
}

func TestSessionLifecycleEvents(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.p.StartSession())
	f.p.EndSession("cancelled")
	f.wait(t)

	uploads := f.transport.all()
	require.Len(t, uploads, 2)
	events := map[string]Payload{}
	for _, u := range uploads {
		env := decode(t, u)
		events[env.Payload.Event] = env.Payload
	}
	assert.Equal(t, "session started", events["session_started"].Message)
	assert.Equal(t, "session ended: cancelled", events["session_ended"].Message)
	assert.Equal(t, "cancelled", events["session_ended"].Reason)
}

func TestSendViolation(t *testing.T) {
	f := newFixture(t)
	v := policy.New(policy.KindGazeDeviation, "gaze away", f.clock.Now())

	require.NoError(t, f.p.SendViolation(v))
	f.wait(t)

	require.Equal(t, 1, f.transport.count())
	env := decode(t, f.transport.all()[0])
	assert.Equal(t, "violation", env.Payload.Event)
	assert.Equal(t, "GAZE_DEVIATION", env.Payload.ViolationType)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestAudioSegmentation(t *testing.T) {
	f := newFixture(t)
	stream := sim.NewStream("mic", false, true)

	require.NoError(t, f.p.StartAudioRecording(stream, AudioConfig{ChunkInterval: 10 * time.Second, Bitrate: 32000}))
	assert.ErrorIs(t, f.p.StartAudioRecording(stream, AudioConfig{}), ErrAudioRunning)
	rec := f.recorders.Created()[0]

	// 25 seconds: two interval rotations and the final partial segment.
	f.clock.Advance(10 * time.Second)
	waitFor(t, func() bool { return f.transport.count() == 1 })
	f.clock.Advance(10 * time.Second)
	waitFor(t, func() bool { return f.transport.count() == 2 })
	f.clock.Advance(5 * time.Second)

	f.p.StopAudioRecording()
	f.p.StopAudioRecording()
	f.wait(t)

	uploads := f.transport.all()
	require.Len(t, uploads, 3)
	assert.False(t, rec.Running())
	assert.Zero(t, f.clock.Tickers())
	assert.Zero(t, f.bus.TotalListeners())

	seen := map[int]bool{}
	for _, u := range uploads {
		assert.Equal(t, TypeAudioChunk, u.Type)
		env := decode(t, u)
		require.NotNil(t, env.Payload.SegmentIndex)
		seen[*env.Payload.SegmentIndex] = true
		assert.Equal(t, Digest(u.Payload), env.Payload.PayloadDigest)
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, seen)
	assert.Equal(t, uint64(3), f.metrics.AudioSegments.Value())
}

func TestAudioFlushOnPageUnload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.StartAudioRecording(sim.NewStream("mic", false, true), AudioConfig{ChunkInterval: time.Minute}))
	rec := f.recorders.Created()[0]

	f.bus.Emit(capability.SignalPageHide)
	f.wait(t)

	require.Equal(t, 1, f.transport.count())
	env := decode(t, f.transport.all()[0])
	assert.Equal(t, "page_unload", env.Payload.Reason)
	assert.True(t, rec.Running(), "recording continues in a fresh segment")
}

func TestAudioUnloadSignalPairFlushesOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.p.StartAudioRecording(sim.NewStream("mic", false, true), AudioConfig{ChunkInterval: time.Minute}))

	f.bus.Emit(capability.SignalPageHide)
	f.clock.Set(f.clock.Now().Add(50 * time.Millisecond))
	f.bus.Emit(capability.SignalBeforeUnload)
	f.wait(t)
	require.Equal(t, 1, f.transport.count())

	// A later hide, e.g. after the page was restored, flushes again.
	f.clock.Set(f.clock.Now().Add(2 * time.Second))
	f.bus.Emit(capability.SignalPageHide)
	f.wait(t)
	assert.Equal(t, 2, f.transport.count())
}

func TestAudioRequiresTrack(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.p.StartAudioRecording(sim.NewStream("cam", true, false), AudioConfig{}), ErrNoAudioTrack)

	f.recorders.Fail(errors.New("codec unsupported"))
	assert.Error(t, f.p.StartAudioRecording(sim.NewStream("mic", false, true), AudioConfig{}))
}

func TestSnapshotsCarryGazeSamples(t *testing.T) {
	f := newFixture(t)
	f.p.SetGazeSource(func() []gaze.Sample {
		return []gaze.Sample{{X: 0.1, Y: -0.2, TimestampMs: 1}}
	})
	stream := sim.NewStream("cam", true, false)

	require.NoError(t, f.p.StartSnapshots(stream, 30*time.Second))
	assert.ErrorIs(t, f.p.StartSnapshots(stream, 30*time.Second), ErrSnapshotsRunning)

	f.clock.Advance(30 * time.Second)
	waitFor(t, func() bool { return f.transport.count() == 1 })
	f.p.StopSnapshots()
	f.p.StopSnapshots()
	f.wait(t)

	env := decode(t, f.transport.all()[0])
	assert.Equal(t, TypeSnapshot, env.Payload.Type)
	assert.Equal(t, "periodic", env.Payload.Reason)
	require.Len(t, env.Payload.GazeSamples, 1)
	assert.InDelta(t, -0.2, env.Payload.GazeSamples[0].Y, 1e-9)
	assert.Zero(t, f.clock.Tickers())
}

func TestSnapshotsNeedVideo(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.p.StartSnapshots(sim.NewStream("mic", false, true), time.Second), ErrNoCamera)
}
