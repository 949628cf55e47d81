package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctord/internal/capability"
	"proctord/internal/clock"
	"proctord/internal/exam"
	"proctord/internal/gaze"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/policy"
	"proctord/internal/store"
)

var (
	// ErrNotConfigured is returned when evidence is sent before Configure.
	ErrNotConfigured = errors.New("evidence: pipeline not configured")

	// ErrUnknownType is returned for evidence kinds the collector rejects.
	ErrUnknownType = errors.New("evidence: unknown evidence type")

	// ErrInvalidEndpoint is returned by Configure for a malformed endpoint.
	ErrInvalidEndpoint = errors.New("evidence: invalid collector endpoint")
)

// DefaultSource tags envelopes when Config.Source is empty.
const DefaultSource = "frontend_client_v1"

// TimestampLayout is the ISO 8601 layout of Meta.Timestamp.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Journal records upload outcomes.
type Journal interface {
	Insert(e *store.Entry) (int64, error)
}

// Config wires the pipeline to its collaborators. Only Transport is
// required for event delivery.
type Config struct {
	Transport     Transport
	Endpoints     Endpoints
	Source        string
	UploadTimeout time.Duration

	// ValidateMetadata checks every envelope against the collector schema
	// before upload and drops items that do not conform.
	ValidateMetadata bool

	Signals   capability.SignalSource
	Focus     capability.FocusProbe
	Recorders capability.RecorderFactory
	Camera    capability.FrameGrabber
	AudioSink AudioSink

	Clock   clock.Clock
	Metrics *metrics.ProctorMetrics
	Journal Journal
	Logger  *slog.Logger
}

// Pipeline stamps and routes evidence items.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	configured  bool
	endpoint    string
	token       string
	session     exam.Context
	counters    func() Counters
	gazeSamples func() []gaze.Sample
	audio       *audioRecorder
	snapshots   *snapshotLoop

	wg sync.WaitGroup
}

// New creates an unconfigured pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Endpoints == (Endpoints{}) {
		cfg.Endpoints = DefaultEndpoints()
	}
	if cfg.Source == "" {
		cfg.Source = DefaultSource
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewProctorMetrics(nil)
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "evidence"),
	}
}

// Configure sets the collector endpoint, bearer token and session. When
// the token is a JWT its expiry is checked and its subject fills a missing
// candidate id.
func (p *Pipeline) Configure(endpoint, authToken string, sc exam.Context) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, endpoint)
	}
	info, err := ParseToken(authToken, p.cfg.Clock.Now())
	if err != nil {
		return err
	}
	if sc.CandidateID == "" {
		sc.CandidateID = info.Subject
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoint = strings.TrimRight(endpoint, "/")
	p.token = authToken
	p.session = sc
	p.configured = true
	p.logger.Info("evidence pipeline configured",
		"endpoint", p.endpoint, "session_id", sc.SessionID, "jwt", info.JWT)
	return nil
}

// Session returns the configured session, with the candidate id resolved.
func (p *Pipeline) Session() exam.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// SetCounters installs the supplier of live counters.
func (p *Pipeline) SetCounters(fn func() Counters) {
	p.mu.Lock()
	p.counters = fn
	p.mu.Unlock()
}

// SetGazeSource installs the supplier of buffered gaze samples attached to
// periodic snapshots.
func (p *Pipeline) SetGazeSource(fn func() []gaze.Sample) {
	p.mu.Lock()
	p.gazeSamples = fn
	p.mu.Unlock()
}

// SendEvent stamps partial with the session correlation and routes it to
// the endpoint of its type. The upload runs in the background; failures
// are logged and the item discarded.
func (p *Pipeline) SendEvent(partial Payload, file []byte) error {
	if !partial.Type.Known() {
		p.logger.Warn("dropping evidence of unknown type", "type", string(partial.Type), "event", partial.Event)
		p.cfg.Metrics.EvidenceDropped(string(partial.Type))
		return fmt.Errorf("%w: %q", ErrUnknownType, partial.Type)
	}

	p.mu.Lock()
	if !p.configured {
		p.mu.Unlock()
		return ErrNotConfigured
	}
	endpoint, token, sc, counters := p.endpoint, p.token, p.session, p.counters
	p.mu.Unlock()

	env := Envelope{
		Meta: Meta{
			CorrelationID: sc.SessionID,
			ExamID:        sc.ExamID,
			StudentID:     sc.CandidateID,
			Timestamp:     p.cfg.Clock.Now().UTC().Format(TimestampLayout),
			Source:        p.cfg.Source,
		},
		Payload: partial,
	}
	env.Payload.EvidenceID = uuid.NewString()
	env.Payload.BrowserFocus = p.cfg.Focus == nil || p.cfg.Focus.HasFocus()
	if counters != nil {
		c := counters()
		env.Payload.KeyboardEvents = c.KeyboardEvents
		env.Payload.TabSwitches = c.TabSwitches
	}
	if file != nil {
		env.Payload.PayloadDigest = Digest(file)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("evidence: encode metadata: %w", err)
	}
	if p.cfg.ValidateMetadata {
		if err := ValidateMetadata(data); err != nil {
			p.logger.Error("dropping evidence that violates the metadata contract", "type", string(partial.Type), "error", err)
			p.cfg.Metrics.EvidenceDropped(string(partial.Type))
			return err
		}
	}

	u := &Upload{
		Type:     partial.Type,
		URL:      endpoint + p.cfg.Endpoints.Path(partial.Type),
		Token:    token,
		Metadata: data,
		Payload:  file,
	}
	u.Filename, u.MimeType = fileInfo(env.Payload, file)
	p.dispatch(u, sc.SessionID, env.Payload.EvidenceID)
	return nil
}

func fileInfo(pl Payload, file []byte) (string, string) {
	if file == nil {
		return "", ""
	}
	switch pl.Type {
	case TypeSnapshot:
		return "snapshot-" + pl.EvidenceID + ".jpg", "image/jpeg"
	case TypeAudioChunk:
		mime := pl.MimeType
		if mime == "" {
			mime = "audio/webm"
		}
		idx := 0
		if pl.SegmentIndex != nil {
			idx = *pl.SegmentIndex
		}
		return fmt.Sprintf("audio-%04d%s", idx, audioExtension(mime)), mime
	default:
		return "event-" + pl.EvidenceID + ".bin", "application/octet-stream"
	}
}

func audioExtension(mime string) string {
	switch {
	case strings.HasPrefix(mime, "audio/ogg"):
		return ".ogg"
	case strings.HasPrefix(mime, "audio/mp4"):
		return ".m4a"
	case strings.HasPrefix(mime, "audio/wav"):
		return ".wav"
	default:
		return ".webm"
	}
}

// dispatch uploads in the background. The request context is detached
// from the session so an in-flight upload outlives teardown.
func (p *Pipeline) dispatch(u *Upload, sessionID, evidenceID string) {
	if p.cfg.Transport == nil {
		p.logger.Warn("no transport configured, evidence discarded", "type", string(u.Type))
		p.cfg.Metrics.EvidenceFailed(string(u.Type))
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.UploadTimeout)
		defer cancel()

		start := time.Now()
		err := p.cfg.Transport.Upload(ctx, u)
		p.record(u.Type, sessionID, evidenceID, time.Since(start), err)
	}()
}

func (p *Pipeline) record(typ Type, sessionID, evidenceID string, took time.Duration, err error) {
	entry := &store.Entry{
		SessionID: sessionID,
		Category:  store.CategoryUpload,
		Kind:      string(typ),
		Detail:    evidenceID,
		OK:        err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
		p.cfg.Metrics.EvidenceFailed(string(typ))
		p.logger.Warn("evidence upload failed, item discarded", "type", string(typ), "evidence_id", evidenceID, "error", err)
	} else {
		p.cfg.Metrics.EvidenceSent(string(typ), took)
		p.logger.Debug("evidence uploaded", "type", string(typ), "evidence_id", evidenceID, "duration", took)
	}
	if p.cfg.Journal != nil {
		if _, jerr := p.cfg.Journal.Insert(entry); jerr != nil {
			p.logger.Warn("journal insert failed", "error", jerr)
		}
	}
}

// StartSession sends the "session started" event.
func (p *Pipeline) StartSession() error {
	return p.SendEvent(Payload{
		Type:    TypeBrowserEvent,
		Event:   "session_started",
		Message: "session started",
	}, nil)
}

// EndSession stops capture, flushes the last audio segment and sends the
// "session ended" event. Uploads already in flight keep running.
func (p *Pipeline) EndSession(reason string) {
	p.StopSnapshots()
	p.StopAudioRecording()
	if p.cfg.AudioSink != nil {
		if err := p.cfg.AudioSink.Close(); err != nil {
			p.logger.Warn("close audio stream", "error", err)
		}
	}
	if err := p.SendEvent(Payload{
		Type:    TypeBrowserEvent,
		Event:   "session_ended",
		Message: "session ended: " + reason,
		Reason:  reason,
	}, nil); err != nil {
		p.logger.Warn("session end event not sent", "error", err)
	}
}

// SendViolation reports a policy violation as a browser event.
func (p *Pipeline) SendViolation(v policy.Violation) error {
	return p.SendEvent(Payload{
		Type:          TypeBrowserEvent,
		Event:         "violation",
		ViolationType: string(v.Kind),
		Message:       v.Message,
	}, nil)
}

// SendSnapshot uploads a still image, tagged with reason.
func (p *Pipeline) SendSnapshot(photo []byte, reason string, samples []gaze.Sample) error {
	return p.SendEvent(Payload{
		Type:        TypeSnapshot,
		Reason:      reason,
		GazeSamples: samples,
	}, photo)
}

// Wait blocks until in-flight uploads finish or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
