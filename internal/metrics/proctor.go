package metrics

import (
	"time"
)

// ProctorMetrics holds the proctoring metrics of one process.
type ProctorMetrics struct {
	registry *Registry

	Cancellations      *Counter
	AudioSegments      *Counter
	Snapshots          *Counter
	GazeDeviations     *Counter
	InactivityTimeouts *Counter
	Phase              *Gauge
	Online             *Gauge
	UploadDuration     *Histogram
}

// NewProctorMetrics registers the proctoring metrics on registry, or on a
// fresh registry when nil.
func NewProctorMetrics(registry *Registry) *ProctorMetrics {
	if registry == nil {
		registry = NewRegistry("proctord")
	}
	return &ProctorMetrics{
		registry:           registry,
		Cancellations:      registry.Counter("cancellations_total", "Sessions cancelled by policy", nil),
		AudioSegments:      registry.Counter("audio_segments_total", "Audio segments captured", nil),
		Snapshots:          registry.Counter("snapshots_total", "Periodic snapshots captured", nil),
		GazeDeviations:     registry.Counter("gaze_deviations_total", "Sustained gaze deviations", nil),
		InactivityTimeouts: registry.Counter("inactivity_timeouts_total", "Inactivity timeouts fired", nil),
		Phase:              registry.Gauge("session_phase", "Current session phase ordinal", nil),
		Online:             registry.Gauge("network_online", "1 when the client reports connectivity", nil),
		UploadDuration:     registry.Histogram("upload_duration_seconds", "Evidence upload latency", nil, DurationBuckets),
	}
}

// Registry returns the underlying registry.
func (m *ProctorMetrics) Registry() *Registry { return m.registry }

// Violation counts a violation of the given kind.
func (m *ProctorMetrics) Violation(kind string) {
	m.registry.Counter("violations_total", "Policy violations detected", Labels{"kind": kind}).Inc()
}

// EvidenceSent counts a delivered evidence item.
func (m *ProctorMetrics) EvidenceSent(typ string, d time.Duration) {
	m.registry.Counter("evidence_sent_total", "Evidence items delivered", Labels{"type": typ}).Inc()
	m.UploadDuration.ObserveDuration(d)
}

// EvidenceFailed counts an upload that failed and was discarded.
func (m *ProctorMetrics) EvidenceFailed(typ string) {
	m.registry.Counter("evidence_failed_total", "Evidence uploads that failed and were discarded", Labels{"type": typ}).Inc()
}

// EvidenceDropped counts an item rejected before upload.
func (m *ProctorMetrics) EvidenceDropped(typ string) {
	m.registry.Counter("evidence_dropped_total", "Evidence items dropped before upload", Labels{"type": typ}).Inc()
}

// Count returns the value of a labeled counter, mostly for tests.
func (m *ProctorMetrics) Count(name string, labels Labels) uint64 {
	return m.registry.Counter(name, "", labels).Value()
}
