// Package evidence stamps, routes and uploads proctoring evidence:
// periodic snapshots, bounded audio segments and browser events.
//
// Delivery is at most once. A failed upload is logged, counted and
// journaled, then the item is discarded.
package evidence

import (
	"proctord/internal/gaze"
)

// Type is an evidence kind accepted by the collector.
type Type string

const (
	TypeSnapshot     Type = "SNAPSHOT"
	TypeAudioChunk   Type = "AUDIO_CHUNK"
	TypeBrowserEvent Type = "BROWSER_EVENT"
)

// Known reports whether the collector accepts t.
func (t Type) Known() bool {
	switch t {
	case TypeSnapshot, TypeAudioChunk, TypeBrowserEvent:
		return true
	}
	return false
}

// Envelope is the JSON document sent in the multipart "metadata" field.
type Envelope struct {
	Meta    Meta    `json:"meta"`
	Payload Payload `json:"payload"`
}

// Meta correlates an item with its session.
type Meta struct {
	CorrelationID string `json:"correlation_id"`
	ExamID        string `json:"exam_id"`
	StudentID     string `json:"student_id"`
	Timestamp     string `json:"timestamp"`
	Source        string `json:"source"`
}

// Payload carries the item type, the live counters and per-type details.
// Callers of SendEvent fill Type and the detail fields; the pipeline fills
// the rest.
type Payload struct {
	Type           Type   `json:"type"`
	EvidenceID     string `json:"evidence_id"`
	BrowserFocus   bool   `json:"browser_focus"`
	KeyboardEvents uint64 `json:"keyboard_events"`
	TabSwitches    int    `json:"tab_switches"`

	Event         string        `json:"event,omitempty"`
	Message       string        `json:"message,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	ViolationType string        `json:"violation_type,omitempty"`
	SegmentIndex  *int          `json:"segment_index,omitempty"`
	MimeType      string        `json:"mime_type,omitempty"`
	PayloadDigest string        `json:"payload_digest,omitempty"`
	GazeSamples   []gaze.Sample `json:"gaze_samples,omitempty"`
}

// Counters are the live session counters stamped on every item.
type Counters struct {
	KeyboardEvents uint64
	TabSwitches    int
}

// Endpoints are the collector paths per evidence type.
type Endpoints struct {
	Snapshot string
	Audio    string
	Event    string
}

// DefaultEndpoints returns the collector's standard routes.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Snapshot: "/snapshots/upload",
		Audio:    "/audios",
		Event:    "/infracciones",
	}
}

// Path returns the route for t.
func (e Endpoints) Path(t Type) string {
	switch t {
	case TypeSnapshot:
		return e.Snapshot
	case TypeAudioChunk:
		return e.Audio
	default:
		return e.Event
	}
}
