package evidence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/gaze"
)

func validEnvelope() Envelope {
	idx := 3
	return Envelope{
		Meta: Meta{
			CorrelationID: "sess-1",
			ExamID:        "exam-9",
			StudentID:     "cand-3",
			Timestamp:     "2024-05-01T09:00:00.000Z",
			Source:        DefaultSource,
		},
		Payload: Payload{
			Type:          TypeAudioChunk,
			EvidenceID:    "e-1",
			BrowserFocus:  true,
			SegmentIndex:  &idx,
			PayloadDigest: Digest([]byte("x")),
			GazeSamples:   []gaze.Sample{{X: 0.5, Y: -0.5, TimestampMs: 10}},
		},
	}
}

func TestValidateMetadata(t *testing.T) {
	data, err := json.Marshal(validEnvelope())
	require.NoError(t, err)
	require.NoError(t, ValidateMetadata(data))

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"unknown type", func(e *Envelope) { e.Payload.Type = "VIDEO" }},
		{"missing student", func(e *Envelope) { e.Meta.StudentID = "" }},
		{"bad timestamp", func(e *Envelope) { e.Meta.Timestamp = "yesterday" }},
		{"bad digest", func(e *Envelope) { e.Payload.PayloadDigest = "md5:abc" }},
		{"gaze out of range", func(e *Envelope) { e.Payload.GazeSamples[0].X = 1.5 }},
		{"negative tab switches", func(e *Envelope) { e.Payload.TabSwitches = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope()
			tt.mutate(&env)
			data, err := json.Marshal(env)
			require.NoError(t, err)
			assert.Error(t, ValidateMetadata(data))
		})
	}

	assert.Error(t, ValidateMetadata([]byte("{")))
}

func TestDigest(t *testing.T) {
	a := Digest([]byte("segment"))
	assert.Len(t, a, len("blake2b-256:")+64)
	assert.Equal(t, a, Digest([]byte("segment")))
	assert.NotEqual(t, a, Digest([]byte("segment2")))
}
