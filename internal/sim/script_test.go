package sim

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/capability"
)

func TestParseScript(t *testing.T) {
	src := `
# onboarding
{"at":"2s","action":"consent","value":false}
{"at":"1s","action":"consent"}
{"at":40,"signal":"visibility_hidden"}
{"at":"41s","key":{"key":"I","ctrl":true,"shift":true}}
{"at":"1m","gaze":{"x":1270,"y":360}}
{"at":"1m","action":"finish","status":"completed"}
`
	sc, err := ParseScript(strings.NewReader(src))
	require.NoError(t, err)
	require.Len(t, sc.Steps, 6)

	assert.Equal(t, Offset(time.Second), sc.Steps[0].At)
	assert.True(t, sc.Steps[0].Bool())
	assert.Equal(t, 4, sc.Steps[0].Line())
	assert.False(t, sc.Steps[1].Bool())

	assert.Equal(t, capability.SignalVisibilityHidden, sc.Steps[2].Signal)
	assert.Equal(t, Offset(40*time.Second), sc.Steps[2].At)
	require.NotNil(t, sc.Steps[3].Key)
	assert.True(t, sc.Steps[3].Key.Ctrl)

	assert.Equal(t, &Point{X: 1270, Y: 360}, sc.Steps[4].Gaze, "file order kept for equal offsets")
	assert.Equal(t, "completed", sc.Steps[5].Status)
	assert.Equal(t, time.Minute, sc.Duration())
}

func TestParseScriptErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"bad json", `{"at":`, "line 1"},
		{"unknown field", `{"at":"1s","signal":"copy","extra":1}`, "unknown field"},
		{"empty step", `{"at":"1s"}`, "no signal"},
		{"two things", `{"at":"1s","signal":"copy","action":"finish"}`, "exactly one"},
		{"unknown action", `{"at":"1s","action":"dance"}`, "unknown action"},
		{"bad offset", `{"at":"soon","signal":"copy"}`, "offset"},
		{"negative offset", `{"at":"-1s","signal":"copy"}`, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScript(strings.NewReader(tt.line))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEmptyScript(t *testing.T) {
	sc, err := ParseScript(strings.NewReader("\n# nothing\n"))
	require.NoError(t, err)
	assert.Empty(t, sc.Steps)
	assert.Zero(t, sc.Duration())
}

func TestBusDeliversAndCancels(t *testing.T) {
	b := NewBus()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.SetNow(func() time.Time { return at })

	var got []*capability.Signal
	cancel := b.Subscribe(capability.SignalCopy, func(s *capability.Signal) {
		s.Prevent()
		got = append(got, s)
	})
	assert.Equal(t, 1, b.Listeners(capability.SignalCopy))

	s := b.Emit(capability.SignalCopy)
	assert.True(t, s.Prevented())
	require.Len(t, got, 1)
	assert.Equal(t, at, got[0].At)

	cancel()
	cancel()
	b.Emit(capability.SignalCopy)
	assert.Len(t, got, 1)
	assert.Zero(t, b.TotalListeners())
}

func TestRecorderSegmentsAreIndependent(t *testing.T) {
	r := &Recorders{}
	rec, err := r.NewRecorder(NewStream("s", false, true), capability.RecorderOptions{MimeType: "audio/webm"})
	require.NoError(t, err)

	require.NoError(t, rec.Start())
	first, err := rec.Stop()
	require.NoError(t, err)
	require.NoError(t, rec.Start())
	second, err := rec.Stop()
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "audio/webm", rec.MimeType())
}
