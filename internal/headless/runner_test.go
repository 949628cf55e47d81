package headless

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/config"
	"proctord/internal/session"
	"proctord/internal/sim"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Session.SessionID = "sess-h"
	cfg.Session.ExamID = "exam-h"
	cfg.Session.CandidateID = "cand-h"
	cfg.Collector.Endpoint = "https://collector.example.com/api"
	cfg.Metrics.Enabled = false
	return cfg
}

func script(t *testing.T, lines ...string) *sim.Script {
	t.Helper()
	sc, err := sim.ParseScript(strings.NewReader(strings.Join(lines, "\n")))
	require.NoError(t, err)
	return sc
}

func run(t *testing.T, cfg *config.Config, sc *sim.Script) *Report {
	t.Helper()
	r, err := New(Options{
		Config: cfg,
		Script: sc,
		Start:  time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rep, err := r.Run(ctx)
	require.NoError(t, err)
	return rep
}

func TestRunSubmittedSession(t *testing.T) {
	rep := run(t, testConfig(), script(t,
		`{"at":"1s","action":"consent"}`,
		`{"at":"65s","action":"finish"}`,
	))

	assert.Equal(t, "TERMINATED", rep.Phase)
	assert.True(t, rep.Finished)
	assert.False(t, rep.Cancelled)
	assert.Equal(t, 2, rep.StepsApplied)
	assert.Equal(t, "sess-h", rep.SessionID)
	assert.InDelta(t, 65, rep.ElapsedSeconds, 0.001)
	assert.GreaterOrEqual(t, rep.Uploads["BROWSER_EVENT"], 2, "session started and ended")
	assert.GreaterOrEqual(t, rep.Uploads["AUDIO_CHUNK"], 1)
	assert.Empty(t, rep.Errors)
	assert.NotEmpty(t, rep.Metrics)
}

func TestRunAudioSegmentsAreNeverSkipped(t *testing.T) {
	prev := runtime.GOMAXPROCS(4)
	t.Cleanup(func() { runtime.GOMAXPROCS(prev) })

	// 25s of monitoring at 10s segments: two rotations and the final part.
	for i := 0; i < 20; i++ {
		t.Run(fmt.Sprintf("run=%d", i), func(t *testing.T) {
			rep := run(t, testConfig(), script(t,
				`{"at":"1s","action":"consent"}`,
				`{"at":"26s","action":"finish"}`,
			))
			assert.True(t, rep.Finished)
			assert.Equal(t, 3, rep.Uploads["AUDIO_CHUNK"])
		})
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	rep := run(t, testConfig(), script(t,
		`{"at":"1s","action":"consent"}`,
		`{"at":"5s","signal":"visibility_hidden"}`,
		`{"at":"10s","action":"finish"}`,
	))

	assert.True(t, rep.Cancelled)
	assert.Equal(t, "TAB_SWITCH", rep.CancelledBy)
	assert.False(t, rep.Finished)
	assert.Equal(t, 2, rep.StepsApplied)
	assert.Equal(t, 1, rep.Violations["TAB_SWITCH"])
	assert.Equal(t, "TERMINATED", rep.Phase)
}

func TestRunFullscreenExitsOnlyWarn(t *testing.T) {
	rep := run(t, testConfig(), script(t,
		`{"at":"1s","action":"consent"}`,
		`{"at":"3s","action":"exit_fullscreen"}`,
		`{"at":"4s","action":"exit_fullscreen"}`,
		`{"at":"5s","action":"return_fullscreen"}`,
		`{"at":"6s","action":"finish"}`,
	))

	assert.False(t, rep.Cancelled)
	assert.True(t, rep.Finished)
	assert.Equal(t, 2, rep.Violations["FULLSCREEN_EXIT"])
	assert.Equal(t, 2, rep.Warnings)
}

func TestRunSustainedGazeDeviation(t *testing.T) {
	cfg := testConfig()
	cfg.Gaze.Enabled = true
	rep := run(t, cfg, script(t,
		`{"at":"1s","action":"consent"}`,
		`{"at":"2s","action":"calibration_click"}`,
		`{"at":"3s","action":"complete_calibration"}`,
		`{"at":"4s","gaze":{"x":1270,"y":360}}`,
		`{"at":"25s","action":"finish"}`,
	))

	assert.False(t, rep.Cancelled, "gaze deviation never cancels")
	assert.True(t, rep.Finished)
	assert.Equal(t, 1, rep.Violations["GAZE_DEVIATION"])
	assert.Empty(t, rep.Errors)
}

func TestRunRecordsStepErrors(t *testing.T) {
	rep := run(t, testConfig(), script(t,
		`{"at":"1s","action":"environment"}`,
		`{"at":"2s","action":"consent"}`,
		`{"at":"3s","action":"teardown"}`,
	))

	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "line 1")
	assert.Equal(t, "TERMINATED", rep.Phase)
}

func TestRunRejectsIncompleteSession(t *testing.T) {
	cfg := testConfig()
	cfg.Session.ExamID = ""
	r, err := New(Options{Config: cfg})
	require.NoError(t, err)

	_, err = r.Run(context.Background())
	var cerr *session.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "session.exam_id", cerr.Field)
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSessionConfigMapping(t *testing.T) {
	cfg := testConfig()
	cfg.Gaze.DeviationToleranceSeconds = 2.5
	sc := SessionConfig(cfg)

	assert.Equal(t, "exam-h", sc.Context.ExamID)
	assert.Equal(t, cfg.Policies, sc.Policies)
	assert.Equal(t, 30*time.Second, sc.SnapshotInterval)
	assert.Equal(t, 10*time.Second, sc.Audio.ChunkInterval)
	assert.Equal(t, 2500*time.Millisecond, sc.Gaze.DeviationTolerance)
	assert.Equal(t, 100*time.Millisecond, sc.Gaze.PollInterval)
	assert.Equal(t, "/infracciones", sc.Endpoints.Event)
	assert.Equal(t, 3.0, sc.InactivityMinutes)
	assert.True(t, sc.ValidateMetadata)
}
