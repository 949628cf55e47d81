package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/config"
	"proctord/internal/headless"
	"proctord/internal/store"
)

// execute runs the command tree with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel = "", ""
	initForce = false
	runScript, runOffline, runWatch, runFormat, runTick = "", false, false, "text", headless.DefaultTick
	journalDB, journalSession, journalCounts = "", "", false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, dir string, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Session.SessionID = "sess-cli"
	cfg.Session.ExamID = "exam-cli"
	cfg.Session.CandidateID = "cand-cli"
	cfg.Collector.Endpoint = "https://collector.example.com/api"
	cfg.Logging.Output = "discard"
	cfg.Journal.Path = filepath.Join(dir, "journal.db")
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(dir, "proctord.toml")
	require.NoError(t, cfg.Save(path))
	return path
}

func TestInitWritesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "proctord.toml")

	out, err := execute(t, "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Collector.AudioPath, cfg.Collector.AudioPath)

	_, err = execute(t, "init", path)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "init", "--force", path)
	assert.NoError(t, err)
}

func TestCheckConfig(t *testing.T) {
	dir := t.TempDir()
	good := writeConfig(t, dir, nil)

	out, err := execute(t, "check-config", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK")
	assert.Contains(t, out, "sess-cli")

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("version = 1\n[gaze]\nsmoothing_window = 0\n[collector]\ntimeout_seconds = 0\n"), 0o600))
	out, err = execute(t, "check-config", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, out, "gaze.smoothing_window")
	assert.Contains(t, out, "collector.timeout_seconds")
}

func TestRunOfflineWritesReportAndJournal(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, func(c *config.Config) {
		c.Journal.Enabled = true
	})
	scriptPath := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(scriptPath, []byte(strings.Join([]string{
		`{"at":"1s","action":"consent"}`,
		`{"at":"3s","signal":"copy"}`,
	}, "\n")), 0o600))

	out, err := execute(t, "run", "--config", cfgPath, "--script", scriptPath, "--offline", "--format", "json")
	require.NoError(t, err)

	var rep headless.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.Cancelled)
	assert.Equal(t, "CLIPBOARD_ATTEMPT", rep.CancelledBy)
	assert.Equal(t, "TERMINATED", rep.Phase)

	s, err := store.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	defer s.Close()
	counts, err := s.CountByCategory("sess-cli")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.CategoryViolation])
	assert.Positive(t, counts[store.CategoryPhase])
	assert.Equal(t, 1, counts[store.CategoryPermission])

	out, err = execute(t, "journal", "--db", filepath.Join(dir, "journal.db"), "--session", "sess-cli")
	require.NoError(t, err)
	assert.Contains(t, out, "CLIPBOARD_ATTEMPT")
	assert.Contains(t, out, "CATEGORY")

	out, err = execute(t, "journal", "--db", filepath.Join(dir, "journal.db"), "--counts")
	require.NoError(t, err)
	assert.Contains(t, out, "violation")
}

func TestRunTextReport(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, nil)
	scriptPath := filepath.Join(dir, "session.jsonl")
	require.NoError(t, os.WriteFile(scriptPath, []byte(`{"at":"1s","action":"consent"}
{"at":"2s","action":"finish"}
`), 0o600))

	out, err := execute(t, "run", "--config", cfgPath, "--script", scriptPath, "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, "Session sess-cli: completed")
	assert.Contains(t, out, "no violations")
}

func TestRunRequiresScript(t *testing.T) {
	_, err := execute(t, "run")
	assert.Error(t, err)
}

func TestRunRejectsUnknownFormat(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, nil)
	_, err := execute(t, "run", "--config", cfgPath, "--script", "x.jsonl", "--format", "yaml")
	assert.ErrorContains(t, err, "unknown format")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	var info map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "proctord", info["name"])
}
