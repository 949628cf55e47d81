package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "journal.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
}

func TestInsertAndList(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	entries := []*Entry{
		{SessionID: "s1", Category: CategoryPhase, Kind: "MONITORING", OK: true, TimestampNs: 1},
		{SessionID: "s1", Category: CategoryViolation, Kind: "TAB_SWITCH", Detail: "1/3", OK: true, TimestampNs: 2},
		{SessionID: "s2", Category: CategoryUpload, Kind: "SNAPSHOT", OK: false, Error: "status 500", TimestampNs: 3},
	}
	for _, e := range entries {
		id, err := s.Insert(e)
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if id != e.ID || id == 0 {
			t.Errorf("expected assigned id, got %d (entry %d)", id, e.ID)
		}
	}

	got, err := s.List("s1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for s1, got %d", len(got))
	}
	if got[1].Kind != "TAB_SWITCH" || got[1].Detail != "1/3" || got[1].Category != CategoryViolation {
		t.Errorf("unexpected entry: %+v", got[1])
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[2].OK || all[2].Error != "status 500" {
		t.Errorf("failed upload not preserved: %+v", all[2])
	}
}

func TestInsertStampsTime(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	e := &Entry{SessionID: "s", Category: CategoryPermission, Kind: "granted", OK: true}
	if _, err := s.Insert(e); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if e.TimestampNs == 0 || e.Time().IsZero() {
		t.Error("expected timestamp to be set")
	}
}

func TestCountByCategory(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for i := 0; i < 3; i++ {
		if _, err := s.Insert(&Entry{SessionID: "s", Category: CategoryUpload, Kind: "AUDIO_CHUNK", OK: true}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if _, err := s.Insert(&Entry{SessionID: "s", Category: CategoryViolation, Kind: "RELOAD_ATTEMPT", OK: true}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	counts, err := s.CountByCategory("s")
	if err != nil {
		t.Fatalf("CountByCategory failed: %v", err)
	}
	if counts[CategoryUpload] != 3 || counts[CategoryViolation] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}

func TestCountByCategoryAcrossSessions(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	for _, id := range []string{"a", "b", "b"} {
		if _, err := s.Insert(&Entry{SessionID: id, Category: CategoryPhase, Kind: "MONITORING", OK: true}); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	all, err := s.CountByCategory("")
	if err != nil {
		t.Fatalf("CountByCategory failed: %v", err)
	}
	entries, err := s.List("")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if all[CategoryPhase] != 3 || len(entries) != 3 {
		t.Errorf("empty session id: counts %v, %d entries", all, len(entries))
	}

	one, err := s.CountByCategory("a")
	if err != nil {
		t.Fatalf("CountByCategory failed: %v", err)
	}
	if one[CategoryPhase] != 1 {
		t.Errorf("session a: unexpected counts %v", one)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s.Close()

	if _, err := s.Insert(&Entry{SessionID: "s"}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := s.List(""); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
