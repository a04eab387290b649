package store

import (
	"os"
	"testing"
)

type testSnapshot struct {
	Equity float64
	Count  int
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "store-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := Open(dir, 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	want := testSnapshot{Equity: 1000.5, Count: 3}
	if err := s.Save("portfolio", want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got testSnapshot
	ok, err := s.Load("portfolio", &got)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("Load returned ok=false for a saved snapshot")
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadMissingSnapshotReturnsNotOK(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	var got testSnapshot
	ok, err := s.Load("never-saved", &got)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a snapshot that was never saved")
	}
}

func TestSaveRotatesBackups(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.Save("portfolio", testSnapshot{Count: i}); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}

	if _, err := os.Stat(s.path("portfolio") + ".1"); err != nil {
		t.Errorf("expected a .1 backup to exist: %v", err)
	}
	if _, err := os.Stat(s.path("portfolio") + ".4"); !os.IsNotExist(err) {
		t.Error("expected backups beyond backupCount to be pruned")
	}

	var got testSnapshot
	ok, err := s.Load("portfolio", &got)
	if err != nil || !ok {
		t.Fatalf("Load after rotation: ok=%v err=%v", ok, err)
	}
	if got.Count != 4 {
		t.Errorf("Count = %d, want 4 (the latest save)", got.Count)
	}
}

func TestSaveOverwritesExistingSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if err := s.Save("portfolio", testSnapshot{Count: 1}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save("portfolio", testSnapshot{Count: 2}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got testSnapshot
	ok, err := s.Load("portfolio", &got)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if got.Count != 2 {
		t.Errorf("Count = %d, want 2", got.Count)
	}
}
