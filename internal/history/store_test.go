package history

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trainjobs/internal/apperrors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestAppendAndLoad(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	entries := []Entry{
		{Event: EventQueued},
		{Event: EventRunning},
		{Event: EventStepStarted, Details: map[string]any{"step": "validate", "attempt": 1}},
		{Event: EventFinished, Details: map[string]any{"artifactPath": "/tmp/model.json"}},
	}
	for _, e := range entries {
		if err := store.Append("proj-1", "job-a", e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	loaded, err := store.Load("proj-1", "job-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(loaded))
	}
	for i, e := range loaded {
		if e.Event != entries[i].Event {
			t.Errorf("entry %d: event %q, want %q", i, e.Event, entries[i].Event)
		}
		if e.Timestamp == 0 {
			t.Errorf("entry %d: timestamp not filled", i)
		}
	}
	if got := loaded[2].Details["step"]; got != "validate" {
		t.Errorf("details step = %v, want validate", got)
	}
}

func TestLoadMissingJob(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Load("proj-1", "job-missing")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadToleratesCorruptTail(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Append("proj-1", "job-a", Entry{Event: EventQueued}); err != nil {
		t.Fatal(err)
	}
	if err := store.Append("proj-1", "job-a", Entry{Event: EventRunning}); err != nil {
		t.Fatal(err)
	}

	// Simulate a torn write: a partial JSON line at the end of the file.
	f, err := os.OpenFile(filepath.Join(dir, "proj-1", "job-a.log"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"event":"finish`); err != nil {
		t.Fatal(err)
	}
	f.Close()

	loaded, err := store.Load("proj-1", "job-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 parseable entries, got %d", len(loaded))
	}
	if loaded[0].Event != EventQueued || loaded[1].Event != EventRunning {
		t.Errorf("unexpected entries: %+v", loaded)
	}
}

func TestLoadLatest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Append("proj-1", "job-old", Entry{Event: EventFailed}); err != nil {
		t.Fatal(err)
	}
	// Directory mtime resolution can be coarse; set mtimes explicitly.
	if err := store.Append("proj-1", "job-new", Entry{Event: EventQueued}); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "proj-1", "job-old.log"), old, old); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.LoadLatest("proj-1")
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Event != EventQueued {
		t.Errorf("expected newest attempt's entries, got %+v", loaded)
	}
}

func TestLoadLatestMissingKey(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.LoadLatest("never-submitted")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := store.Append("proj-1", id, Entry{Event: EventFailed}); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-48 * time.Hour)
	for _, id := range []string{"job-1", "job-2"} {
		if err := os.Chtimes(filepath.Join(dir, "proj-1", id+".log"), old, old); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Prune("proj-1", 24*time.Hour); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	remaining, err := os.ReadDir(filepath.Join(dir, "proj-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 || remaining[0].Name() != "job-3.log" {
		t.Errorf("expected only job-3.log to remain, got %v", remaining)
	}
}

func TestPruneMissingKeyIsNoop(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	if err := store.Prune("never-submitted", time.Hour); err != nil {
		t.Errorf("Prune on missing key: %v", err)
	}
}
