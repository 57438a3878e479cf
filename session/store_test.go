package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/use-agent/plexwatch/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "state.json"))
}

func TestRoundTrip(t *testing.T) {
	store := testStore(t)

	in := State{
		Cookies: []Cookie{
			{Name: "cf_clearance", Value: "abc123", Domain: ".plex.example.com", Path: "/", Expires: 1893456000},
			{Name: "sid", Value: "xyz", Domain: "plex.example.com", Path: "/web", Expires: -1},
		},
		LastOutcome: models.OutcomeSuccess,
	}
	if err := store.Save(in); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	out := store.Load()
	if len(out.Cookies) != 2 {
		t.Fatalf("len(Cookies) = %d, want 2", len(out.Cookies))
	}
	if out.Cookies[0] != in.Cookies[0] || out.Cookies[1] != in.Cookies[1] {
		t.Errorf("cookies changed across round-trip: got %+v", out.Cookies)
	}
	if out.LastOutcome != models.OutcomeSuccess {
		t.Errorf("LastOutcome = %q, want %q", out.LastOutcome, models.OutcomeSuccess)
	}
	if out.SavedAt.IsZero() {
		t.Error("SavedAt should be stamped on save")
	}
}

func TestLoadMissingFile(t *testing.T) {
	store := testStore(t)

	state := store.Load()
	if !state.Empty() {
		t.Errorf("missing file should load as empty state, got %+v", state)
	}
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte(`{"cookies": [{"name": "trunc`), 0o644); err != nil {
		t.Fatal(err)
	}

	state := NewStore(path).Load()
	if !state.Empty() {
		t.Errorf("corrupt file should load as empty state, got %+v", state)
	}
}

func TestSaveReplacesAtomically(t *testing.T) {
	store := testStore(t)

	old := State{Cookies: []Cookie{{Name: "a", Value: "1", Domain: "d", Path: "/"}}}
	if err := store.Save(old); err != nil {
		t.Fatal(err)
	}

	// A crashed writer leaves only a temp file behind; the state file
	// itself must still hold the previous contents.
	dir := filepath.Dir(store.path)
	if err := os.WriteFile(filepath.Join(dir, "state.json.tmp-crashed"), []byte(`{"cook`), 0o644); err != nil {
		t.Fatal(err)
	}

	state := store.Load()
	if len(state.Cookies) != 1 || state.Cookies[0].Name != "a" {
		t.Errorf("stale temp file corrupted visible state: %+v", state)
	}

	// A completed save fully replaces the old contents.
	next := State{Cookies: []Cookie{{Name: "b", Value: "2", Domain: "d", Path: "/"}}}
	if err := store.Save(next); err != nil {
		t.Fatal(err)
	}
	state = store.Load()
	if len(state.Cookies) != 1 || state.Cookies[0].Name != "b" {
		t.Errorf("Load() after second Save() = %+v, want cookie b", state)
	}
}

func TestSaveIntoMissingDirReportsError(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "no-such-dir", "state.json"))
	if err := store.Save(State{}); err == nil {
		t.Error("Save() into a missing directory should report an error")
	}
}
