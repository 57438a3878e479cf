// Package session persists challenge-bypass cookies and the last run
// outcome between scheduler invocations. Persistence is best-effort:
// losing the file only costs a future re-challenge, never correctness.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/use-agent/plexwatch/models"
)

// Cookie is one persisted cookie record.
type Cookie struct {
	Name    string  `json:"name"`
	Value   string  `json:"value"`
	Domain  string  `json:"domain"`
	Path    string  `json:"path"`
	Expires float64 `json:"expiry"` // unix seconds; -1 for session cookies
}

// State is everything carried across runs: the cookie jar and the
// outcome of the previous run (used for change-only alerting).
type State struct {
	Cookies     []Cookie       `json:"cookies"`
	LastOutcome models.Outcome `json:"last_outcome,omitempty"`
	SavedAt     time.Time      `json:"saved_at"`
}

// Empty reports whether the state carries no cookies.
func (s State) Empty() bool {
	return len(s.Cookies) == 0
}

// Store reads and writes the state file. Runs are serialized by the
// external scheduler, so there is a single writer; atomic replace keeps
// a crashed prior run from ever exposing a half-written file.
type Store struct {
	path string
}

// NewStore creates a store for the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted state, or an empty state when the file is
// missing or unparsable. A corrupt file is logged and treated as absent.
func (s *Store) Load() State {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("session state unreadable, starting fresh",
				"path", s.path, "error", err)
		}
		return State{}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("session state corrupt, starting fresh",
			"path", s.path, "error", err)
		return State{}
	}
	return state
}

// Save writes the state atomically: a temp file in the same directory is
// written and fsynced, then renamed over the target. A reader always
// sees either the old state or the new one, never a truncated file.
func (s *Store) Save(state State) error {
	state.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("session: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("session: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("session: replace state file: %w", err)
	}
	return nil
}
