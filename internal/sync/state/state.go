// Package state persists the incremental-run bookkeeping between syncs:
// when the last run happened, when the last full pass happened, and how
// many incremental runs have gone by since. The file is plain JSON and is
// replaced atomically on every save.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// CurrentVersion is the on-disk format version.
	CurrentVersion = "2.0"

	// DefaultStateFile is where the state lands when no path is configured.
	DefaultStateFile = "./data/sync-state.json"

	// DefaultFullSyncEvery forces a full pass after this many incremental
	// runs, so drift between the source library and the remote shelf gets
	// reconciled even when timestamps never change.
	DefaultFullSyncEvery = 10
)

// State tracks run timestamps across executions. All fields are unix
// seconds; zero means never.
type State struct {
	Version        string `json:"version"`
	LastSyncTS     int64  `json:"last_sync_ts"`
	LastFullSyncTS int64  `json:"last_full_sync_ts"`
	RunsSinceFull  int    `json:"runs_since_full"`

	mu sync.RWMutex
}

// New returns an empty state at the current version.
func New() *State {
	return &State{Version: CurrentVersion}
}

// Load reads the state file at path, creating a fresh one when it does not
// exist. Legacy formats are migrated in place on the next save.
func Load(path string) (*State, error) {
	if path == "" {
		path = DefaultStateFile
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %q: %w", filepath.Dir(path), err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			st := New()
			// Write immediately so a read-only data dir fails at startup
			// instead of at the end of the first run.
			if err := st.Save(path); err != nil {
				return nil, fmt.Errorf("failed to initialize state file at %q: %w", path, err)
			}
			return st, nil
		}
		return nil, fmt.Errorf("failed to read state file at %q: %w", path, err)
	}

	var version struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &version); err != nil {
		return nil, fmt.Errorf("invalid state file format: %w", err)
	}

	switch version.Version {
	case "", "1.0":
		var legacy legacyState
		if err := json.Unmarshal(data, &legacy); err != nil {
			return nil, fmt.Errorf("failed to parse legacy state: %w", err)
		}
		return legacy.upgrade(), nil
	case CurrentVersion:
		st := &State{}
		if err := json.Unmarshal(data, st); err != nil {
			return nil, fmt.Errorf("failed to parse state: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported state version: %s", version.Version)
	}
}

// Save writes the state to path via a temp file in the same directory and
// an atomic rename, so a crash mid-write never leaves a torn file behind.
func (s *State) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if path == "" {
		path = DefaultStateFile
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file in %q: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp state file to %q: %w", path, err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		return fmt.Errorf("failed to set permissions on state file: %w", err)
	}
	return nil
}

// LastSyncTime returns the wall-clock time of the last run, zero when the
// engine has never run.
func (s *State) LastSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.LastSyncTS == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastSyncTS, 0)
}

// LastFullSyncTime returns the wall-clock time of the last full pass.
func (s *State) LastFullSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.LastFullSyncTS == 0 {
		return time.Time{}
	}
	return time.Unix(s.LastFullSyncTS, 0)
}

// NeedsFullSync reports whether the next run should walk the whole library:
// either a full pass has never happened, or `every` incremental runs have
// accumulated since the last one. A non-positive every uses the default.
func (s *State) NeedsFullSync(every int) bool {
	if every <= 0 {
		every = DefaultFullSyncEvery
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastFullSyncTS == 0 || s.RunsSinceFull >= every
}

// MarkRun records a finished run. Full passes reset the incremental
// counter; incremental runs bump it.
func (s *State) MarkRun(full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	s.Version = CurrentVersion
	s.LastSyncTS = now
	if full {
		s.LastFullSyncTS = now
		s.RunsSinceFull = 0
	} else {
		s.RunsSinceFull++
	}
}

// legacyState is the pre-2.0 format: camelCase keys with millisecond
// timestamps. Kept for reading only.
type legacyState struct {
	LastSyncTimestamp int64  `json:"lastSyncTimestamp"`
	LastFullSync      int64  `json:"lastFullSync"`
	Version           string `json:"version"`
}

func (l legacyState) upgrade() *State {
	return &State{
		Version:        CurrentVersion,
		LastSyncTS:     l.LastSyncTimestamp / 1000,
		LastFullSyncTS: l.LastFullSync / 1000,
	}
}
