// Package statestore persists a minion's operational snapshot to disk with
// backup rotation, so a pause/crash degrades to "most recent backup" rather
// than total state loss.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"
)

const backupTimeFormat = "20060102T150405.000000000"

// Store writes and reads one minion's state file under dir. Backups live in
// dir/backups/<minionID>/ named by timestamp; only the newest backupCount
// are retained.
type Store struct {
	dir         string
	minionID    string
	backupCount int
	log         *logger.Logger
}

// New creates a Store for the given minion. The directories are created on
// first save.
func New(dir, minionID string, backupCount int, log *logger.Logger) *Store {
	if backupCount <= 0 {
		backupCount = 5
	}
	return &Store{dir: dir, minionID: minionID, backupCount: backupCount, log: log}
}

func (s *Store) statePath() string {
	return filepath.Join(s.dir, s.minionID+".json")
}

func (s *Store) backupDir() string {
	return filepath.Join(s.dir, "backups", s.minionID)
}

// Save persists the snapshot. The existing state file, if any, is copied to
// a timestamped backup first. Failures are logged and reported as false;
// Save never panics and never returns an error to interrupt pausing.
func (s *Store) Save(state *models.MinionState) bool {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.log.WithError(models.ErrInfo(err)).Error("failed to create state directory")
		return false
	}

	if prev, err := os.ReadFile(s.statePath()); err == nil {
		if err := s.writeBackup(prev); err != nil {
			s.log.WithError(models.ErrInfo(err)).Warn("failed to write state backup")
		}
	}

	state.SchemaVersion = models.StateSchemaVersion
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		s.log.WithError(models.ErrInfo(err)).Error("failed to marshal state")
		return false
	}
	// Write to a temp file and rename into place, so a crash mid-write
	// cannot leave a truncated primary.
	tmp := s.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.WithError(models.ErrInfo(err)).Error("failed to write state file")
		return false
	}
	if err := os.Rename(tmp, s.statePath()); err != nil {
		os.Remove(tmp)
		s.log.WithError(models.ErrInfo(err)).Error("failed to replace state file")
		return false
	}

	s.pruneBackups()
	return true
}

func (s *Store) writeBackup(data []byte) error {
	if err := os.MkdirAll(s.backupDir(), 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("%s.json", time.Now().UTC().Format(backupTimeFormat))
	return os.WriteFile(filepath.Join(s.backupDir(), name), data, 0o644)
}

// Load reads the current state file. On decode failure it falls back to the
// most recent valid backup. Returns (nil, nil) when no state exists at all,
// and models.ErrStateCorrupt only when a state file exists but neither it
// nor any backup is readable.
func (s *Store) Load() (*models.MinionState, error) {
	data, err := os.ReadFile(s.statePath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err == nil {
		var state models.MinionState
		if jsonErr := json.Unmarshal(data, &state); jsonErr == nil {
			return &state, nil
		} else {
			s.log.WithError(models.ErrInfo(jsonErr)).Warn("state file corrupt, trying backups")
		}
	} else {
		s.log.WithError(models.ErrInfo(err)).Warn("state file unreadable, trying backups")
	}

	if state := s.loadNewestBackup(); state != nil {
		return state, nil
	}
	return nil, models.ErrStateCorrupt
}

// loadNewestBackup walks backups newest-first and returns the first one that
// decodes cleanly.
func (s *Store) loadNewestBackup() *models.MinionState {
	names := s.backupNames()
	for i := len(names) - 1; i >= 0; i-- {
		data, err := os.ReadFile(filepath.Join(s.backupDir(), names[i]))
		if err != nil {
			continue
		}
		var state models.MinionState
		if err := json.Unmarshal(data, &state); err != nil {
			s.log.WithPayload(map[string]interface{}{"backup": names[i]}).Warn("backup corrupt, skipping")
			continue
		}
		s.log.WithPayload(map[string]interface{}{"backup": names[i]}).Info("recovered state from backup")
		return &state
	}
	return nil
}

// backupNames returns backup file names sorted ascending by their embedded
// timestamp (the format is lexicographically ordered).
func (s *Store) backupNames() []string {
	entries, err := os.ReadDir(s.backupDir())
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// pruneBackups deletes all but the newest backupCount backups.
func (s *Store) pruneBackups() {
	names := s.backupNames()
	if len(names) <= s.backupCount {
		return
	}
	for _, name := range names[:len(names)-s.backupCount] {
		if err := os.Remove(filepath.Join(s.backupDir(), name)); err != nil {
			s.log.WithError(models.ErrInfo(err)).Warn("failed to prune old backup")
		}
	}
}

// Clear removes the state file after a successful resume. Backups are kept.
func (s *Store) Clear() {
	if err := os.Remove(s.statePath()); err != nil && !os.IsNotExist(err) {
		s.log.WithError(models.ErrInfo(err)).Warn("failed to clear state file")
	}
}
