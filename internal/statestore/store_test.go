package statestore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"MinionArmy/internal/models"
	"MinionArmy/pkg/logger"
)

func newTestStore(t *testing.T, backupCount int) *Store {
	t.Helper()
	return New(t.TempDir(), "minion-test", backupCount, logger.New("test", "minion-test", ""))
}

func sampleState(task string) *models.MinionState {
	return &models.MinionState{
		IsPaused:               true,
		CurrentTaskDescription: task,
		ConversationHistory: []models.ChatMessage{
			{Role: "user", Content: "hello"},
		},
		InternalVariables: map[string]any{"key": "value"},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := newTestStore(t, 5)

	if ok := s.Save(sampleState("current work")); !ok {
		t.Fatal("Save() failed")
	}
	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded == nil {
		t.Fatal("Load() returned nil state")
	}
	if !loaded.IsPaused {
		t.Error("loaded state lost IsPaused")
	}
	if loaded.CurrentTaskDescription != "current work" {
		t.Errorf("CurrentTaskDescription = %q, want %q", loaded.CurrentTaskDescription, "current work")
	}
	if loaded.SchemaVersion != models.StateSchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", loaded.SchemaVersion, models.StateSchemaVersion)
	}
	if len(loaded.ConversationHistory) != 1 || loaded.ConversationHistory[0].Content != "hello" {
		t.Error("conversation history did not survive the roundtrip")
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := newTestStore(t, 5)
	state, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if state != nil {
		t.Fatal("Load() returned a state for a minion that never saved")
	}
}

func TestBackupFallbackOnCorruptPrimary(t *testing.T) {
	s := newTestStore(t, 5)

	s.Save(sampleState("first"))
	s.Save(sampleState("second")) // first becomes a backup

	if err := os.WriteFile(s.statePath(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want backup fallback", err)
	}
	if loaded == nil {
		t.Fatal("Load() returned nil despite a valid backup")
	}
	if loaded.CurrentTaskDescription != "first" {
		t.Errorf("recovered %q, want the most recent valid backup %q", loaded.CurrentTaskDescription, "first")
	}
}

func TestAllCorruptReturnsErrStateCorrupt(t *testing.T) {
	s := newTestStore(t, 5)
	s.Save(sampleState("only"))

	if err := os.WriteFile(s.statePath(), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	// No backups exist yet (first save has nothing to back up), so the
	// corrupt primary is unrecoverable.
	_, err := s.Load()
	if !errors.Is(err, models.ErrStateCorrupt) {
		t.Fatalf("Load() error = %v, want ErrStateCorrupt", err)
	}
}

func TestBackupRetention(t *testing.T) {
	s := newTestStore(t, 3)
	for i := 0; i < 8; i++ {
		s.Save(sampleState("round"))
	}

	entries, err := os.ReadDir(s.backupDir())
	if err != nil {
		t.Fatalf("reading backup dir: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("backup dir holds %d files, want 3", len(entries))
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	s := newTestStore(t, 5)

	// A leftover temp file from an interrupted earlier save must not
	// disturb anything.
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.statePath()+".tmp", []byte("trunca"), 0o644); err != nil {
		t.Fatal(err)
	}

	if ok := s.Save(sampleState("fresh")); !ok {
		t.Fatal("Save() failed")
	}
	if _, err := os.Stat(s.statePath() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after Save()")
	}
	loaded, err := s.Load()
	if err != nil || loaded == nil || loaded.CurrentTaskDescription != "fresh" {
		t.Errorf("Load() = (%v, %v), want the freshly saved state", loaded, err)
	}
}

func TestClearRemovesStateFile(t *testing.T) {
	s := newTestStore(t, 5)
	s.Save(sampleState("work"))
	s.Clear()

	if _, err := os.Stat(filepath.Join(s.dir, "minion-test.json")); !os.IsNotExist(err) {
		t.Error("state file still exists after Clear()")
	}
	state, err := s.Load()
	if err != nil || state != nil {
		t.Errorf("Load() after Clear() = (%v, %v), want (nil, nil)", state, err)
	}
}
