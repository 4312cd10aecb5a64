package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/membank/membank/internal/model"
)

// HookMapping records how one agent session maps onto a store session.
type HookMapping struct {
	SessionID      string  `json:"session_id"`
	TranscriptPath string  `json:"transcript_path"`
	TranscriptSize int64   `json:"transcript_size"`
	LastProcessed  float64 `json:"last_processed"`
}

// HooksState is the hooks_state.json document: agent session id → store
// session mapping.
type HooksState struct {
	Sessions map[string]HookMapping `json:"sessions"`
}

// LoadHooksState reads hooks_state.json, returning an empty state when
// missing.
func (s *Store) LoadHooksState() (HooksState, error) {
	state := HooksState{Sessions: map[string]HookMapping{}}
	data, err := os.ReadFile(filepath.Join(s.root, "hooks_state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, fmt.Errorf("read hooks state: %w", err)
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("%w: hooks_state.json: %v", ErrCorrupt, err)
	}
	if state.Sessions == nil {
		state.Sessions = map[string]HookMapping{}
	}
	return state, nil
}

// SaveHooksState writes hooks_state.json atomically.
func (s *Store) SaveHooksState(state HooksState) error {
	return writeJSONFile(filepath.Join(s.root, "hooks_state.json"), state)
}

// ArtifactKey dedups imported artifacts by
// (source_type, agent_session_id, artifact_id).
type ArtifactKey struct {
	SourceType     model.SourceType `json:"source_type"`
	AgentSessionID string           `json:"agent_session_id"`
	ArtifactID     string           `json:"artifact_id"`
}

// ImportState is the import_state.json document: transcript UUIDs and
// artifact keys already imported.
type ImportState struct {
	ImportedUUIDs map[string]string `json:"imported_uuids"` // agent uuid → session id
	Artifacts     []ArtifactKey     `json:"artifacts"`
}

// HasArtifact reports whether key was already imported.
func (st *ImportState) HasArtifact(key ArtifactKey) bool {
	for _, k := range st.Artifacts {
		if k == key {
			return true
		}
	}
	return false
}

// LoadImportState reads import_state.json, returning an empty state when
// missing or unreadable.
func (s *Store) LoadImportState() ImportState {
	state := ImportState{ImportedUUIDs: map[string]string{}}
	data, err := os.ReadFile(filepath.Join(s.root, "import_state.json"))
	if err != nil {
		return state
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return ImportState{ImportedUUIDs: map[string]string{}}
	}
	if state.ImportedUUIDs == nil {
		state.ImportedUUIDs = map[string]string{}
	}
	return state
}

// SaveImportState writes import_state.json atomically.
func (s *Store) SaveImportState(state ImportState) error {
	return writeJSONFile(filepath.Join(s.root, "import_state.json"), state)
}

// SaveProjectState caches the generated project state.
func (s *Store) SaveProjectState(state model.ProjectState) error {
	dir := filepath.Join(s.root, "state")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return writeJSONFile(filepath.Join(dir, "state.json"), state)
}

// LoadProjectState returns the cached state, or ok=false when none
// exists or it is unreadable.
func (s *Store) LoadProjectState() (model.ProjectState, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, "state", "state.json"))
	if err != nil {
		return model.ProjectState{}, false
	}
	var state model.ProjectState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn("discarding unreadable state cache", "err", err)
		return model.ProjectState{}, false
	}
	return state, true
}
