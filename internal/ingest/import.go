package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/membank/membank/internal/chunker"
	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/registry"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/transcript"
)

// ImportStats summarizes one import pass.
type ImportStats struct {
	Sessions int
	Skipped  int
	Todos    int
	Plans    int
	Tasks    int
}

// Import discovers historical agent sessions and artifacts for the
// store's project and ingests the ones not seen before. Malformed
// transcripts are skipped per file. With dryRun set, nothing is written
// and the stats report what would be imported.
func Import(st *storage.Store, logger *slog.Logger, dryRun bool) (ImportStats, error) {
	var stats ImportStats
	cwd := filepath.Dir(st.Root())

	paths, err := discoverAgentTranscripts(cwd)
	if err != nil {
		return stats, err
	}

	importState := st.LoadImportState()
	cfg, err := st.ReadConfig()
	if err != nil {
		return stats, err
	}
	opts := chunkingOptions(cfg)

	for _, path := range paths {
		agentUUID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
		if _, done := importState.ImportedUUIDs[agentUUID]; done {
			stats.Skipped++
			continue
		}

		turns, err := transcript.ExtractTurns(path)
		if err != nil {
			if errors.Is(err, transcript.ErrMalformed) {
				logger.Warn("skipping malformed transcript", "path", path)
				stats.Skipped++
				continue
			}
			return stats, err
		}
		if len(turns) == 0 {
			stats.Skipped++
			continue
		}
		if dryRun {
			stats.Sessions++
			continue
		}

		startedAt := turns[0].Timestamp
		endedAt := turns[len(turns)-1].Timestamp

		meta, err := st.CreateSession(storage.CreateSessionParams{
			Command:        []string{"claude"},
			Cwd:            cwd,
			Source:         model.SessionImport,
			StartedAt:      startedAt,
			AgentSessionID: agentUUID,
		})
		if err != nil {
			return stats, err
		}
		chunks := chunker.FromTurns(meta.ID, turns, opts)
		if err := st.WriteChunks(meta.ID, chunks); err != nil {
			return stats, err
		}
		if err := st.FinalizeSession(meta.ID, 0, endedAt); err != nil {
			return stats, err
		}

		importState.ImportedUUIDs[agentUUID] = meta.ID
		if err := st.SaveImportState(importState); err != nil {
			return stats, err
		}
		stats.Sessions++
	}

	if err := importArtifacts(st, logger, &importState, &stats, dryRun); err != nil {
		return stats, err
	}

	if !dryRun {
		metas, _ := st.ListSessions()
		if err := registry.UpdateStats(cwd, len(metas)); err != nil {
			logger.Warn("registry stats update failed", "err", err)
		}
	}
	return stats, nil
}

// importArtifacts pulls todo lists, plans, and task trees from the
// agent home, deduplicated by (source_type, agent_session_id,
// artifact_id).
func importArtifacts(st *storage.Store, logger *slog.Logger, state *storage.ImportState, stats *ImportStats, dryRun bool) error {
	home := agentHome()
	if home == "" {
		return nil
	}

	// Todos: one JSON list per agent session.
	for _, path := range globJSON(filepath.Join(home, "todos")) {
		stem := strings.TrimSuffix(filepath.Base(path), ".json")
		agentSession := stem
		if i := strings.Index(stem, "-agent-"); i >= 0 {
			agentSession = stem[:i]
		}
		key := storage.ArtifactKey{SourceType: model.SourceTodo, AgentSessionID: agentSession, ArtifactID: agentSession}
		if state.HasArtifact(key) {
			continue
		}
		list, err := readTodoList(path, agentSession)
		if err != nil {
			logger.Warn("skipping malformed todo file", "path", path, "err", err)
			continue
		}
		if len(list.Items) == 0 {
			continue
		}
		if dryRun {
			stats.Todos++
			continue
		}
		if err := st.WriteTodo(agentSession, list); err != nil {
			return err
		}
		if err := st.AppendArtifactChunks(chunker.FromTodoList(list)); err != nil {
			return err
		}
		state.Artifacts = append(state.Artifacts, key)
		if err := st.SaveImportState(*state); err != nil {
			return err
		}
		stats.Todos++
	}

	// Plans: markdown documents, one per slug.
	planPaths, _ := filepath.Glob(filepath.Join(home, "plans", "*.md"))
	for _, path := range planPaths {
		slug := strings.TrimSuffix(filepath.Base(path), ".md")
		key := storage.ArtifactKey{SourceType: model.SourcePlan, AgentSessionID: "", ArtifactID: slug}
		if state.HasArtifact(key) {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil || strings.TrimSpace(string(content)) == "" {
			continue
		}
		if dryRun {
			stats.Plans++
			continue
		}
		fi, _ := os.Stat(path)
		mtime := float64(fi.ModTime().Unix())
		planMeta := map[string]any{"slug": slug, "source_path": path, "mtime": mtime}
		if err := st.WritePlan(slug, string(content), planMeta); err != nil {
			return err
		}
		if err := st.AppendArtifactChunks(chunker.FromPlan(slug, string(content), mtime)); err != nil {
			return err
		}
		state.Artifacts = append(state.Artifacts, key)
		if err := st.SaveImportState(*state); err != nil {
			return err
		}
		stats.Plans++
	}

	// Tasks: one directory of JSON documents per agent session.
	taskDirs, _ := os.ReadDir(filepath.Join(home, "tasks"))
	for _, d := range taskDirs {
		if !d.IsDir() {
			continue
		}
		agentSession := d.Name()
		for _, path := range globJSON(filepath.Join(home, "tasks", agentSession)) {
			taskID := strings.TrimSuffix(filepath.Base(path), ".json")
			key := storage.ArtifactKey{SourceType: model.SourceTask, AgentSessionID: agentSession, ArtifactID: taskID}
			if state.HasArtifact(key) {
				continue
			}
			task, mtime, err := readTask(path, agentSession, taskID)
			if err != nil {
				logger.Warn("skipping malformed task file", "path", path, "err", err)
				continue
			}
			if dryRun {
				stats.Tasks++
				continue
			}
			if err := st.WriteTask(agentSession, taskID, task); err != nil {
				return err
			}
			if err := st.AppendArtifactChunks([]model.Chunk{chunker.FromTask(task, mtime)}); err != nil {
				return err
			}
			state.Artifacts = append(state.Artifacts, key)
			if err := st.SaveImportState(*state); err != nil {
				return err
			}
			stats.Tasks++
		}
	}
	return nil
}

func globJSON(dir string) []string {
	paths, _ := filepath.Glob(filepath.Join(dir, "*.json"))
	var out []string
	for _, p := range paths {
		if !strings.HasPrefix(filepath.Base(p), ".") {
			out = append(out, p)
		}
	}
	return out
}

func readTodoList(path, agentSession string) (chunker.TodoList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chunker.TodoList{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return chunker.TodoList{}, err
	}
	list := chunker.TodoList{AgentSessionID: agentSession, Mtime: float64(fi.ModTime().Unix())}

	// The file is either a bare item array or {"items": [...]}.
	if err := json.Unmarshal(data, &list.Items); err == nil {
		return list, nil
	}
	var wrapper struct {
		Items []chunker.TodoItem `json:"items"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return chunker.TodoList{}, fmt.Errorf("parse todo list: %w", err)
	}
	list.Items = wrapper.Items
	return list, nil
}

func readTask(path, agentSession, taskID string) (chunker.TaskItem, float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chunker.TaskItem{}, 0, err
	}
	var task chunker.TaskItem
	if err := json.Unmarshal(data, &task); err != nil {
		return chunker.TaskItem{}, 0, fmt.Errorf("parse task: %w", err)
	}
	task.AgentSessionID = agentSession
	if task.ID == "" {
		task.ID = taskID
	}
	if task.Status == "" {
		task.Status = "pending"
	}
	fi, err := os.Stat(path)
	if err != nil {
		return chunker.TaskItem{}, 0, err
	}
	return task, float64(fi.ModTime().Unix()), nil
}
