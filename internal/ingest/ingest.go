// Package ingest drives the capture side of the pipeline: chunking
// sessions, processing agent Stop hooks, and importing historical agent
// sessions and artifacts.
package ingest

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/membank/membank/internal/chunker"
	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/transcript"
)

// agentHome resolves the agent's data directory (transcripts, todos,
// plans, tasks). Overridable for tests.
func agentHome() string {
	if dir := os.Getenv("MEMBANK_AGENT_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude")
}

// encodeProjectDir converts a working directory to the agent's
// project-directory naming: both '/' and '_' become '-'.
func encodeProjectDir(cwd string) string {
	path := strings.TrimSuffix(cwd, "/")
	path = strings.TrimPrefix(path, "/")
	path = strings.ReplaceAll(path, "/", "-")
	path = strings.ReplaceAll(path, "_", "-")
	return "-" + path
}

// chunkingOptions maps store config onto chunker options.
func chunkingOptions(cfg storage.Config) chunker.Options {
	return chunker.Options{
		MaxTokens:     cfg.Chunking.MaxTokens,
		OverlapTokens: cfg.Chunking.OverlapTokens,
	}
}

// ChunkAll ensures every session has a chunk log. Sessions that already
// have chunks are skipped unless force is set — except hook sessions
// whose transcript has grown since they were last processed, which are
// re-chunked. Per-session failures are logged and skipped.
func ChunkAll(st *storage.Store, logger *slog.Logger, force bool) error {
	cfg, err := st.ReadConfig()
	if err != nil {
		return err
	}
	opts := chunkingOptions(cfg)

	hooks, err := st.LoadHooksState()
	if err != nil {
		logger.Warn("hooks state unreadable", "err", err)
		hooks = storage.HooksState{Sessions: map[string]storage.HookMapping{}}
	}

	metas, err := st.ListSessions()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		if st.HasChunks(meta.ID) && !force && !hookTranscriptGrew(meta, hooks) {
			continue
		}
		if err := ChunkSession(st, meta, opts); err != nil {
			logger.Warn("chunking failed", "session", meta.ID, "err", err)
		}
	}
	return nil
}

// hookTranscriptGrew reports whether a hook session without an event log
// has a transcript newer than the last processed size.
func hookTranscriptGrew(meta model.SessionMeta, hooks storage.HooksState) bool {
	if meta.Source != model.SessionHook || meta.AgentSessionID == "" {
		return false
	}
	mapping, ok := hooks.Sessions[meta.AgentSessionID]
	if !ok {
		return false
	}
	fi, err := os.Stat(mapping.TranscriptPath)
	if err != nil {
		return false
	}
	return fi.Size() != mapping.TranscriptSize
}

// ChunkSession produces and persists chunks for one session: from its
// event log when present, otherwise from its agent transcript.
func ChunkSession(st *storage.Store, meta model.SessionMeta, opts chunker.Options) error {
	if st.HasEvents(meta.ID) {
		events, err := st.ReadEvents(meta.ID)
		if err != nil {
			return err
		}
		chunks := chunker.FromEvents(meta.ID, events, opts)
		if len(chunks) == 0 {
			return nil
		}
		return st.WriteChunks(meta.ID, chunks)
	}

	path, err := transcriptPath(st, meta)
	if err != nil || path == "" {
		return err
	}
	turns, err := transcript.ExtractTurns(path)
	if err != nil {
		return err
	}
	chunks := chunker.FromTurns(meta.ID, turns, opts)
	if len(chunks) == 0 {
		return nil
	}
	return st.WriteChunks(meta.ID, chunks)
}

// transcriptPath locates the agent transcript backing a hook or import
// session, via hooks_state or the agent projects directory.
func transcriptPath(st *storage.Store, meta model.SessionMeta) (string, error) {
	if meta.AgentSessionID == "" {
		return "", nil
	}
	hooks, err := st.LoadHooksState()
	if err == nil {
		if m, ok := hooks.Sessions[meta.AgentSessionID]; ok && m.TranscriptPath != "" {
			return m.TranscriptPath, nil
		}
	}
	dir := filepath.Join(agentHome(), "projects", encodeProjectDir(meta.Cwd))
	candidate := filepath.Join(dir, meta.AgentSessionID+".jsonl")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", nil
}

// discoverAgentTranscripts lists the agent's transcripts for a project,
// excluding sidechain (agent-*) files.
func discoverAgentTranscripts(cwd string) ([]string, error) {
	dir := filepath.Join(agentHome(), "projects", encodeProjectDir(cwd))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read agent projects dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, "agent-") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}
