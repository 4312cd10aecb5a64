package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/membank/membank/internal/chunker"
	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/transcript"
)

// HookPayload is the JSON document the host agent writes to the
// handler's stdin on each Stop event.
type HookPayload struct {
	TranscriptPath string `json:"transcript_path"`
	SessionID      string `json:"session_id"`
	Cwd            string `json:"cwd"`
}

// ReadHookPayload decodes the stdin payload.
func ReadHookPayload(r io.Reader) (HookPayload, error) {
	var p HookPayload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return p, fmt.Errorf("decode hook payload: %w", err)
	}
	if p.TranscriptPath == "" || p.SessionID == "" || p.Cwd == "" {
		return p, fmt.Errorf("hook payload missing transcript_path, session_id, or cwd")
	}
	return p, nil
}

// HandleHook processes one Stop event: it maps the agent session onto a
// store session (creating one on first sight), re-extracts turns when
// the transcript has grown, and rewrites the session's chunks. The
// caller is responsible for exiting 0 regardless of the outcome.
func HandleHook(st *storage.Store, payload HookPayload, logger *slog.Logger) error {
	fi, err := os.Stat(payload.TranscriptPath)
	if err != nil {
		return fmt.Errorf("stat transcript: %w", err)
	}
	if fi.Size() == 0 {
		return nil
	}

	hooks, err := st.LoadHooksState()
	if err != nil {
		return err
	}

	mapping, known := hooks.Sessions[payload.SessionID]
	if known && mapping.TranscriptSize == fi.Size() {
		return nil
	}
	if !known {
		meta, err := st.CreateSession(storage.CreateSessionParams{
			Command:        []string{"claude"},
			Cwd:            payload.Cwd,
			Source:         model.SessionHook,
			AgentSessionID: payload.SessionID,
		})
		if err != nil {
			return err
		}
		mapping = storage.HookMapping{SessionID: meta.ID, TranscriptPath: payload.TranscriptPath}
	}

	turns, err := transcript.ExtractTurns(payload.TranscriptPath)
	if err != nil {
		return err
	}

	cfg, err := st.ReadConfig()
	if err != nil {
		return err
	}
	chunks := chunker.FromTurns(mapping.SessionID, turns, chunkingOptions(cfg))
	if len(chunks) > 0 {
		if err := st.WriteChunks(mapping.SessionID, chunks); err != nil {
			return err
		}
	}

	if meta, err := st.ReadMeta(mapping.SessionID); err == nil && !meta.Finalized() {
		endedAt := 0.0
		if len(turns) > 0 {
			endedAt = turns[len(turns)-1].Timestamp
		}
		if err := st.FinalizeSession(mapping.SessionID, 0, endedAt); err != nil {
			logger.Warn("finalize after hook failed", "session", mapping.SessionID, "err", err)
		}
	}

	mapping.TranscriptPath = payload.TranscriptPath
	mapping.TranscriptSize = fi.Size()
	mapping.LastProcessed = float64(time.Now().Unix())
	hooks.Sessions[payload.SessionID] = mapping
	return st.SaveHooksState(hooks)
}
