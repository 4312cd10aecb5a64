package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/membank/membank/internal/model"
)

// AppendEvent appends one record to a PTY session's event log. Content
// passes through the redactor before persistence.
func (s *Store) AppendEvent(sessionID, stream, text string, ts float64) error {
	if ts <= 0 {
		ts = float64(time.Now().UnixNano()) / 1e9
	}
	ev := model.Event{
		ID:     ulid.Make().String(),
		TS:     ts,
		Stream: stream,
		Text:   s.redactor.Redact(text),
	}
	return appendJSONLine(filepath.Join(s.sessionDir(sessionID), "events.jsonl"), ev)
}

// ReadEvents loads a session's event log in order.
func (s *Store) ReadEvents(sessionID string) ([]model.Event, error) {
	path := filepath.Join(s.sessionDir(sessionID), "events.jsonl")
	var events []model.Event
	err := scanJSONL(path, func(line []byte) error {
		var ev model.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("%w: events.jsonl for %s: %v", ErrCorrupt, sessionID, err)
		}
		events = append(events, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].TS < events[j].TS })
	return events, nil
}

// HasEvents reports whether a session has a (possibly empty) event log.
func (s *Store) HasEvents(sessionID string) bool {
	_, err := os.Stat(filepath.Join(s.sessionDir(sessionID), "events.jsonl"))
	return err == nil
}

// WriteChunks replaces a session's chunk log as one atomic write. Chunk
// records are ordered by index and never rewritten individually;
// re-running the chunker must reproduce the log byte for byte.
func (s *Store) WriteChunks(sessionID string, chunks []model.Chunk) error {
	return writeChunkLog(filepath.Join(s.sessionDir(sessionID), "chunks.jsonl"), chunks)
}

// ReadChunks loads a session's chunk log.
func (s *Store) ReadChunks(sessionID string) ([]model.Chunk, error) {
	return readChunkLog(filepath.Join(s.sessionDir(sessionID), "chunks.jsonl"), sessionID)
}

// HasChunks reports whether a session has a non-empty chunk log.
func (s *Store) HasChunks(sessionID string) bool {
	fi, err := os.Stat(filepath.Join(s.sessionDir(sessionID), "chunks.jsonl"))
	return err == nil && fi.Size() > 0
}

// AppendArtifactChunks appends chunks to the shared artifact chunk log.
func (s *Store) AppendArtifactChunks(chunks []model.Chunk) error {
	if err := os.MkdirAll(s.ArtifactsDir(), 0o755); err != nil {
		return fmt.Errorf("create artifacts dir: %w", err)
	}
	path := filepath.Join(s.ArtifactsDir(), "chunks.jsonl")
	for _, c := range chunks {
		if err := appendJSONLine(path, c); err != nil {
			return err
		}
	}
	return nil
}

// ReadArtifactChunks loads the shared artifact chunk log.
func (s *Store) ReadArtifactChunks() ([]model.Chunk, error) {
	return readChunkLog(filepath.Join(s.ArtifactsDir(), "chunks.jsonl"), "artifacts")
}

// IterAllChunks streams every chunk in the store — session logs in
// session-id order, then artifact chunks — to fn. Iteration stops on the
// first error.
func (s *Store) IterAllChunks(fn func(model.Chunk) error) error {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read sessions dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		chunks, err := s.ReadChunks(name)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			if err := fn(c); err != nil {
				return err
			}
		}
	}

	artifact, err := s.ReadArtifactChunks()
	if err != nil {
		return err
	}
	for _, c := range artifact {
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// ChunkLogMaxMtime returns the newest modification time across all chunk
// logs, for index staleness detection. Zero when no chunk log exists.
func (s *Store) ChunkLogMaxMtime() time.Time {
	var newest time.Time
	consider := func(path string) {
		if fi, err := os.Stat(path); err == nil && fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	if entries, err := os.ReadDir(s.SessionsDir()); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				consider(filepath.Join(s.SessionsDir(), e.Name(), "chunks.jsonl"))
			}
		}
	}
	consider(filepath.Join(s.ArtifactsDir(), "chunks.jsonl"))
	return newest
}

// Artifact document writers.

// WriteTodo stores a raw todo list under artifacts/todos.
func (s *Store) WriteTodo(agentSessionID string, doc any) error {
	dir := filepath.Join(s.ArtifactsDir(), "todos")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create todos dir: %w", err)
	}
	return writeJSONFile(filepath.Join(dir, agentSessionID+".json"), doc)
}

// WritePlan stores plan markdown and its meta document.
func (s *Store) WritePlan(slug, contentMD string, meta any) error {
	dir := filepath.Join(s.ArtifactsDir(), "plans")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create plans dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, slug+".md"), []byte(contentMD), 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return writeJSONFile(filepath.Join(dir, slug+".meta.json"), meta)
}

// WriteTask stores a task document under artifacts/tasks/<session>/.
func (s *Store) WriteTask(agentSessionID, taskID string, doc any) error {
	dir := filepath.Join(s.ArtifactsDir(), "tasks", agentSessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tasks dir: %w", err)
	}
	return writeJSONFile(filepath.Join(dir, taskID+".json"), doc)
}

// Shared log helpers.

func writeChunkLog(path string, chunks []model.Chunk) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write chunk log: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, c := range chunks {
		if err := enc.Encode(c); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("encode chunk: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush chunk log: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close chunk log: %w", err)
	}
	return os.Rename(tmp, path)
}

func readChunkLog(path, owner string) ([]model.Chunk, error) {
	var chunks []model.Chunk
	err := scanJSONL(path, func(line []byte) error {
		var c model.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("%w: chunk log for %s: %v", ErrCorrupt, owner, err)
		}
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// scanJSONL feeds each non-blank line of an NDJSON file to fn. A missing
// file is not an error.
func scanJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	return nil
}
