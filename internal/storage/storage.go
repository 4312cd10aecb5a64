// Package storage owns the on-disk layout of a project store: sessions,
// chunk and event logs, artifacts, config, and the store lock.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/redact"
	"github.com/membank/membank/internal/registry"
)

// DirName is the store directory created under a project root.
const DirName = ".memory-bank"

// Error kinds for store access.
var (
	// ErrCorrupt marks malformed config, metadata, or chunk logs; it
	// blocks writes to the affected store.
	ErrCorrupt = errors.New("storage corrupt")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotInitialized is returned when opening a store that has no
	// config document.
	ErrNotInitialized = errors.New("memory bank not initialized")
	// ErrFinalized rejects mutation of a finalized session meta.
	ErrFinalized = errors.New("session already finalized")
)

// Store is a handle to one project store root. Every operation takes the
// root from the handle; there is no process-wide store.
type Store struct {
	root     string
	logger   *slog.Logger
	redactor *redact.Redactor
}

// Init creates the store layout under root (the .memory-bank directory
// itself) and returns an open handle. Returns created=false when the
// store already exists. Also registers the project in the global
// registry and adds the store directory to the project's .gitignore.
func Init(root string, logger *slog.Logger) (bool, *Store, error) {
	if _, err := os.Stat(filepath.Join(root, "config.json")); err == nil {
		s, err := Open(root, logger)
		return false, s, err
	}

	for _, dir := range []string{root, filepath.Join(root, "sessions"), filepath.Join(root, "index"), filepath.Join(root, "state"), filepath.Join(root, "artifacts")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	s := &Store{root: root, logger: logger}
	cfg := DefaultConfig()
	if err := s.WriteConfig(cfg); err != nil {
		return false, nil, err
	}
	s.redactor = redact.New(cfg.Redact.Enabled)

	ensureGitignore(filepath.Dir(root))

	if _, err := registry.Register(filepath.Dir(root)); err != nil {
		logger.Warn("project registry update failed", "err", err)
	}
	return true, s, nil
}

// Open returns a handle to an existing store.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if _, err := os.Stat(filepath.Join(root, "config.json")); err != nil {
		return nil, fmt.Errorf("%w: run `membank init` first (looked in %s)", ErrNotInitialized, root)
	}
	s := &Store{root: root, logger: logger}
	cfg, err := s.ReadConfig()
	if err != nil {
		return nil, err
	}
	s.redactor = redact.New(cfg.Redact.Enabled)
	return s, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// SessionsDir returns the sessions directory.
func (s *Store) SessionsDir() string { return filepath.Join(s.root, "sessions") }

// IndexDir returns the vector index directory.
func (s *Store) IndexDir() string { return filepath.Join(s.root, "index") }

// ArtifactsDir returns the artifacts directory.
func (s *Store) ArtifactsDir() string { return filepath.Join(s.root, "artifacts") }

func (s *Store) sessionDir(id string) string { return filepath.Join(s.SessionsDir(), id) }

// CreateSessionParams holds parameters for session creation.
type CreateSessionParams struct {
	Command        []string
	Cwd            string
	Source         model.SessionSource
	StartedAt      float64 // zero means now
	CreateEvents   bool
	AgentSessionID string
}

// CreateSession allocates a fresh session id and writes its open meta
// record.
func (s *Store) CreateSession(p CreateSessionParams) (model.SessionMeta, error) {
	startedAt := p.StartedAt
	if startedAt <= 0 {
		startedAt = float64(time.Now().UnixNano()) / 1e9
	}
	id := newSessionID(startedAt)
	dir := s.sessionDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.SessionMeta{}, fmt.Errorf("create session dir: %w", err)
	}

	meta := model.SessionMeta{
		ID:             id,
		Source:         p.Source,
		Command:        p.Command,
		Cwd:            p.Cwd,
		StartedAt:      startedAt,
		AgentSessionID: p.AgentSessionID,
	}
	if err := s.writeMeta(meta); err != nil {
		return model.SessionMeta{}, err
	}
	if p.CreateEvents {
		f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return model.SessionMeta{}, fmt.Errorf("create events log: %w", err)
		}
		f.Close()
	}
	return meta, nil
}

// FinalizeSession records the exit code and end timestamp. The meta is
// read-only afterwards.
func (s *Store) FinalizeSession(id string, exitCode int, endedAt float64) error {
	meta, err := s.ReadMeta(id)
	if err != nil {
		return err
	}
	if meta.Finalized() {
		return fmt.Errorf("%w: %s", ErrFinalized, id)
	}
	if endedAt <= 0 {
		endedAt = float64(time.Now().UnixNano()) / 1e9
	}
	if endedAt < meta.StartedAt {
		endedAt = meta.StartedAt
	}
	meta.EndedAt = endedAt
	meta.ExitCode = &exitCode
	return s.writeMeta(meta)
}

// DeleteSession removes a session and all its logs.
func (s *Store) DeleteSession(id string) error {
	dir := s.sessionDir(id)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return os.RemoveAll(dir)
}

// ReadMeta loads a session's meta record.
func (s *Store) ReadMeta(id string) (model.SessionMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(id), "meta.json"))
	if err != nil {
		return model.SessionMeta{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var meta model.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.SessionMeta{}, fmt.Errorf("%w: meta.json for %s: %v", ErrCorrupt, id, err)
	}
	return meta, nil
}

// ListSessions returns all session metas, newest first. Sessions with
// unreadable metas are skipped with a warning.
func (s *Store) ListSessions() ([]model.SessionMeta, error) {
	entries, err := os.ReadDir(s.SessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var metas []model.SessionMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.ReadMeta(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable session", "session", e.Name(), "err", err)
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].StartedAt > metas[j].StartedAt })
	return metas, nil
}

func (s *Store) writeMeta(meta model.SessionMeta) error {
	return writeJSONFile(filepath.Join(s.sessionDir(meta.ID), "meta.json"), meta)
}

// newSessionID formats <YYYYMMDD-HHMMSS>-<4-hex> from the start time.
func newSessionID(startedAt float64) string {
	t := time.Unix(int64(startedAt), 0).UTC()
	var buf [2]byte
	rand.Read(buf[:])
	return t.Format("20060102-150405") + "-" + hex.EncodeToString(buf[:])
}

// writeJSONFile writes v as indented JSON atomically via rename.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func ensureGitignore(projectRoot string) {
	path := filepath.Join(projectRoot, ".gitignore")
	entry := DirName + "/"
	data, err := os.ReadFile(path)
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == entry {
				return
			}
		}
		content := string(data)
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		os.WriteFile(path, []byte(content+entry+"\n"), 0o644)
		return
	}
	os.WriteFile(path, []byte(entry+"\n"), 0o644)
}
