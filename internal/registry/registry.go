// Package registry tracks Memory Bank project roots for the current OS
// user, enabling cross-project search.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Entry is one registered project.
type Entry struct {
	Root         string  `json:"root"`
	LastImportAt float64 `json:"last_import_at,omitempty"`
	SessionCount int     `json:"session_count,omitempty"`
}

// Path returns the registry file location, honoring the
// MEMBANK_REGISTRY override used by tests.
func Path() (string, error) {
	if p := os.Getenv("MEMBANK_REGISTRY"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".memory-bank", "projects.json"), nil
}

// List returns all registered projects. A missing or corrupt registry
// reads as empty.
func List() ([]Entry, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, nil
	}
	return entries, nil
}

// Register adds a project root, idempotently preserving existing stats.
func Register(root string) (Entry, error) {
	resolved, err := filepath.Abs(root)
	if err != nil {
		return Entry{}, err
	}
	entries, err := List()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Root == resolved {
			return e, nil
		}
	}
	entry := Entry{Root: resolved}
	entries = append(entries, entry)
	return entry, write(entries)
}

// Remove drops a project root. Returns false when it was not registered.
func Remove(root string) (bool, error) {
	resolved, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	entries, err := List()
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.Root == resolved {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return false, nil
	}
	return true, write(kept)
}

// UpdateStats records an import pass for a project.
func UpdateStats(root string, sessionCount int) error {
	resolved, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	entries, err := List()
	if err != nil {
		return err
	}
	found := false
	for i := range entries {
		if entries[i].Root == resolved {
			entries[i].LastImportAt = float64(time.Now().Unix())
			entries[i].SessionCount = sessionCount
			found = true
		}
	}
	if !found {
		entries = append(entries, Entry{
			Root:         resolved,
			LastImportAt: float64(time.Now().Unix()),
			SessionCount: sessionCount,
		})
	}
	return write(entries)
}

// write persists the registry atomically via temp file and rename.
func write(entries []Entry) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "projects-*.tmp")
	if err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write registry: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
