// Package migrate versions the store schema and upgrades older stores
// in place.
package migrate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/membank/membank/internal/storage"
)

// Run applies all pending migrations and returns (oldVersion,
// newVersion).
func Run(st *storage.Store) (int, int, error) {
	cfg, err := st.ReadConfig()
	if err != nil {
		return 0, 0, err
	}
	old := cfg.SchemaVersion
	if old >= storage.CurrentSchemaVersion {
		return old, old, nil
	}

	current := old
	if current == 1 {
		if err := migrateV1toV2(st); err != nil {
			return old, current, err
		}
		current = 2
	}

	cfg.SchemaVersion = current
	if err := st.WriteConfig(cfg); err != nil {
		return old, current, err
	}
	return old, current, nil
}

// migrateV1toV2 backfills event_id on event records that predate it.
// The id derives from the session and timestamp so re-running the
// migration is a no-op.
func migrateV1toV2(st *storage.Store) error {
	metas, err := st.ListSessions()
	if err != nil {
		return err
	}
	for _, meta := range metas {
		path := filepath.Join(st.SessionsDir(), meta.ID, "events.jsonl")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		var (
			out      strings.Builder
			modified bool
		)
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			var record map[string]any
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				return fmt.Errorf("%w: events.jsonl for %s: %v", storage.ErrCorrupt, meta.ID, err)
			}
			if id, _ := record["event_id"].(string); id == "" {
				ts, _ := record["timestamp"].(float64)
				record["event_id"] = derivedEventID(meta.ID, ts)
				modified = true
			}
			encoded, err := json.Marshal(record)
			if err != nil {
				return err
			}
			out.Write(encoded)
			out.WriteByte('\n')
		}
		if !modified {
			continue
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, []byte(out.String()), 0o644); err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
	}
	return nil
}

func derivedEventID(sessionID string, ts float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%v", sessionID, ts)))
	return hex.EncodeToString(sum[:8])
}
