package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/ingest"
	"github.com/membank/membank/internal/storage"
)

const hookCommand = "membank hooks run"

func init() {
	hooks := &cobra.Command{
		Use:   "hooks",
		Short: "Manage the agent Stop hook",
	}
	hooks.AddCommand(
		&cobra.Command{
			Use:   "install",
			Short: "Register the Stop hook in the agent's project settings",
			Args:  cobra.NoArgs,
			RunE:  runHooksInstall,
		},
		&cobra.Command{
			Use:   "uninstall",
			Short: "Remove the Stop hook from the agent's project settings",
			Args:  cobra.NoArgs,
			RunE:  runHooksUninstall,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show hook installation and capture status",
			Args:  cobra.NoArgs,
			RunE:  runHooksStatus,
		},
		&cobra.Command{
			Use:    "run",
			Short:  "Process one Stop event payload from stdin (invoked by the agent)",
			Args:   cobra.NoArgs,
			Hidden: true,
			RunE:   runHooksRun,
		},
	)
	RootCmd.AddCommand(hooks)
}

func settingsPath() string {
	return filepath.Join(filepath.Dir(storeRoot()), ".claude", "settings.json")
}

// hookSettings is the slice of the agent settings document we edit.
type hookSettings map[string]any

func loadSettings(path string) (hookSettings, error) {
	settings := hookSettings{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return settings, nil
}

func stopHooks(settings hookSettings) []any {
	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		return nil
	}
	stop, _ := hooks["Stop"].([]any)
	return stop
}

func hookInstalled(settings hookSettings) bool {
	for _, entry := range stopHooks(settings) {
		if m, ok := entry.(map[string]any); ok {
			if inner, ok := m["hooks"].([]any); ok {
				for _, h := range inner {
					if hm, ok := h.(map[string]any); ok && hm["command"] == hookCommand {
						return true
					}
				}
			}
		}
	}
	return false
}

func runHooksInstall(cmd *cobra.Command, args []string) error {
	if _, _, err := openStore(); err != nil {
		return err
	}
	path := settingsPath()
	settings, err := loadSettings(path)
	if err != nil {
		return err
	}
	if hookInstalled(settings) {
		printf(cmd, "Stop hook already installed in %s\n", path)
		return nil
	}

	entry := map[string]any{
		"matcher": "",
		"hooks":   []any{map[string]any{"type": "command", "command": hookCommand}},
	}
	hooks, _ := settings["hooks"].(map[string]any)
	if hooks == nil {
		hooks = map[string]any{}
	}
	hooks["Stop"] = append(stopHooks(settings), entry)
	settings["hooks"] = hooks

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	printf(cmd, "Installed Stop hook in %s\n", path)
	return nil
}

func runHooksUninstall(cmd *cobra.Command, args []string) error {
	path := settingsPath()
	settings, err := loadSettings(path)
	if err != nil {
		return err
	}
	if !hookInstalled(settings) {
		printf(cmd, "Stop hook not installed\n")
		return nil
	}

	var kept []any
	for _, entry := range stopHooks(settings) {
		m, ok := entry.(map[string]any)
		if !ok {
			kept = append(kept, entry)
			continue
		}
		var innerKept []any
		if inner, ok := m["hooks"].([]any); ok {
			for _, h := range inner {
				if hm, ok := h.(map[string]any); ok && hm["command"] == hookCommand {
					continue
				}
				innerKept = append(innerKept, h)
			}
		}
		if len(innerKept) > 0 {
			m["hooks"] = innerKept
			kept = append(kept, m)
		}
	}
	hooks := settings["hooks"].(map[string]any)
	if len(kept) > 0 {
		hooks["Stop"] = kept
	} else {
		delete(hooks, "Stop")
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return err
	}
	printf(cmd, "Removed Stop hook from %s\n", path)
	return nil
}

func runHooksStatus(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings(settingsPath())
	if err != nil {
		return err
	}
	if hookInstalled(settings) {
		printf(cmd, "Stop hook: installed\n")
	} else {
		printf(cmd, "Stop hook: not installed\n")
	}

	st, _, err := openStore()
	if err != nil {
		return err
	}
	state, err := st.LoadHooksState()
	if err != nil {
		return err
	}
	printf(cmd, "Captured agent sessions: %d\n", len(state.Sessions))
	return nil
}

// runHooksRun must exit 0 regardless of internal outcome: a failing hook
// would otherwise block the host agent. All errors are logged.
func runHooksRun(cmd *cobra.Command, args []string) error {
	log := logger()

	payload, err := ingest.ReadHookPayload(cmd.InOrStdin())
	if err != nil {
		log.Warn("hook payload rejected", "err", err)
		return nil
	}

	root := filepath.Join(payload.Cwd, storage.DirName)
	_, st, err := storage.Init(root, log)
	if err != nil {
		log.Warn("hook store unavailable", "root", root, "err", err)
		return nil
	}

	err = st.WithExclusiveLock(cmd.Context(), func() error {
		return ingest.HandleHook(st, payload, log)
	})
	if err != nil {
		log.Warn("hook processing failed", "err", err)
	}
	return nil
}
