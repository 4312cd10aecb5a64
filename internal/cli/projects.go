package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/registry"
)

func init() {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List Memory Bank projects registered for this user",
		Args:  cobra.NoArgs,
		RunE:  runProjects,
	}
	cmd.Flags().Bool("json", false, "Emit JSON")
	RootCmd.AddCommand(cmd)
}

func runProjects(cmd *cobra.Command, args []string) error {
	entries, err := registry.List()
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", data)
		return nil
	}

	if len(entries) == 0 {
		printf(cmd, "No projects registered. Run `membank init` in a project.\n")
		return nil
	}
	for _, e := range entries {
		lastImport := "never"
		if e.LastImportAt > 0 {
			lastImport = time.Unix(int64(e.LastImportAt), 0).Format("2006-01-02 15:04")
		}
		printf(cmd, "%s  sessions=%d  last import: %s\n", e.Root, e.SessionCount, lastImport)
	}
	return nil
}
