package cli

import (
	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/storage"
)

func init() {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize Memory Bank storage in the current project",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}
	RootCmd.AddCommand(cmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	created, _, err := storage.Init(storeRoot(), logger())
	if err != nil {
		return err
	}
	if created {
		printf(cmd, "Initialized Memory Bank in %s\n", storeRoot())
		printf(cmd, "Next: `membank hooks install` to capture agent sessions, or `membank import` for history.\n")
	} else {
		printf(cmd, "Memory Bank already initialized in %s\n", storeRoot())
	}
	return nil
}
