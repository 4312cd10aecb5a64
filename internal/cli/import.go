package cli

import (
	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/ingest"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import historical agent sessions and artifacts for this project",
		Args:  cobra.NoArgs,
		RunE:  runImport,
	}
	cmd.Flags().Bool("dry-run", false, "Report what would be imported without writing")
	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	st, log, err := openStore()
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	var stats ingest.ImportStats
	err = st.WithExclusiveLock(cmd.Context(), func() error {
		var ierr error
		stats, ierr = ingest.Import(st, log, dryRun)
		return ierr
	})
	if err != nil {
		return err
	}

	verb := "Imported"
	if dryRun {
		verb = "Would import"
	}
	printf(cmd, "%s %d sessions (%d already imported), %d todo lists, %d plans, %d tasks\n",
		verb, stats.Sessions, stats.Skipped, stats.Todos, stats.Plans, stats.Tasks)
	return nil
}
