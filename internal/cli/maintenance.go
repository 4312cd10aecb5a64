package cli

import (
	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/index"
	"github.com/membank/membank/internal/ingest"
	"github.com/membank/membank/internal/migrate"
)

func init() {
	RootCmd.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Upgrade the store schema to the current version",
			Args:  cobra.NoArgs,
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "reindex",
			Short: "Rebuild the vector index from scratch",
			Args:  cobra.NoArgs,
			RunE:  runReindex,
		},
	)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	var old, current int
	err = st.WithExclusiveLock(cmd.Context(), func() error {
		var merr error
		old, current, merr = migrate.Run(st)
		return merr
	})
	if err != nil {
		return err
	}
	if old == current {
		printf(cmd, "Store already at schema version %d\n", current)
	} else {
		printf(cmd, "Migrated store schema: v%d -> v%d\n", old, current)
	}
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	st, log, err := openStore()
	if err != nil {
		return err
	}
	cfg, err := st.ReadConfig()
	if err != nil {
		return err
	}
	orc := newOracle(cfg)

	ix, err := index.Open(st.IndexDir(), log)
	if err != nil {
		return err
	}

	var added int
	err = st.WithExclusiveLock(cmd.Context(), func() error {
		if err := ingest.ChunkAll(st, log, false); err != nil {
			return err
		}
		var rerr error
		added, rerr = ix.Rebuild(cmd.Context(), st, orc)
		return rerr
	})
	if err != nil {
		return err
	}
	printf(cmd, "Rebuilt index with %d vectors\n", added)
	return nil
}
