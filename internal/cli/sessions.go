package cli

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/episode"
)

func init() {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List captured sessions",
		Args:  cobra.NoArgs,
		RunE:  runSessions,
	}
	sessions.Flags().Bool("json", false, "Emit JSON")
	RootCmd.AddCommand(sessions)

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its logs",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	RootCmd.AddCommand(del)
}

func runSessions(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	metas, err := st.ListSessions()
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(metas, "", "  ")
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", data)
		return nil
	}

	if len(metas) == 0 {
		printf(cmd, "No sessions captured yet.\n")
		return nil
	}
	for _, m := range metas {
		started := time.Unix(int64(m.StartedAt), 0).Format("2006-01-02 15:04")
		chunks, _ := st.ReadChunks(m.ID)
		mark := " "
		if episode.DetectError(m, chunks) {
			mark = "!"
		}
		printf(cmd, "%s %s  %-7s %-9s %3d chunks  %s\n",
			mark, m.ID, m.Source, episode.Classify(m, chunks), len(chunks), started)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	err = st.WithExclusiveLock(cmd.Context(), func() error {
		return st.DeleteSession(args[0])
	})
	if err != nil {
		return err
	}
	printf(cmd, "Deleted session %s\n", args[0])
	printf(cmd, "Run `membank reindex` to drop its vectors from the index.\n")
	return nil
}
