package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/episode"
	"github.com/membank/membank/internal/ingest"
	"github.com/membank/membank/internal/pack"
	"github.com/membank/membank/internal/state"
)

func init() {
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Assemble a token-budgeted context pack",
		Args:  cobra.NoArgs,
		RunE:  runPack,
	}
	cmd.Flags().IntP("budget", "b", 4000, "Token budget")
	cmd.Flags().StringP("mode", "m", "auto", "Pack mode (auto|debug|build|explore)")
	cmd.Flags().StringP("format", "f", "xml", "Output format (xml|json|md)")
	cmd.Flags().String("episode", "", "Restrict recent context to an episode label")
	cmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")
	RootCmd.AddCommand(cmd)
}

func runPack(cmd *cobra.Command, args []string) error {
	st, log, err := openStore()
	if err != nil {
		return err
	}
	cfg, err := st.ReadConfig()
	if err != nil {
		return err
	}

	budget, _ := cmd.Flags().GetInt("budget")
	modeFlag, _ := cmd.Flags().GetString("mode")
	formatFlag, _ := cmd.Flags().GetString("format")
	episodeFlag, _ := cmd.Flags().GetString("episode")
	output, _ := cmd.Flags().GetString("output")

	mode, err := pack.ParseMode(modeFlag)
	if err != nil {
		return err
	}
	format, err := pack.ParseFormat(formatFlag)
	if err != nil {
		return err
	}
	var ep episode.Type
	if episodeFlag != "" {
		ep = episode.Type(episodeFlag)
		if !episode.Valid(ep) {
			return fmt.Errorf("unknown episode %q", episodeFlag)
		}
	}

	// Chunk pending sessions first so state and excerpts see them.
	err = st.WithExclusiveLock(cmd.Context(), func() error {
		return ingest.ChunkAll(st, log, false)
	})
	if err != nil {
		return err
	}

	assembler := pack.New(st, state.New(st, newOracle(cfg), log), log)

	var doc string
	err = st.WithSharedLock(cmd.Context(), func() error {
		var perr error
		doc, perr = assembler.Build(cmd.Context(), pack.Request{
			Budget:  budget,
			Mode:    mode,
			Format:  format,
			Episode: ep,
		})
		return perr
	})
	if err != nil {
		return err
	}

	if output != "" {
		if err := os.WriteFile(output, []byte(doc), 0o644); err != nil {
			return fmt.Errorf("write pack: %w", err)
		}
		printf(cmd, "Wrote pack to %s\n", output)
		return nil
	}
	printf(cmd, "%s", doc)
	return nil
}
