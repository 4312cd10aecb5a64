package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/episode"
	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/retriever"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over captured sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	cmd.Flags().IntP("top-k", "k", 5, "Max results")
	cmd.Flags().String("type", "", "Filter by source type (session|plan|todo|task)")
	cmd.Flags().String("episode", "", "Filter by episode label")
	cmd.Flags().Bool("rerank", false, "Rerank results with the chat model")
	cmd.Flags().Bool("no-decay", false, "Disable temporal decay")
	cmd.Flags().Bool("global", false, "Search across all registered projects")
	cmd.Flags().Bool("json", false, "Emit JSON")
	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	st, log, err := openStore()
	if err != nil {
		return err
	}
	cfg, err := st.ReadConfig()
	if err != nil {
		return err
	}

	topK, _ := cmd.Flags().GetInt("top-k")
	typeFlag, _ := cmd.Flags().GetString("type")
	episodeFlag, _ := cmd.Flags().GetString("episode")
	rerank, _ := cmd.Flags().GetBool("rerank")
	noDecay, _ := cmd.Flags().GetBool("no-decay")
	global, _ := cmd.Flags().GetBool("global")
	asJSON, _ := cmd.Flags().GetBool("json")
	query := strings.Join(args, " ")

	var filters retriever.Filters
	if typeFlag != "" {
		srcType := model.SourceType(typeFlag)
		if !model.ValidSourceTypes[srcType] {
			return fmt.Errorf("unknown source type %q", typeFlag)
		}
		filters.SourceTypes = []model.SourceType{srcType}
	}
	if episodeFlag != "" {
		ep := episode.Type(episodeFlag)
		if !episode.Valid(ep) {
			return fmt.Errorf("unknown episode %q", episodeFlag)
		}
		filters.Episode = ep
	}

	opts := retriever.Options{
		Decay:        cfg.Decay.Enabled && !noDecay,
		HalfLifeDays: cfg.Decay.HalfLifeDays,
		Rerank:       rerank,
		Boosts:       boostMap(cfg.Boosts),
	}
	orc := newOracle(cfg)

	if global {
		results, err := retriever.GlobalSearch(cmd.Context(), query, topK, filters, opts, orc, log)
		if err != nil {
			return err
		}
		if asJSON {
			data, _ := json.MarshalIndent(results, "", "  ")
			printf(cmd, "%s\n", data)
			return nil
		}
		for _, r := range results {
			printf(cmd, "%.3f  [%s] %s  %s\n", r.Score, r.ProjectRoot, r.Chunk.Key(), snippet(r.Chunk.Text))
		}
		return nil
	}

	ix, err := ensureIndex(cmd, st, orc, log)
	if err != nil {
		return err
	}
	r := retriever.New(st, ix, orc, log)

	var results []retriever.Result
	err = st.WithSharedLock(cmd.Context(), func() error {
		var rerr error
		results, rerr = r.Retrieve(cmd.Context(), query, topK, filters, opts)
		return rerr
	})
	if err != nil {
		return err
	}

	if asJSON {
		data, _ := json.MarshalIndent(results, "", "  ")
		printf(cmd, "%s\n", data)
		return nil
	}
	if len(results) == 0 {
		printf(cmd, "No results.\n")
		return nil
	}
	for _, res := range results {
		printf(cmd, "%.3f  %s  %s\n", res.Score, res.Chunk.Key(), snippet(res.Chunk.Text))
	}
	return nil
}

func boostMap(cfg map[string]float64) map[model.SourceType]float64 {
	if len(cfg) == 0 {
		return nil
	}
	out := make(map[model.SourceType]float64, len(cfg))
	for k, v := range cfg {
		out[model.SourceType(k)] = v
	}
	return out
}

func snippet(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > 100 {
		return text[:100] + "…"
	}
	return text
}
