package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/membank/membank/internal/episode"
	"github.com/membank/membank/internal/model"
)

func init() {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the session graph: episodes, errors, and related sessions",
		Args:  cobra.NoArgs,
		RunE:  runGraph,
	}
	cmd.Flags().Bool("json", false, "Emit JSON")
	RootCmd.AddCommand(cmd)
}

type graphNode struct {
	Meta         model.SessionMeta `json:"meta"`
	Episode      episode.Type      `json:"episode"`
	HasError     bool              `json:"has_error"`
	ErrorSummary string            `json:"error_summary,omitempty"`
	Related      []string          `json:"related_sessions,omitempty"`
}

func runGraph(cmd *cobra.Command, args []string) error {
	st, _, err := openStore()
	if err != nil {
		return err
	}
	metas, err := st.ListSessions()
	if err != nil {
		return err
	}

	nodes := make([]graphNode, 0, len(metas))
	for _, meta := range metas {
		chunks, err := st.ReadChunks(meta.ID)
		if err != nil {
			continue
		}
		node := graphNode{
			Meta:     meta,
			Episode:  episode.Classify(meta, chunks),
			HasError: episode.DetectError(meta, chunks),
			Related:  episode.Related(meta, metas),
		}
		if node.HasError {
			node.ErrorSummary = episode.ErrorSummary(meta, chunks)
		}
		nodes = append(nodes, node)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.MarshalIndent(nodes, "", "  ")
		if err != nil {
			return err
		}
		printf(cmd, "%s\n", data)
		return nil
	}

	for _, n := range nodes {
		mark := " "
		if n.HasError {
			mark = "!"
		}
		printf(cmd, "%s %s  %-9s related=%d", mark, n.Meta.ID, n.Episode, len(n.Related))
		if n.ErrorSummary != "" {
			printf(cmd, "  %s", n.ErrorSummary)
		}
		printf(cmd, "\n")
	}
	return nil
}
