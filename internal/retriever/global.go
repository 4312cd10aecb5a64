package retriever

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/membank/membank/internal/index"
	"github.com/membank/membank/internal/oracle"
	"github.com/membank/membank/internal/registry"
	"github.com/membank/membank/internal/storage"
)

// GlobalResult pairs a result with the project it came from.
type GlobalResult struct {
	Result
	ProjectRoot string `json:"project_root"`
}

// GlobalSearch runs the same scoring pipeline over every registered
// project's index, read-only, and merges the top-K by score. Roots that
// cannot be opened are skipped with a warning.
func GlobalSearch(ctx context.Context, query string, topK int, f Filters, opts Options, orc oracle.Oracle, logger *slog.Logger) ([]GlobalResult, error) {
	entries, err := registry.List()
	if err != nil {
		return nil, err
	}
	vecs, err := orc.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	var merged []GlobalResult
	for _, entry := range entries {
		root := filepath.Join(entry.Root, storage.DirName)
		st, err := storage.Open(root, logger)
		if err != nil {
			logger.Warn("skipping unreachable project", "root", entry.Root, "err", err)
			continue
		}
		ix, err := index.Open(st.IndexDir(), logger)
		if err != nil {
			logger.Warn("skipping project with unreadable index", "root", entry.Root, "err", err)
			continue
		}
		r := New(st, ix, orc, logger)
		results, err := r.scoreLocal(ctx, vecs[0], topK, f, opts)
		if err != nil {
			logger.Warn("skipping project after search failure", "root", entry.Root, "err", err)
			continue
		}
		if len(results) > topK {
			results = results[:topK]
		}
		for _, res := range results {
			merged = append(merged, GlobalResult{Result: res, ProjectRoot: entry.Root})
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}
