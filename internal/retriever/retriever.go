// Package retriever layers type filtering, temporal decay, source-type
// boosts, optional LLM reranking, and episode awareness over the raw
// cosine scan.
package retriever

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/membank/membank/internal/episode"
	"github.com/membank/membank/internal/index"
	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/oracle"
	"github.com/membank/membank/internal/storage"
)

// DefaultHalfLifeDays is the decay half-life when the config does not
// override it.
const DefaultHalfLifeDays = 14.0

// Filters restricts the candidate set before top-K selection.
type Filters struct {
	SourceTypes []model.SourceType
	Episode     episode.Type
	SessionIDs  []string
}

// Options tunes the scoring pipeline.
type Options struct {
	Decay        bool
	HalfLifeDays float64
	// Boosts multiplies scores per source type; missing types use 1.0.
	Boosts map[model.SourceType]float64
	Rerank bool
	// Now overrides the decay reference time; zero means time.Now.
	Now float64
}

// Result is one retrieved chunk with its final score.
type Result struct {
	Chunk model.Chunk `json:"chunk"`
	Score float64     `json:"score"`
}

// Retriever executes searches against one store's index.
type Retriever struct {
	store  *storage.Store
	index  *index.Index
	oracle oracle.Oracle
	logger *slog.Logger
}

// New assembles a retriever over an opened store and index.
func New(st *storage.Store, ix *index.Index, orc oracle.Oracle, logger *slog.Logger) *Retriever {
	return &Retriever{store: st, index: ix, oracle: orc, logger: logger}
}

// Retrieve embeds the query and returns at most topK results, sorted by
// score descending. The pipeline order is cosine, decay, boost, filter,
// top-K, then the optional rerank over 3x topK candidates.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, f Filters, opts Options) ([]Result, error) {
	vecs, err := r.oracle.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	candidates, err := r.scoreLocal(ctx, vecs[0], topK, f, opts)
	if err != nil {
		return nil, err
	}
	if opts.Rerank {
		return r.rerank(ctx, query, candidates, topK), nil
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// scoreLocal runs the scoring pipeline over this store's index and
// returns up to 3x topK survivors, best first.
func (r *Retriever) scoreLocal(ctx context.Context, query []float32, topK int, f Filters, opts Options) ([]Result, error) {
	scores, err := r.index.Scores(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 {
		return nil, nil
	}

	keep := r.buildFilter(f)
	now := opts.Now
	if now == 0 {
		now = float64(time.Now().Unix())
	}
	halfLife := opts.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultHalfLifeDays
	}

	limit := 3 * topK
	if limit < topK {
		limit = topK
	}
	h := &resultHeap{}
	heap.Init(h)

	err = r.index.IterMetadata(func(i int, c model.Chunk) error {
		if i >= len(scores) {
			return nil
		}
		score := float64(scores[i])
		if opts.Decay && c.StartTS > 0 {
			score *= DecayFactor(now-c.StartTS, halfLife)
		}
		if boost, ok := opts.Boosts[c.SourceType]; ok {
			score *= boost
		}
		if !keep(c) {
			return nil
		}
		res := Result{Chunk: c, Score: score}
		if h.Len() < limit {
			heap.Push(h, res)
		} else if score > (*h)[0].Score {
			(*h)[0] = res
			heap.Fix(h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Result, h.Len())
	copy(out, *h)
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// buildFilter compiles the filter set into one predicate. The episode
// filter pre-classifies sessions so scoring only sees matching ones.
func (r *Retriever) buildFilter(f Filters) func(model.Chunk) bool {
	var types map[model.SourceType]bool
	if len(f.SourceTypes) > 0 {
		types = map[model.SourceType]bool{}
		for _, t := range f.SourceTypes {
			types[t] = true
		}
	}
	var sessions map[string]bool
	if len(f.SessionIDs) > 0 {
		sessions = map[string]bool{}
		for _, id := range f.SessionIDs {
			sessions[id] = true
		}
	}
	episodeSessions := r.episodeSessions(f.Episode)

	return func(c model.Chunk) bool {
		if types != nil && !types[c.SourceType] {
			return false
		}
		if sessions != nil && !sessions[c.SessionID] {
			return false
		}
		if episodeSessions != nil && !episodeSessions[c.SessionID] {
			return false
		}
		return true
	}
}

// episodeSessions returns the ids of sessions matching the requested
// episode, or nil when no episode filter is set.
func (r *Retriever) episodeSessions(want episode.Type) map[string]bool {
	if want == "" {
		return nil
	}
	matching := map[string]bool{}
	metas, err := r.store.ListSessions()
	if err != nil {
		r.logger.Warn("episode filter: listing sessions failed", "err", err)
		return matching
	}
	for _, meta := range metas {
		chunks, err := r.store.ReadChunks(meta.ID)
		if err != nil {
			continue
		}
		if episode.Classify(meta, chunks) == want {
			matching[meta.ID] = true
		}
	}
	return matching
}

// DecayFactor returns 2^(-ageSeconds/halfLifeDays in days), clamped so
// future timestamps do not inflate scores.
func DecayFactor(ageSeconds, halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 1
	}
	ageDays := ageSeconds / 86400
	if ageDays <= 0 {
		return 1
	}
	return math.Exp2(-ageDays / halfLifeDays)
}

// resultHeap is a min-heap by score, used to bound candidate sets.
type resultHeap []Result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
