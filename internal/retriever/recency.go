package retriever

import (
	"container/heap"
	"sort"
	"strings"

	"github.com/membank/membank/internal/episode"
	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/storage"
)

// RecencyOptions filters the recency scan.
type RecencyOptions struct {
	MinQuality  float64
	MinLength   int
	MaxExcerpts int
	// Episode, when set, restricts to sessions with that label.
	Episode episode.Type
}

// DefaultRecencyOptions matches the pack assembler's excerpt policy.
func DefaultRecencyOptions() RecencyOptions {
	return RecencyOptions{MinQuality: 0.30, MinLength: 30, MaxExcerpts: 200}
}

// RecentChunks streams every chunk in the store through a bounded
// min-heap keyed by end timestamp, returning the newest ones first
// without materializing the full chunk set.
func RecentChunks(st *storage.Store, opts RecencyOptions) ([]model.Chunk, error) {
	if opts.MaxExcerpts <= 0 {
		opts.MaxExcerpts = 200
	}

	var allowed map[string]bool
	if opts.Episode != "" {
		allowed = map[string]bool{}
		metas, err := st.ListSessions()
		if err != nil {
			return nil, err
		}
		for _, meta := range metas {
			chunks, err := st.ReadChunks(meta.ID)
			if err != nil {
				continue
			}
			if episode.Classify(meta, chunks) == opts.Episode {
				allowed[meta.ID] = true
			}
		}
	}

	h := &recencyHeap{}
	heap.Init(h)
	err := st.IterAllChunks(func(c model.Chunk) error {
		if len(strings.TrimSpace(c.Text)) < opts.MinLength {
			return nil
		}
		q := c.Quality
		if q == 0 {
			q = model.QualityScore(c.Text)
		}
		if q < opts.MinQuality {
			return nil
		}
		if allowed != nil && !allowed[c.SessionID] {
			return nil
		}
		if h.Len() < opts.MaxExcerpts {
			heap.Push(h, c)
		} else if c.EndTS > (*h)[0].EndTS {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.Chunk, h.Len())
	copy(out, *h)
	sort.Slice(out, func(i, j int) bool { return out[i].EndTS > out[j].EndTS })
	return out, nil
}

type recencyHeap []model.Chunk

func (h recencyHeap) Len() int           { return len(h) }
func (h recencyHeap) Less(i, j int) bool { return h[i].EndTS < h[j].EndTS }
func (h recencyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *recencyHeap) Push(x any)        { *h = append(*h, x.(model.Chunk)) }
func (h *recencyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
