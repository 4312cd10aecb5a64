package index

import (
	"container/heap"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sync/errgroup"

	"github.com/membank/membank/internal/model"
)

// Hit is one search result: the metadata record and its cosine score.
type Hit struct {
	Chunk model.Chunk
	Score float64
}

// Search returns the top-k vectors by cosine similarity against query.
// The matrix is memory-mapped read-only for the duration of the call and
// metadata is decoded only for the winning rows.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	scores, err := ix.Scores(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 || k <= 0 {
		return nil, nil
	}

	top := topIndices(scores, k)
	wanted := map[int]float64{}
	for _, i := range top {
		wanted[i] = float64(scores[i])
	}

	hits := make([]Hit, 0, len(wanted))
	err = ix.iterMetadataLines(func(i int, line []byte) error {
		score, ok := wanted[i]
		if !ok {
			return nil
		}
		var c model.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrCorruptMetadata, i, err)
		}
		hits = append(hits, Hit{Chunk: c, Score: score})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// Scores computes the dot product of the normalized query against every
// indexed vector, in row order. The scan is sharded across CPUs.
func (ix *Index) Scores(ctx context.Context, query []float32) ([]float32, error) {
	dim := ix.Dim()
	if dim == 0 {
		return nil, nil
	}
	if len(query) != dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimMismatch, len(query), dim)
	}

	f, err := os.Open(ix.vectorsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open vectors: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	rowBytes := int64(dim) * floatBytes
	n := int(fi.Size() / rowBytes)
	if n == 0 {
		return nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("map vectors: %w", err)
	}
	defer m.Unmap()

	q := normalize(query)
	scores := make([]float32, n)

	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	g, _ := errgroup.WithContext(ctx)
	shard := (n + workers - 1) / workers
	for start := 0; start < n; start += shard {
		start := start
		end := min(start+shard, n)
		g.Go(func() error {
			for row := start; row < end; row++ {
				base := int64(row) * rowBytes
				var dot float32
				for j := 0; j < dim; j++ {
					bits := binary.LittleEndian.Uint32(m[base+int64(j)*floatBytes:])
					dot += math.Float32frombits(bits) * q[j]
				}
				scores[row] = dot
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scores, nil
}

// IterMetadata streams decoded metadata records in row order.
func (ix *Index) IterMetadata(fn func(i int, c model.Chunk) error) error {
	return ix.iterMetadataLines(func(i int, line []byte) error {
		var c model.Chunk
		if err := json.Unmarshal(line, &c); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrCorruptMetadata, i, err)
		}
		return fn(i, c)
	})
}

// scoreHeap is a min-heap over (score, row) pairs.
type scoreHeap []scoredRow

type scoredRow struct {
	score float64
	row   int
}

func (h scoreHeap) Len() int           { return len(h) }
func (h scoreHeap) Less(i, j int) bool { return h[i].score < h[j].score }
func (h scoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x any)        { *h = append(*h, x.(scoredRow)) }

func (h *scoreHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topIndices selects the k highest-scoring rows.
func topIndices(scores []float32, k int) []int {
	h := make(scoreHeap, 0, k)
	heap.Init(&h)
	for row, s := range scores {
		sr := scoredRow{score: float64(s), row: row}
		if len(h) < k {
			heap.Push(&h, sr)
		} else if sr.score > h[0].score {
			h[0] = sr
			heap.Fix(&h, 0)
		}
	}
	out := make([]int, len(h))
	for i, sr := range h {
		out[i] = sr.row
	}
	return out
}
