// Package state generates and caches the LLM-produced project state,
// invalidated by a fingerprint of the chunk set.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/oracle"
	"github.com/membank/membank/internal/storage"
)

const (
	// maxSampleChunks bounds how many chunks feed one summarization.
	maxSampleChunks = 120
	// sampleWeightFloor keeps zero-quality chunks drawable.
	sampleWeightFloor = 0.05
	// fingerprintTail is how many trailing chunk keys the digest covers.
	fingerprintTail = 32
)

const systemPrompt = `You are a project analyst. Given excerpts of developer sessions with an LLM assistant, produce a structured JSON summary with these exact fields:
- "summary": a 2-3 sentence overview of the project and its current state.
- "decisions": a list of key decisions, each with "id" (D1, D2, ...), "statement", and "rationale".
- "constraints": a list of identified constraints (strings).
- "active_tasks": a list of active tasks, each with "id" (T1, T2, ...), "subject", and "status" (pending, in_progress, or done).
- "recent_topics": a list of short topic phrases (strings).
Output ONLY valid JSON, no markdown, no explanations.`

// Generator produces project states for one store.
type Generator struct {
	store  *storage.Store
	oracle oracle.Oracle
	logger *slog.Logger
}

// New assembles a generator.
func New(st *storage.Store, orc oracle.Oracle, logger *slog.Logger) *Generator {
	return &Generator{store: st, oracle: orc, logger: logger}
}

// Fingerprint digests the current chunk set: total count, newest start
// timestamp, and a hash of the last 32 chunk keys in iteration order.
func (g *Generator) Fingerprint() (model.Fingerprint, error) {
	var (
		count    int
		maxStart float64
		tail     []string
	)
	err := g.store.IterAllChunks(func(c model.Chunk) error {
		count++
		if c.StartTS > maxStart {
			maxStart = c.StartTS
		}
		tail = append(tail, c.Key().String())
		if len(tail) > fingerprintTail {
			tail = tail[1:]
		}
		return nil
	})
	if err != nil {
		return model.Fingerprint{}, err
	}
	h := fnv.New64a()
	for _, k := range tail {
		h.Write([]byte(k))
		h.Write([]byte{0})
	}
	return model.Fingerprint{
		CountTotal: count,
		MaxStartTS: maxStart,
		TailHash:   fmt.Sprintf("%016x", h.Sum64()),
	}, nil
}

// Current returns a fresh or cached project state. It never fails: an
// oracle error falls back to the cached state if any, else an empty one.
func (g *Generator) Current(ctx context.Context) model.ProjectState {
	fp, err := g.Fingerprint()
	if err != nil {
		g.logger.Warn("fingerprint failed, using cached state", "err", err)
		cached, _ := g.store.LoadProjectState()
		return cached
	}

	if cached, ok := g.store.LoadProjectState(); ok && cached.Fingerprint == fp {
		return cached
	}

	generated, err := g.generate(ctx, fp)
	if err != nil {
		g.logger.Warn("state generation failed, degrading", "err", err)
		if cached, ok := g.store.LoadProjectState(); ok {
			return cached
		}
		return model.ProjectState{Fingerprint: fp}
	}
	if err := g.store.SaveProjectState(generated); err != nil {
		g.logger.Warn("state cache write failed", "err", err)
	}
	return generated
}

func (g *Generator) generate(ctx context.Context, fp model.Fingerprint) (model.ProjectState, error) {
	sample, err := g.sampleChunks()
	if err != nil {
		return model.ProjectState{}, err
	}

	prompt := "(No session data available)"
	if len(sample) > 0 {
		texts := make([]string, len(sample))
		for i, c := range sample {
			texts[i] = c.Text
		}
		prompt = strings.Join(texts, "\n\n")
	}

	reply, err := g.oracle.Chat(ctx, oracle.ChatRequest{System: systemPrompt, User: prompt, JSON: true})
	if err != nil {
		return model.ProjectState{}, err
	}

	var state model.ProjectState
	if err := json.Unmarshal([]byte(reply), &state); err != nil {
		// A non-JSON reply still makes a usable summary.
		state = model.ProjectState{Summary: strings.TrimSpace(reply)}
	}
	state.GeneratedAt = float64(time.Now().Unix())
	state.Fingerprint = fp
	return state, nil
}

// sampleChunks draws up to 120 chunks, weighted by quality + 0.05, from
// across sessions. Among equal qualities recent chunks win; the draw is
// seeded from the chunk set so repeated runs over unchanged data pick
// the same sample. Low-quality chunks are excluded up front.
func (g *Generator) sampleChunks() ([]model.Chunk, error) {
	var pool []model.Chunk
	err := g.store.IterAllChunks(func(c model.Chunk) error {
		if strings.TrimSpace(c.Text) == "" || c.Quality < model.LowQualityThreshold {
			return nil
		}
		pool = append(pool, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pool) <= maxSampleChunks {
		sortChronological(pool)
		return pool, nil
	}

	// Prefer recent within equal quality by pre-sorting newest first;
	// the weighted draw then scans in that order.
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Quality != pool[j].Quality {
			return pool[i].Quality > pool[j].Quality
		}
		return pool[i].EndTS > pool[j].EndTS
	})

	seed := fnv.New64a()
	for _, c := range pool {
		seed.Write([]byte(c.Key().String()))
	}
	rng := rand.New(rand.NewSource(int64(seed.Sum64())))

	picked := make([]model.Chunk, 0, maxSampleChunks)
	remaining := append([]model.Chunk(nil), pool...)
	for len(picked) < maxSampleChunks && len(remaining) > 0 {
		var total float64
		for _, c := range remaining {
			total += c.Quality + sampleWeightFloor
		}
		target := rng.Float64() * total
		idx := 0
		for i, c := range remaining {
			target -= c.Quality + sampleWeightFloor
			if target <= 0 {
				idx = i
				break
			}
		}
		picked = append(picked, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
	}

	sortChronological(picked)
	return picked, nil
}

func sortChronological(chunks []model.Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].EndTS < chunks[j].EndTS })
}
