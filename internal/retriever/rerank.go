package retriever

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/membank/membank/internal/oracle"
)

const rerankSystemPrompt = "You are a relevance judge. Given a search query and a list of " +
	"text snippets, rate each snippet's relevance to the query on a scale of 0 to 10. " +
	"0 = completely irrelevant, 10 = perfectly relevant. " +
	"Respond ONLY with JSON: {\"scores\": [<int>, ...]} with exactly one integer per snippet, in order."

// rerank asks the chat oracle to re-score candidates and returns the
// reordered top-K. Any failure falls back to the unreranked head.
func (r *Retriever) rerank(ctx context.Context, query string, candidates []Result, topK int) []Result {
	fallback := candidates
	if len(fallback) > topK {
		fallback = fallback[:topK]
	}
	if len(candidates) == 0 {
		return nil
	}

	reply, err := r.oracle.Chat(ctx, oracle.ChatRequest{
		System: rerankSystemPrompt,
		User:   rerankPrompt(query, candidates),
		JSON:   true,
	})
	if err != nil {
		r.logger.Warn("rerank failed, keeping vector order", "err", err)
		return fallback
	}

	scores, err := parseRerankScores(reply, len(candidates))
	if err != nil {
		r.logger.Warn("rerank reply unusable, keeping vector order", "err", err)
		return fallback
	}

	reranked := make([]Result, len(candidates))
	for i, c := range candidates {
		reranked[i] = Result{Chunk: c.Chunk, Score: scores[i]}
	}
	sort.SliceStable(reranked, func(i, j int) bool { return reranked[i].Score > reranked[j].Score })
	if len(reranked) > topK {
		reranked = reranked[:topK]
	}
	return reranked
}

func rerankPrompt(query string, candidates []Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nSnippets:\n", query)
	for i, c := range candidates {
		snippet := c.Chunk.Text
		if len(snippet) > 300 {
			snippet = snippet[:300]
		}
		fmt.Fprintf(&b, "[%d] %s\n", i, strings.ReplaceAll(snippet, "\n", " "))
	}
	return b.String()
}

// parseRerankScores normalizes the 0–10 integer scores to [0, 1].
func parseRerankScores(reply string, want int) ([]float64, error) {
	var parsed struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return nil, fmt.Errorf("parse scores: %w", err)
	}
	if len(parsed.Scores) != want {
		return nil, fmt.Errorf("expected %d scores, got %d", want, len(parsed.Scores))
	}
	out := make([]float64, want)
	for i, s := range parsed.Scores {
		if s < 0 {
			s = 0
		}
		if s > 10 {
			s = 10
		}
		out[i] = s / 10
	}
	return out, nil
}
