package oracle

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// Fake is a deterministic in-process oracle for tests. Embeddings are
// bag-of-words hash projections, so texts sharing words land near each
// other under cosine similarity; chat replies are scripted.
type Fake struct {
	Dim int

	mu          sync.Mutex
	ChatReplies []string
	chatCalls   int
	EmbedCalls  int
	// Err, when set, is returned from every call.
	Err error
}

// NewFake returns a Fake with the given vector dimension.
func NewFake(dim int) *Fake {
	return &Fake{Dim: dim, ChatReplies: []string{"{}"}}
}

func (f *Fake) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.EmbedCalls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *Fake) Chat(ctx context.Context, req ChatRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reply := f.ChatReplies[min(f.chatCalls, len(f.ChatReplies)-1)]
	f.chatCalls++
	return reply, nil
}

// vector projects each word into a hash bucket; the result is L2
// normalized so identical word bags compare at similarity 1.
func (f *Fake) vector(text string) []float32 {
	v := make([]float32, f.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(f.Dim)] += 1
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v
}
