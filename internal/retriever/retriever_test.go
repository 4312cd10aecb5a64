package retriever

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/index"
	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/oracle"
	"github.com/membank/membank/internal/storage"
)

const testDim = 32

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	t.Setenv("MEMBANK_REGISTRY", filepath.Join(t.TempDir(), "projects.json"))
	root := filepath.Join(t.TempDir(), storage.DirName)
	_, st, err := storage.Init(root, testLogger())
	require.NoError(t, err)
	return st
}

type chunkSpec struct {
	text       string
	startTS    float64
	sourceType model.SourceType
	command    []string
	source     model.SessionSource
}

func addChunkSession(t *testing.T, st *storage.Store, spec chunkSpec) string {
	t.Helper()
	source := spec.source
	if source == "" {
		source = model.SessionImport
	}
	command := spec.command
	if command == nil {
		command = []string{"claude"}
	}
	meta, err := st.CreateSession(storage.CreateSessionParams{
		Command: command, Source: source, StartedAt: spec.startTS,
	})
	require.NoError(t, err)
	srcType := spec.sourceType
	if srcType == "" {
		srcType = model.SourceSession
	}
	chunk := model.Chunk{
		SessionID:  meta.ID,
		Index:      0,
		SourceType: srcType,
		Text:       spec.text,
		TokenCount: model.TokenCount(spec.text),
		Quality:    model.QualityScore(spec.text),
		StartTS:    spec.startTS,
		EndTS:      spec.startTS,
	}
	require.NoError(t, st.WriteChunks(meta.ID, []model.Chunk{chunk}))
	return meta.ID
}

func builtRetriever(t *testing.T, st *storage.Store, fake *oracle.Fake) *Retriever {
	t.Helper()
	ix, err := index.Open(st.IndexDir(), testLogger())
	require.NoError(t, err)
	_, err = ix.Build(context.Background(), st, fake)
	require.NoError(t, err)
	return New(st, ix, fake, testLogger())
}

func TestDecayFactor(t *testing.T) {
	const day = 86400.0
	// 28 days at a 14-day half-life loses factor 0.25.
	assert.InDelta(t, 0.25, DecayFactor(28*day, 14), 1e-9)
	assert.InDelta(t, 0.5, DecayFactor(14*day, 14), 1e-9)
	assert.Equal(t, 1.0, DecayFactor(0, 14))
	assert.Equal(t, 1.0, DecayFactor(-5*day, 14))
	assert.Equal(t, 1.0, DecayFactor(100*day, 0))
}

func TestRetrieveRanksBySimilarity(t *testing.T) {
	st := testStore(t)
	now := 1_700_000_000.0
	addChunkSession(t, st, chunkSpec{text: "parser grammar tokens", startTS: now})
	addChunkSession(t, st, chunkSpec{text: "database migration schema", startTS: now})

	fake := oracle.NewFake(testDim)
	r := builtRetriever(t, st, fake)

	results, err := r.Retrieve(context.Background(), "parser tokens", 2, Filters{}, Options{Now: now})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, results[0].Chunk.Text, "parser")
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestDecayMonotone(t *testing.T) {
	st := testStore(t)
	now := 1_700_000_000.0
	const day = 86400.0
	// Identical text, thirty days apart.
	freshID := addChunkSession(t, st, chunkSpec{text: "identical content here", startTS: now})
	addChunkSession(t, st, chunkSpec{text: "identical content here", startTS: now - 30*day})

	fake := oracle.NewFake(testDim)
	r := builtRetriever(t, st, fake)

	results, err := r.Retrieve(context.Background(), "identical content", 2, Filters{},
		Options{Decay: true, HalfLifeDays: 14, Now: now})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, freshID, results[0].Chunk.SessionID, "today's chunk must outrank the month-old one")
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestDecayOffPureCosine(t *testing.T) {
	st := testStore(t)
	now := 1_700_000_000.0
	const day = 86400.0
	addChunkSession(t, st, chunkSpec{text: "identical content here", startTS: now})
	addChunkSession(t, st, chunkSpec{text: "identical content here", startTS: now - 28*day})

	fake := oracle.NewFake(testDim)
	r := builtRetriever(t, st, fake)

	on, err := r.Retrieve(context.Background(), "identical content", 2, Filters{},
		Options{Decay: true, HalfLifeDays: 14, Now: now})
	require.NoError(t, err)
	off, err := r.Retrieve(context.Background(), "identical content", 2, Filters{}, Options{Now: now})
	require.NoError(t, err)

	// With decay on, the old chunk scores 0.25x the fresh one; with
	// decay off both rank purely by cosine and tie.
	assert.InDelta(t, on[1].Score, on[0].Score*0.25, 1e-6)
	assert.InDelta(t, off[0].Score, off[1].Score, 1e-6)
}

func TestZeroTimestampSkipsDecay(t *testing.T) {
	st := testStore(t)
	addChunkSession(t, st, chunkSpec{text: "imported without timestamps", startTS: 0})

	fake := oracle.NewFake(testDim)
	r := builtRetriever(t, st, fake)

	results, err := r.Retrieve(context.Background(), "imported timestamps", 1, Filters{},
		Options{Decay: true, HalfLifeDays: 14, Now: 1_700_000_000})
	require.NoError(t, err)
	require.Len(t, results, 1)
	// No decay multiplier applied: the raw cosine survives.
	assert.Greater(t, results[0].Score, 0.5)
}

func TestSourceTypeFilterAndBoost(t *testing.T) {
	st := testStore(t)
	now := 1_700_000_000.0
	addChunkSession(t, st, chunkSpec{text: "shared words everywhere", startTS: now})
	addChunkSession(t, st, chunkSpec{text: "shared words everywhere", startTS: now, sourceType: model.SourcePlan})

	fake := oracle.NewFake(testDim)
	r := builtRetriever(t, st, fake)

	only, err := r.Retrieve(context.Background(), "shared words", 5,
		Filters{SourceTypes: []model.SourceType{model.SourcePlan}}, Options{Now: now})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, model.SourcePlan, only[0].Chunk.SourceType)

	boosted, err := r.Retrieve(context.Background(), "shared words", 2, Filters{},
		Options{Now: now, Boosts: map[model.SourceType]float64{model.SourcePlan: 2.0}})
	require.NoError(t, err)
	require.Len(t, boosted, 2)
	assert.Equal(t, model.SourcePlan, boosted[0].Chunk.SourceType)
}

func TestSessionFilter(t *testing.T) {
	st := testStore(t)
	now := 1_700_000_000.0
	keep := addChunkSession(t, st, chunkSpec{text: "same content", startTS: now})
	addChunkSession(t, st, chunkSpec{text: "same content", startTS: now})

	fake := oracle.NewFake(testDim)
	r := builtRetriever(t, st, fake)

	results, err := r.Retrieve(context.Background(), "same content", 5,
		Filters{SessionIDs: []string{keep}}, Options{Now: now})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keep, results[0].Chunk.SessionID)
}

func TestRerankReorders(t *testing.T) {
	st := testStore(t)
	now := 1_700_000_000.0
	addChunkSession(t, st, chunkSpec{text: "first candidate text", startTS: now})
	addChunkSession(t, st, chunkSpec{text: "second candidate text", startTS: now})

	fake := oracle.NewFake(testDim)
	fake.ChatReplies = []string{`{"scores": [2, 9]}`}
	r := builtRetriever(t, st, fake)

	results, err := r.Retrieve(context.Background(), "candidate text", 2, Filters{},
		Options{Now: now, Rerank: true})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 0.9, results[0].Score, 1e-9)
	assert.InDelta(t, 0.2, results[1].Score, 1e-9)
}

func TestRerankFallsBackOnBadReply(t *testing.T) {
	st := testStore(t)
	now := 1_700_000_000.0
	addChunkSession(t, st, chunkSpec{text: "first candidate text", startTS: now})
	addChunkSession(t, st, chunkSpec{text: "second candidate text", startTS: now})

	fake := oracle.NewFake(testDim)
	fake.ChatReplies = []string{`not json`}
	r := builtRetriever(t, st, fake)

	results, err := r.Retrieve(context.Background(), "candidate text", 2, Filters{},
		Options{Now: now, Rerank: true})
	require.NoError(t, err)
	assert.Len(t, results, 2, "rerank failure must fall back, not error")
}

func TestRetrieveAtMostK(t *testing.T) {
	st := testStore(t)
	now := 1_700_000_000.0
	for i := 0; i < 7; i++ {
		addChunkSession(t, st, chunkSpec{text: "common filler content", startTS: now})
	}
	fake := oracle.NewFake(testDim)
	r := builtRetriever(t, st, fake)

	results, err := r.Retrieve(context.Background(), "common filler", 3, Filters{}, Options{Now: now})
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestRecentChunksBoundedAndOrdered(t *testing.T) {
	st := testStore(t)
	for i := 0; i < 10; i++ {
		addChunkSession(t, st, chunkSpec{
			text:    "substantial chunk content for the recency scan here",
			startTS: float64(1000 + i*100),
		})
	}
	opts := DefaultRecencyOptions()
	opts.MaxExcerpts = 4
	chunks, err := RecentChunks(st, opts)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i-1].EndTS, chunks[i].EndTS)
	}
	assert.Equal(t, 1900.0, chunks[0].EndTS)
}

func TestRecentChunksQualityFloor(t *testing.T) {
	st := testStore(t)
	addChunkSession(t, st, chunkSpec{text: "........ ----- ++++ ~~~~~ ///// (((((( ))))))", startTS: 100})
	addChunkSession(t, st, chunkSpec{text: "meaningful words about the build pipeline today", startTS: 50})

	chunks, err := RecentChunks(st, DefaultRecencyOptions())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Text, "meaningful")
}
