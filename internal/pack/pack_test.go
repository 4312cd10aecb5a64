package pack

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/oracle"
	"github.com/membank/membank/internal/state"
	"github.com/membank/membank/internal/storage"
)

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

func addSession(t *testing.T, st *storage.Store, texts ...string) string {
	t.Helper()
	meta, err := st.CreateSession(storage.CreateSessionParams{
		Command: []string{"claude"}, Source: model.SessionImport, StartedAt: 1000,
	})
	require.NoError(t, err)
	chunks := make([]model.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = model.Chunk{
			SessionID:  meta.ID,
			Index:      i,
			SourceType: model.SourceSession,
			Text:       text,
			TokenCount: model.TokenCount(text),
			Quality:    model.QualityScore(text),
			StartTS:    float64(1000 + i),
			EndTS:      float64(1000 + i),
		}
	}
	require.NoError(t, st.WriteChunks(meta.ID, chunks))
	return meta.ID
}

const stateReply = `{"summary":"A local-first session memory tool.","decisions":[],"constraints":[],"active_tasks":[],"recent_topics":[]}`

func assembler(t *testing.T, st *storage.Store, replies ...string) *Assembler {
	t.Helper()
	fake := oracle.NewFake(8)
	if len(replies) > 0 {
		fake.ChatReplies = replies
	} else {
		fake.ChatReplies = []string{stateReply}
	}
	return New(st, state.New(st, fake, testLogger()), testLogger())
}

func TestParseModeAndFormat(t *testing.T) {
	for _, s := range []string{"auto", "debug", "build", "explore"} {
		_, err := ParseMode(s)
		assert.NoError(t, err)
	}
	_, err := ParseMode("turbo")
	assert.ErrorIs(t, err, ErrInvalidMode)

	for _, s := range []string{"xml", "json", "md"} {
		_, err := ParseFormat(s)
		assert.NoError(t, err)
	}
	_, err = ParseFormat("yaml")
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestProfileNormalization(t *testing.T) {
	p := Profile{ProjectState: 2, Decisions: 2, ActiveTasks: 2, Plans: 2, RecentContext: 2}.normalized()
	assert.InDelta(t, 0.2, p.ProjectState, 1e-9)
	assert.InDelta(t, 1.0, p.ProjectState+p.Decisions+p.ActiveTasks+p.Plans+p.RecentContext, 1e-9)

	// Zero profile falls back to the auto defaults.
	zero := Profile{}.normalized()
	assert.Equal(t, defaultProfiles[ModeAuto], zero)
}

func TestResolveProfileConfigOverride(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.PackModes = map[string]map[string]float64{
		"debug": {"recent_context": 0.9, "project_state": 0.1},
	}
	p := ResolveProfile(cfg, ModeDebug)
	assert.Greater(t, p.RecentContext, 0.7)
	total := p.ProjectState + p.Decisions + p.ActiveTasks + p.Plans + p.RecentContext
	assert.InDelta(t, 1.0, total, 1e-9)
}

func TestBuildRejectsBadInput(t *testing.T) {
	st := testStore(t)
	a := assembler(t, st)
	_, err := a.Build(context.Background(), Request{Budget: 0, Mode: ModeAuto, Format: FormatXML})
	assert.ErrorIs(t, err, ErrInvalidBudget)
	_, err = a.Build(context.Background(), Request{Budget: -5, Mode: ModeAuto, Format: FormatXML})
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestBuildMinimalStoreWithinBudget(t *testing.T) {
	st := testStore(t)
	addSession(t, st, "We set up the project and wrote the first parser draft.")

	a := assembler(t, st)
	out, err := a.Build(context.Background(), Request{Budget: 500, Mode: ModeAuto, Format: FormatXML})
	require.NoError(t, err)

	assert.Contains(t, out, "<context-pack")
	assert.Contains(t, out, "<project-state")
	assert.Contains(t, out, "<instructions>")
	// No artifacts in the store: those sections are omitted, not empty.
	assert.NotContains(t, out, "<active-tasks")
	assert.NotContains(t, out, "<plans")
	assert.LessOrEqual(t, model.TokenCount(out), 500)
}

func TestBuildIncludesRecentContext(t *testing.T) {
	st := testStore(t)
	sid := addSession(t, st, "Implemented the vector index build path with flush batching today.")

	a := assembler(t, st)
	out, err := a.Build(context.Background(), Request{Budget: 2000, Mode: ModeBuild, Format: FormatXML})
	require.NoError(t, err)
	assert.Contains(t, out, "<recent-context")
	assert.Contains(t, out, sid, "items must carry their session id")
	assert.Contains(t, out, `source-type="session"`)
}

func TestBuildArtifactSections(t *testing.T) {
	st := testStore(t)
	addSession(t, st, "General session content about the build.")
	require.NoError(t, st.AppendArtifactChunks([]model.Chunk{
		{
			SessionID: "agent-1", Index: 0, SourceType: model.SourceTodo,
			Text: "[TODO] pending: wire the retriever", TokenCount: 9, Quality: 0.9,
			StartTS: 2000, EndTS: 2000, ArtifactID: "agent-1",
		},
		{
			SessionID: "plan-migration", Index: 0, SourceType: model.SourcePlan,
			Text: "[PLAN: migration] ## Phase One\nmove the data", TokenCount: 12, Quality: 0.9,
			StartTS: 2100, EndTS: 2100, ArtifactID: "migration",
		},
	}))

	a := assembler(t, st)
	out, err := a.Build(context.Background(), Request{Budget: 4000, Mode: ModeBuild, Format: FormatXML})
	require.NoError(t, err)
	assert.Contains(t, out, "<active-tasks")
	assert.Contains(t, out, "<plans")
	assert.Contains(t, out, "wire the retriever")
	assert.Contains(t, out, "[PLAN: migration]")
}

func TestBuildTightBudgetKeepsProtectedSections(t *testing.T) {
	st := testStore(t)
	addSession(t, st,
		"First long excerpt about the ingestion pipeline and its sanitizer states machine behavior.",
		"Second long excerpt about the vector index and the memory mapped flat scan design choices.",
		"Third long excerpt about retrieval scoring with temporal decay and source type boosts applied.",
	)

	a := assembler(t, st)
	out, err := a.Build(context.Background(), Request{Budget: 120, Mode: ModeDebug, Format: FormatXML})
	require.NoError(t, err)
	assert.Contains(t, out, "<project-state")
	assert.Contains(t, out, "<instructions>")
	assert.Contains(t, out, "A local-first session memory tool.")
}

func TestBuildJSONAndMarkdown(t *testing.T) {
	st := testStore(t)
	addSession(t, st, "Wrote the renderers for all three output formats this session.")

	a := assembler(t, st)
	jsonOut, err := a.Build(context.Background(), Request{Budget: 2000, Mode: ModeExplore, Format: FormatJSON})
	require.NoError(t, err)
	var doc Document
	require.NoError(t, json.Unmarshal([]byte(jsonOut), &doc))
	assert.Equal(t, ModeExplore, doc.Mode)
	assert.Equal(t, "A local-first session memory tool.", doc.Summary)
	assert.NotEmpty(t, doc.Instructions)

	mdOut, err := a.Build(context.Background(), Request{Budget: 2000, Mode: ModeExplore, Format: FormatMarkdown})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(mdOut, "# Context Pack"))
	assert.Contains(t, mdOut, "## Project State")
	assert.Contains(t, mdOut, "## Instructions")
}

func TestInferModeFromLatestEpisode(t *testing.T) {
	st := testStore(t)
	meta, err := st.CreateSession(storage.CreateSessionParams{
		Command: []string{"pytest", "-v"}, Source: model.SessionPTY, StartedAt: 5000,
	})
	require.NoError(t, err)
	require.NoError(t, st.WriteChunks(meta.ID, []model.Chunk{{
		SessionID: meta.ID, Index: 0, SourceType: model.SourceSession,
		Text: "collected 12 items", TokenCount: 5, Quality: 0.9, StartTS: 5000, EndTS: 5000,
	}}))

	// test episode maps to build mode.
	assert.Equal(t, ModeBuild, InferMode(st))
}

func TestInferModeEmptyStore(t *testing.T) {
	st := testStore(t)
	assert.Equal(t, ModeAuto, InferMode(st))
}

func TestRenderXMLEscapes(t *testing.T) {
	doc := Document{
		Mode: ModeAuto, Budget: 100, GeneratedAt: "2024-01-01T00:00:00Z",
		Summary:      `uses <xml> & "quotes"`,
		Instructions: "footer",
	}
	out, err := Render(doc, FormatXML)
	require.NoError(t, err)
	assert.Contains(t, out, "uses &lt;xml&gt; &amp; &quot;quotes&quot;")
}

func TestRenderElementOrder(t *testing.T) {
	doc := Document{
		Mode: ModeAuto, Budget: 100, GeneratedAt: "2024-01-01T00:00:00Z",
		Summary:      "s",
		Decisions:    []model.Decision{{ID: "D1", Statement: "x"}},
		Constraints:  []string{"c"},
		ActiveTasks:  []TaskEntry{{ID: "T1", Status: "pending", SourceType: "state"}},
		Plans:        []Excerpt{{ID: "p", SourceType: "plan", Session: "plan-p", Text: "plan body"}},
		Recent:       []Excerpt{{ID: "r", SourceType: "session", Session: "s1", Text: "recent body"}},
		Instructions: "footer",
	}
	out, err := Render(doc, FormatXML)
	require.NoError(t, err)

	order := []string{"<project-state", "<decisions", "<constraints", "<active-tasks", "<plans", "<recent-context", "<instructions"}
	last := -1
	for _, tag := range order {
		idx := strings.Index(out, tag)
		require.GreaterOrEqual(t, idx, 0, "missing %s", tag)
		assert.Greater(t, idx, last, "%s out of order", tag)
		last = idx
	}
}
