package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/transcript"
)

// paragraphsOfTokens builds text of roughly n tokens (n*4 chars) made of
// sentence-filled paragraphs.
func paragraphsOfTokens(n int) string {
	sentence := "The quick brown fox jumps over the lazy dog near the riverbank today. " // 71 chars
	var b strings.Builder
	for b.Len() < n*4 {
		b.WriteString(sentence)
		b.WriteString(sentence)
		b.WriteString(sentence)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func TestFromTurnsSingleSmallTurn(t *testing.T) {
	turns := []transcript.Turn{{Role: "user", Text: "Short question.", Timestamp: 100}}
	chunks := FromTurns("s1", turns, DefaultOptions())
	require.Len(t, chunks, 1)
	assert.Equal(t, "User: Short question.", chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, model.SourceSession, chunks[0].SourceType)
	assert.Equal(t, model.RoleUser, chunks[0].SpeakerRole)
	assert.Equal(t, 100.0, chunks[0].StartTS)
	assert.Equal(t, 100.0, chunks[0].EndTS)
}

func TestFromTurnsTwoTurnsWithOverlap(t *testing.T) {
	// 200-token turn and 400-token turn under max 512 / overlap 50
	// produce exactly two chunks: the first ends inside the second
	// turn, the second starts with the first chunk's overlap tail.
	turns := []transcript.Turn{
		{Role: "user", Text: paragraphsOfTokens(200), Timestamp: 100},
		{Role: "assistant", Text: paragraphsOfTokens(400), Timestamp: 200},
	}
	opts := Options{MaxTokens: 512, OverlapTokens: 50}
	chunks := FromTurns("s1", turns, opts)

	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Text, "User: ")
	assert.Contains(t, chunks[0].Text, "Assistant: ", "chunk 0 should extend into the second turn")
	for _, c := range chunks {
		assert.LessOrEqual(t, c.TokenCount, opts.MaxTokens)
	}

	// Chunk 1 begins with text drawn from chunk 0's tail.
	head := chunks[1].Text[:80]
	assert.True(t, strings.Contains(chunks[0].Text, head),
		"chunk 1 should start with overlap from chunk 0")
	assert.Equal(t, model.RoleMixed, chunks[0].SpeakerRole)
}

func TestFromTurnsOversizedTurnIsSplit(t *testing.T) {
	turns := []transcript.Turn{{Role: "assistant", Text: paragraphsOfTokens(1200), Timestamp: 1}}
	opts := Options{MaxTokens: 256, OverlapTokens: 20}
	chunks := FromTurns("s1", turns, opts)

	require.Greater(t, len(chunks), 2)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, c.TokenCount, opts.MaxTokens)
	}
}

func TestFromTurnsContiguousIndices(t *testing.T) {
	var turns []transcript.Turn
	for i := 0; i < 10; i++ {
		turns = append(turns, transcript.Turn{Role: "user", Text: paragraphsOfTokens(120), Timestamp: float64(i)})
	}
	chunks := FromTurns("s1", turns, Options{MaxTokens: 128, OverlapTokens: 10})
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, "s1", c.SessionID)
	}
}

func TestFromTurnsDeterministic(t *testing.T) {
	turns := []transcript.Turn{
		{Role: "user", Text: paragraphsOfTokens(300), Timestamp: 10},
		{Role: "assistant", Text: paragraphsOfTokens(500), Timestamp: 20},
	}
	a := FromTurns("s1", turns, DefaultOptions())
	b := FromTurns("s1", turns, DefaultOptions())
	assert.Equal(t, a, b)
}

func TestFromTurnsQualityScored(t *testing.T) {
	turns := []transcript.Turn{{Role: "user", Text: "Implement the parser module now.", Timestamp: 1}}
	chunks := FromTurns("s1", turns, DefaultOptions())
	require.Len(t, chunks, 1)
	assert.Greater(t, chunks[0].Quality, 0.8)
	assert.Equal(t, model.TokenCount(chunks[0].Text), chunks[0].TokenCount)
}

func TestFromEventsEpisodeGap(t *testing.T) {
	events := []model.Event{
		{TS: 100, Stream: "out", Text: "building target one and linking objects"},
		{TS: 105, Stream: "out", Text: "compilation finished without warnings"},
		// 30s idle gap starts a new episode.
		{TS: 200, Stream: "out", Text: "running test suite for the parser"},
	}
	chunks := FromEvents("s1", events, DefaultOptions())
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Text, "building")
	assert.Contains(t, chunks[0].Text, "compilation")
	assert.Contains(t, chunks[1].Text, "test suite")
	assert.Equal(t, 100.0, chunks[0].StartTS)
	assert.Equal(t, 200.0, chunks[1].StartTS)
}

func TestFromEventsFormFeedSplits(t *testing.T) {
	events := []model.Event{
		{TS: 10, Stream: "out", Text: "first screen of output\x0csecond screen of output"},
	}
	chunks := FromEvents("s1", events, DefaultOptions())
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Text, "first screen")
	assert.Contains(t, chunks[1].Text, "second screen")
}

func TestFromEventsSanitizes(t *testing.T) {
	events := []model.Event{
		{TS: 10, Stream: "out", Text: "\x1B[32mgreen output\x1B[0m\r\nnext line"},
	}
	chunks := FromEvents("s1", events, DefaultOptions())
	require.Len(t, chunks, 1)
	assert.NotContains(t, chunks[0].Text, "\x1B")
	assert.Contains(t, chunks[0].Text, "green output")
	assert.Contains(t, chunks[0].Text, "next line")
}

func TestFromTodoList(t *testing.T) {
	list := TodoList{
		AgentSessionID: "abc",
		Mtime:          42,
		Items: []TodoItem{
			{Content: "write tests", Status: "pending", Priority: "high"},
			{Content: "ship", Status: "completed"},
		},
	}
	chunks := FromTodoList(list)
	require.Len(t, chunks, 1)
	assert.Equal(t, model.SourceTodo, chunks[0].SourceType)
	assert.Contains(t, chunks[0].Text, "[TODO] pending (high): write tests")
	assert.Contains(t, chunks[0].Text, "[TODO] completed: ship")
	assert.Equal(t, 42.0, chunks[0].StartTS)

	assert.Empty(t, FromTodoList(TodoList{AgentSessionID: "x"}))
}

func TestFromPlanSplitsOnHeadings(t *testing.T) {
	content := "intro text\n\n## Phase One\ndo the thing\n\n## Phase Two\ndo the other thing\n"
	chunks := FromPlan("migration", content, 99)
	require.Len(t, chunks, 3)
	assert.Contains(t, chunks[0].Text, "[PLAN: migration]")
	assert.Contains(t, chunks[1].Text, "## Phase One")
	assert.Contains(t, chunks[2].Text, "## Phase Two")
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, model.SourcePlan, c.SourceType)
		assert.Equal(t, "migration", c.ArtifactID)
	}
}

func TestFromTask(t *testing.T) {
	task := TaskItem{
		ID:             "7",
		AgentSessionID: "sess",
		Subject:        "Fix the race",
		Description:    "Two writers touch the same log.",
		Status:         "in_progress",
		BlockedBy:      []string{"3"},
	}
	c := FromTask(task, 55)
	assert.Equal(t, model.SourceTask, c.SourceType)
	assert.Equal(t, 7, c.Index)
	assert.Contains(t, c.Text, "[TASK] Fix the race (in_progress)")
	assert.Contains(t, c.Text, "Blocked by: 3")
	assert.Equal(t, "sess/7", c.ArtifactID)
}
