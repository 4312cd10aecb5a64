package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestExtractTurnsBasic(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"How do I add a flag?"},"timestamp":"2024-05-01T10:00:00Z"}`,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"Use the flag package."}]},"timestamp":"2024-05-01T10:00:05Z"}`,
	)
	turns, err := ExtractTurns(path)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "How do I add a flag?", turns[0].Text)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "Use the flag package.", turns[1].Text)
	assert.Greater(t, turns[1].Timestamp, turns[0].Timestamp)
}

func TestExtractTurnsSkipsToolAndThinking(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"run the tests"},"timestamp":"2024-05-01T10:00:00Z"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","text":"ignored"},{"type":"thinking","text":"hmm"},{"type":"text","text":"Running."}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","text":"PASS"}]}}`,
	)
	turns, err := ExtractTurns(path)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Running.", turns[1].Text)
	// Timestamp inherited from the last seen record.
	assert.Equal(t, turns[0].Timestamp, turns[1].Timestamp)
}

func TestExtractTurnsSkipsSidechainAndMeta(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","isSidechain":true,"message":{"content":"subagent chatter"}}`,
		`{"type":"user","isMeta":true,"message":{"content":"expanded skill"}}`,
		`{"type":"user","message":{"content":"real question"}}`,
	)
	turns, err := ExtractTurns(path)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "real question", turns[0].Text)
}

func TestExtractTurnsMixedContentJoinsTextParts(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"assistant","message":{"content":[{"type":"text","text":"First."},{"type":"tool_use"},{"type":"text","text":"Second."}]}}`,
		`{"type":"user","message":{"content":"ok"}}`,
	)
	turns, err := ExtractTurns(path)
	require.NoError(t, err)
	assert.Equal(t, "First.\n\nSecond.", turns[0].Text)
}

func TestExtractTurnsSkipsSyntheticUserText(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"user","message":{"content":"<command-name>/clear</command-name>"}}`,
		`{"type":"user","message":{"content":"<system-reminder>noise</system-reminder>"}}`,
		`{"type":"user","message":{"content":"genuine"}}`,
	)
	turns, err := ExtractTurns(path)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "genuine", turns[0].Text)
}

func TestExtractTurnsMalformed(t *testing.T) {
	path := writeTranscript(t,
		`{"type":"summary"}`,
		`not json at all`,
	)
	_, err := ExtractTurns(path)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestExtractTurnsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	turns, err := ExtractTurns(path)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestExtractTurnsMissingFile(t *testing.T) {
	_, err := ExtractTurns(filepath.Join(t.TempDir(), "nope.jsonl"))
	assert.Error(t, err)
}
