package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenCount(t *testing.T) {
	assert.Equal(t, 1, TokenCount(""))
	assert.Equal(t, 1, TokenCount("abc"))
	assert.Equal(t, 1, TokenCount("abcd"))
	assert.Equal(t, 2, TokenCount("abcde"))
	assert.Equal(t, 100, TokenCount(string(make([]byte, 400))))
	assert.Equal(t, 101, TokenCount(string(make([]byte, 401))))
}

func TestQualityScore(t *testing.T) {
	assert.Equal(t, 0.0, QualityScore(""))
	assert.Equal(t, 0.0, QualityScore("   \n\t "))
	assert.Equal(t, 1.0, QualityScore("abc123"))
	// 4 alphanumeric of 8 non-whitespace runes.
	assert.Equal(t, 0.5, QualityScore("ab12----"))
	// Whitespace is excluded from the denominator.
	assert.Equal(t, 1.0, QualityScore("hello world"))
}

func TestQualityScoreRounding(t *testing.T) {
	// 1 alphanumeric of 3 non-whitespace chars = 0.333...
	assert.Equal(t, 0.333, QualityScore("a--"))
	// 2 of 3 = 0.666... rounds to 0.667.
	assert.Equal(t, 0.667, QualityScore("ab-"))
}

func TestChunkKey(t *testing.T) {
	c := Chunk{SessionID: "s1", Index: 3, SourceType: SourcePlan}
	assert.Equal(t, ChunkKey{SessionID: "s1", Index: 3, SourceType: SourcePlan}, c.Key())
	assert.Equal(t, "s1/3/plan", c.Key().String())
}

func TestValidEnums(t *testing.T) {
	assert.True(t, ValidSourceTypes[SourceSession])
	assert.False(t, ValidSourceTypes[SourceType("bogus")])
	assert.True(t, ValidSessionSources[SessionHook])
	assert.False(t, ValidSessionSources[SessionSource("ssh")])
}
