package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripAnsiColorAndBel(t *testing.T) {
	in := []byte("\x1B[31mhello\x1B[0m\r\nworld\x07")
	assert.Equal(t, "hello\nworld", Strip(in))
}

func TestStripOSCSequences(t *testing.T) {
	// BEL-terminated title sequence.
	assert.Equal(t, "ab", Strip([]byte("a\x1B]0;title\x07b")))
	// ST-terminated.
	assert.Equal(t, "ab", Strip([]byte("a\x1B]0;title\x1B\\b")))
}

func TestStripTwoCharEscape(t *testing.T) {
	// ESC ( B selects a charset: both bytes after ESC are consumed.
	assert.Equal(t, "ab", Strip([]byte("a\x1B(Bb")))
}

func TestStripDropsControls(t *testing.T) {
	out := Strip([]byte("a\x00\x01\x02b\tc\nd\x7fe"))
	assert.Equal(t, "ab\tc\nde", out)
}

func TestCRNormalization(t *testing.T) {
	assert.Equal(t, "a\nb", Strip([]byte("a\r\nb")))
	assert.Equal(t, "a\nb", Strip([]byte("a\rb")))
	assert.Equal(t, "a\n", Strip([]byte("a\r")))
}

func TestCRAcrossBatches(t *testing.T) {
	s := NewStripper()
	out := s.Write([]byte("a\r"))
	out += s.Write([]byte("\nb"))
	out += s.Flush()
	assert.Equal(t, "a\nb", out)
}

func TestUTF8AcrossBatches(t *testing.T) {
	s := NewStripper()
	// "héllo" with é split across batches.
	out := s.Write([]byte{'h', 0xC3})
	out += s.Write([]byte{0xA9, 'l', 'l', 'o'})
	out += s.Flush()
	assert.Equal(t, "héllo", out)
}

func TestInvalidUTF8BecomesReplacement(t *testing.T) {
	assert.Equal(t, "a�b", Strip([]byte{'a', 0xC3, 'b'}))
	// Stray continuation byte.
	assert.Equal(t, "a�b", Strip([]byte{'a', 0x80, 'b'}))
	// Truncated sequence at stream end.
	assert.Equal(t, "a�", Strip([]byte{'a', 0xE2, 0x82}))
}

func TestStripOutputHasNoControls(t *testing.T) {
	inputs := [][]byte{
		[]byte("\x1B[1;32mok\x1B[0m\r\n\x08\x0b"),
		{0x00, 0x1B, '[', 'm', 0xFF, 0xFE, 'x'},
		[]byte("plain text"),
	}
	for _, in := range inputs {
		out := Strip(in)
		for _, b := range []byte(out) {
			if b < 0x20 {
				assert.Contains(t, []byte{'\t', '\n'}, b, "control byte %#x leaked", b)
			}
		}
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"hello\nworld",
		"already  clean text\n\nwith paragraphs",
		"unicode ✓ héllo",
	}
	for _, in := range inputs {
		once := Clean([]byte(in))
		twice := Clean([]byte(once))
		assert.Equal(t, once, twice)
	}
}

func TestFilterNoiseGlyphLines(t *testing.T) {
	in := "┌────────┐\nreal output\n│  │\n⠋⠙⠹\ndone"
	out := FilterNoise(in)
	assert.NotContains(t, out, "─")
	assert.NotContains(t, out, "⠋")
	assert.Contains(t, out, "real output")
	assert.Contains(t, out, "done")
}

func TestFilterNoiseBlankRuns(t *testing.T) {
	in := "a\n\n\n\n\n\nb"
	assert.Equal(t, "a\n\n\nb", FilterNoise(in))
}

func TestFilterNoiseSpaceCollapse(t *testing.T) {
	assert.Equal(t, "a b c", FilterNoise("a  b    c"))
}

func TestFilterNoiseKeepsFencedCode(t *testing.T) {
	in := "prose  here\n```\ncode    aligned\n```\nafter  fence"
	out := FilterNoise(in)
	assert.Contains(t, out, "code    aligned")
	assert.Contains(t, out, "prose here")
	assert.Contains(t, out, "after fence")
}

func TestFilterNoiseChromeLines(t *testing.T) {
	in := "result line\nshift+tab to cycle modes\nDo you want to proceed?\nkept"
	out := FilterNoise(in)
	assert.NotContains(t, out, "shift+tab")
	assert.NotContains(t, out, "proceed?")
	assert.Contains(t, out, "result line")
	assert.Contains(t, out, "kept")
}

func TestFilterNoiseIdempotent(t *testing.T) {
	in := "a  b\n┌──┐\n\n\n\n\nc"
	once := FilterNoise(in)
	assert.Equal(t, once, FilterNoise(once))
}

func TestStripLargeInputStreams(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 1000; i++ {
		b.WriteString("\x1B[2K\rline\x1B[0m\n")
	}
	out := Strip([]byte(b.String()))
	assert.Equal(t, strings.Repeat("\nline\n", 1000), out)
}
