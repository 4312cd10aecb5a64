package sanitize

import (
	"regexp"
	"strings"
)

// NoiseRules is the versioned pattern table the noise filter consumes.
// The chrome patterns track a specific agent's TUI and change more often
// than code does, so they are data, not logic; bump Version when the
// table changes so stores can record what they were cleaned with.
type NoiseRules struct {
	Version int
	// Spinner glyphs treated like box-drawing: a line made only of
	// these (plus whitespace) is dropped.
	SpinnerGlyphs string
	// Anchored patterns for known TUI chrome lines.
	Chrome []*regexp.Regexp
}

// DefaultNoiseRules matches the prompt banner, hint bar, and spinner
// frames of the agent TUI this tool captures.
var DefaultNoiseRules = NoiseRules{
	Version:       1,
	SpinnerGlyphs: "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏✶✻✽✢·❯➜⏵",
	Chrome: []*regexp.Regexp{
		regexp.MustCompile(`^\s*[?>]?\s*for shortcuts$`),
		regexp.MustCompile(`^\s*accept edits on.*$`),
		regexp.MustCompile(`^\s*shift\+tab to cycle.*$`),
		regexp.MustCompile(`^\s*esc to interrupt.*$`),
		regexp.MustCompile(`^\s*ctrl\+[a-z] to \w+.*$`),
		regexp.MustCompile(`^\s*\w+ing… \([^)]*tokens\)\s*$`),
		regexp.MustCompile(`^\s*Do you want to proceed\?\s*$`),
		regexp.MustCompile(`^\s*❯?\s*\d+\.\s*Yes,? and (don't|always).*$`),
	},
}

var (
	multiSpaceRE = regexp.MustCompile(`  +`)
	blankRunRE   = regexp.MustCompile(`\n{4,}`)
)

// FilterNoise removes TUI chrome from sanitized text: glyph-only lines,
// chrome lines, runs of blank lines, and repeated spaces outside fenced
// code blocks. Applies DefaultNoiseRules.
func FilterNoise(text string) string {
	return FilterNoiseWith(text, DefaultNoiseRules)
}

// FilterNoiseWith is FilterNoise with an explicit rule table.
func FilterNoiseWith(text string, rules NoiseRules) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	inFence := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			kept = append(kept, line)
			continue
		}
		if inFence {
			kept = append(kept, line)
			continue
		}
		if trimmed != "" && isGlyphLine(trimmed, rules.SpinnerGlyphs) {
			continue
		}
		if matchesChrome(line, rules.Chrome) {
			continue
		}
		kept = append(kept, multiSpaceRE.ReplaceAllString(line, " "))
	}

	out := strings.Join(kept, "\n")
	// Collapse runs of 3+ blank lines (4+ consecutive newlines) to 2.
	out = blankRunRE.ReplaceAllString(out, "\n\n\n")
	return out
}

// isGlyphLine reports whether every rune is box-drawing (U+2500..U+257F),
// braille (U+2800..U+28FF), a spinner glyph, or whitespace.
func isGlyphLine(line, spinners string) bool {
	for _, r := range line {
		switch {
		case r >= 0x2500 && r <= 0x257F:
		case r >= 0x2800 && r <= 0x28FF:
		case r == ' ' || r == '\t':
		case strings.ContainsRune(spinners, r):
		default:
			return false
		}
	}
	return true
}

func matchesChrome(line string, chrome []*regexp.Regexp) bool {
	for _, re := range chrome {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
