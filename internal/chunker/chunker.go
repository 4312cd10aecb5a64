// Package chunker converts extracted turns or PTY event logs into
// token-bounded, quality-scored chunks.
package chunker

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/sanitize"
	"github.com/membank/membank/internal/transcript"
)

const (
	DefaultMaxTokens     = 512
	DefaultOverlapTokens = 50

	// Idle gap separating PTY episodes.
	episodeGapSeconds = 30
)

// Options configures chunk sizing.
type Options struct {
	MaxTokens     int
	OverlapTokens int
}

// DefaultOptions returns the default sizing.
func DefaultOptions() Options {
	return Options{MaxTokens: DefaultMaxTokens, OverlapTokens: DefaultOverlapTokens}
}

func (o Options) orDefault() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.OverlapTokens < 0 {
		o.OverlapTokens = DefaultOverlapTokens
	}
	return o
}

// piece is a unit of text entering the packer.
type piece struct {
	text string
	ts   float64
	role model.SpeakerRole
}

// FromTurns chunks a turn sequence. Consecutive turns are concatenated
// with role prefixes and blank-line separators, packed up to MaxTokens,
// with an OverlapTokens tail carried into the following chunk.
func FromTurns(sessionID string, turns []transcript.Turn, opts Options) []model.Chunk {
	opts = opts.orDefault()
	pieces := make([]piece, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := model.RoleUser
		prefix := "User: "
		if t.Role == "assistant" {
			role = model.RoleAssistant
			prefix = "Assistant: "
		}
		pieces = append(pieces, piece{text: prefix + text, ts: t.Timestamp, role: role})
	}
	return pack(sessionID, model.SourceSession, pieces, "\n\n", opts)
}

// FromEvents chunks a PTY event log. Events are grouped into episodes
// separated by idle gaps of at least 30 seconds or by a form feed; each
// episode's text is sanitized and noise-filtered, then sized like turns.
func FromEvents(sessionID string, events []model.Event, opts Options) []model.Chunk {
	opts = opts.orDefault()

	var chunks []model.Chunk
	next := 0
	for _, ep := range splitEpisodes(events) {
		pieces := make([]piece, 0, len(ep))
		for _, ev := range ep {
			text := strings.TrimSpace(sanitize.Clean([]byte(ev.Text)))
			if text == "" {
				continue
			}
			pieces = append(pieces, piece{text: text, ts: ev.TS, role: model.RoleMixed})
		}
		epChunks := pack(sessionID, model.SourceSession, pieces, "\n", opts)
		for _, c := range epChunks {
			c.Index = next
			c.SpeakerRole = ""
			next++
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// splitEpisodes groups stdout/stdin events at idle gaps and form feeds.
func splitEpisodes(events []model.Event) [][]model.Event {
	var (
		episodes [][]model.Event
		current  []model.Event
		lastTS   float64
	)
	flush := func() {
		if len(current) > 0 {
			episodes = append(episodes, current)
			current = nil
		}
	}
	for _, ev := range events {
		if len(current) > 0 && ev.TS-lastTS >= episodeGapSeconds {
			flush()
		}
		if i := strings.IndexByte(ev.Text, '\x0c'); i >= 0 {
			head, tail := ev.Text[:i], strings.ReplaceAll(ev.Text[i+1:], "\x0c", "\n")
			if head != "" {
				current = append(current, model.Event{ID: ev.ID, TS: ev.TS, Stream: ev.Stream, Text: head})
			}
			flush()
			if tail != "" {
				current = append(current, model.Event{ID: ev.ID, TS: ev.TS, Stream: ev.Stream, Text: tail})
			}
		} else {
			current = append(current, ev)
		}
		lastTS = ev.TS
	}
	flush()
	return episodes
}

// pack greedily fills chunks up to MaxTokens from pieces joined by sep.
// A piece that does not fit is split at a paragraph boundary, then a
// sentence boundary, then at the exact character count; the overlap tail
// of each emitted chunk seeds the next one.
func pack(sessionID string, st model.SourceType, pieces []piece, sep string, opts Options) []model.Chunk {
	maxChars := opts.MaxTokens * 4
	overlapChars := opts.OverlapTokens * 4

	var (
		chunks  []model.Chunk
		cur     strings.Builder
		startTS float64
		endTS   float64
		roles   = map[model.SpeakerRole]bool{}
		hasBody bool // cur holds more than carried overlap
	)

	emit := func() string {
		text := cur.String()
		if strings.TrimSpace(text) == "" {
			cur.Reset()
			return ""
		}
		chunks = append(chunks, model.Chunk{
			SessionID:   sessionID,
			Index:       len(chunks),
			SourceType:  st,
			Text:        text,
			TokenCount:  model.TokenCount(text),
			Quality:     model.QualityScore(text),
			StartTS:     startTS,
			EndTS:       endTS,
			SpeakerRole: combinedRole(roles),
		})
		cur.Reset()
		return text
	}

	carry := func(emitted string) {
		tail := overlapTail(emitted, overlapChars)
		cur.WriteString(tail)
		hasBody = false
		roles = map[model.SpeakerRole]bool{}
	}

	for _, p := range pieces {
		remaining := p.text
		for remaining != "" {
			joiner := ""
			if cur.Len() > 0 {
				joiner = sep
			}
			if cur.Len()+len(joiner)+len(remaining) <= maxChars {
				if !hasBody {
					startTS = p.ts
				}
				cur.WriteString(joiner)
				cur.WriteString(remaining)
				endTS = p.ts
				roles[p.role] = true
				hasBody = true
				remaining = ""
				break
			}

			available := maxChars - cur.Len() - len(joiner)
			head, rest := splitToFit(remaining, available)
			if head == "" {
				if hasBody {
					// Flush and retry with a fresh chunk.
					emitted := emit()
					carry(emitted)
					continue
				}
				if cur.Len() > 0 {
					// The carried overlap leaves no room for a clean
					// break; drop it rather than emit it alone.
					cur.Reset()
					continue
				}
				head, rest = hardSplit(remaining, maxChars)
			}
			if !hasBody {
				startTS = p.ts
			}
			cur.WriteString(joiner)
			cur.WriteString(head)
			endTS = p.ts
			roles[p.role] = true
			hasBody = true
			emitted := emit()
			carry(emitted)
			remaining = rest
		}
	}
	if hasBody {
		emit()
	}
	return chunks
}

func combinedRole(roles map[model.SpeakerRole]bool) model.SpeakerRole {
	if len(roles) == 1 {
		for r := range roles {
			return r
		}
	}
	if len(roles) > 1 {
		return model.RoleMixed
	}
	return ""
}

var sentenceEndRE = regexp.MustCompile(`[.!?]\s`)

// splitToFit returns the longest prefix of text not exceeding limit
// bytes, preferring a paragraph boundary, then a sentence boundary.
// Returns an empty head when no boundary fits and a hard split would be
// needed at the caller's discretion.
func splitToFit(text string, limit int) (head, rest string) {
	if limit <= 0 {
		return "", text
	}
	if len(text) <= limit {
		return text, ""
	}
	window := text[:snapRuneBoundary(text, limit)]

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return text[:i], strings.TrimLeft(text[i:], "\n")
	}
	if locs := sentenceEndRE.FindAllStringIndex(window, -1); len(locs) > 0 {
		end := locs[len(locs)-1][1]
		return strings.TrimRight(text[:end], " "), text[end:]
	}
	return "", text
}

// hardSplit cuts at the exact character budget, snapped to a rune
// boundary.
func hardSplit(text string, limit int) (head, rest string) {
	if limit <= 0 {
		return "", text
	}
	if len(text) <= limit {
		return text, ""
	}
	cut := snapRuneBoundary(text, limit)
	if cut == 0 {
		cut = limit // degenerate single-rune overflow
	}
	return text[:cut], text[cut:]
}

// overlapTail returns the trailing overlapChars of text, extended to
// start at a paragraph boundary when one exists inside the tail, else a
// sentence boundary, else the exact character count.
func overlapTail(text string, overlapChars int) string {
	if overlapChars <= 0 {
		return ""
	}
	if len(text) <= overlapChars {
		return text
	}
	start := len(text) - overlapChars
	start = snapRuneBoundary(text, start)
	window := text[start:]

	if i := strings.Index(window, "\n\n"); i >= 0 {
		return strings.TrimLeft(window[i:], "\n")
	}
	if loc := sentenceEndRE.FindStringIndex(window); loc != nil {
		return strings.TrimLeft(window[loc[1]:], " ")
	}
	return window
}

// snapRuneBoundary moves pos left until it no longer lands inside a
// multi-byte rune.
func snapRuneBoundary(s string, pos int) int {
	if pos >= len(s) {
		return len(s)
	}
	for pos > 0 && !utf8.RuneStart(s[pos]) {
		pos--
	}
	return pos
}
