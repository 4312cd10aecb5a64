// Package episode classifies sessions by activity (build, test, debug,
// ...) and detects error state, feeding retrieval filters and pack-mode
// inference.
package episode

import (
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/membank/membank/internal/model"
)

// Type is one of the nine episode labels.
type Type string

const (
	Build    Type = "build"
	Test     Type = "test"
	Deploy   Type = "deploy"
	Debug    Type = "debug"
	Refactor Type = "refactor"
	Explore  Type = "explore"
	Config   Type = "config"
	Docs     Type = "docs"
	Review   Type = "review"
)

// Valid reports whether t is a known episode label.
func Valid(t Type) bool {
	switch t {
	case Build, Test, Deploy, Debug, Refactor, Explore, Config, Docs, Review:
		return true
	}
	return false
}

// Commands the session wrapper treats as the interactive agent; those
// sessions classify by content rather than command.
var agentCommands = map[string]bool{"claude": true}

// cmdRule matches the leading command tokens against an episode.
type cmdRule struct {
	tokens  []string
	episode Type
}

// Command rule table; first match wins. Single-token rules match the
// command basename, two-token rules also require the first argument.
var cmdRules = []cmdRule{
	{[]string{"cargo", "test"}, Test},
	{[]string{"cargo", "build"}, Build},
	{[]string{"go", "test"}, Test},
	{[]string{"go", "build"}, Build},
	{[]string{"npm", "test"}, Test},
	{[]string{"npm", "run"}, Build},
	{[]string{"docker", "push"}, Deploy},
	{[]string{"git", "log"}, Review},
	{[]string{"git", "diff"}, Review},
	{[]string{"git", "blame"}, Review},
	{[]string{"make", "test"}, Test},
	{[]string{"pytest"}, Test},
	{[]string{"jest"}, Test},
	{[]string{"make"}, Build},
	{[]string{"cmake"}, Build},
	{[]string{"ninja"}, Build},
	{[]string{"docker"}, Deploy},
	{[]string{"kubectl"}, Deploy},
	{[]string{"terraform"}, Deploy},
	{[]string{"ansible"}, Deploy},
	{[]string{"ansible-playbook"}, Deploy},
	{[]string{"gdb"}, Debug},
	{[]string{"lldb"}, Debug},
}

// Content lexicon for agent/hook/import sessions: keyword → weight.
var contentLexicon = map[Type][]weightedWord{
	Test:     {{"pytest", 2}, {"unittest", 2}, {"test", 1}, {"PASSED", 2}, {"FAILED", 2}, {"assert", 1}, {"coverage", 1}},
	Build:    {{"compile", 2}, {"build", 1}, {"linking", 2}, {"webpack", 2}, {"make", 1}},
	Deploy:   {{"deploy", 2}, {"kubectl", 2}, {"terraform", 2}, {"production", 1}, {"staging", 1}, {"rollout", 2}},
	Debug:    {{"Traceback", 3}, {"breakpoint", 2}, {"debugger", 2}, {"stack trace", 2}, {"panic", 2}, {"segfault", 3}},
	Refactor: {{"refactor", 3}, {"rename", 1}, {"extract", 1}, {"restructure", 2}, {"simplify", 1}},
	Explore:  {{"how does", 2}, {"what is", 2}, {"explain", 2}, {"architecture", 1}, {"understand", 1}},
	Config:   {{"config", 2}, {".env", 2}, {"settings", 1}, {"install", 1}, {"dependency", 1}},
	Docs:     {{"README", 2}, {"documentation", 2}, {"docstring", 2}, {"CHANGELOG", 2}, {"markdown", 1}},
	Review:   {{"pull request", 3}, {"code review", 3}, {"review", 1}, {"LGTM", 3}, {"audit", 2}},
}

type weightedWord struct {
	word   string
	weight int
}

// contentFloor is the minimum lexicon score required before a content
// classification sticks; below it the session stays explore.
const contentFloor = 2

// Classify assigns an episode label. PTY sessions running a non-agent
// command use the command table; everything else scores chunk content
// against the lexicon.
func Classify(meta model.SessionMeta, chunks []model.Chunk) Type {
	if meta.Source == model.SessionPTY && len(meta.Command) > 0 {
		cmd0 := filepath.Base(meta.Command[0])
		if !agentCommands[cmd0] {
			return classifyCommand(cmd0, meta.Command[1:])
		}
	}
	return classifyContent(chunks)
}

func classifyCommand(cmd0 string, args []string) Type {
	for _, rule := range cmdRules {
		if rule.tokens[0] != cmd0 {
			continue
		}
		if len(rule.tokens) == 1 {
			return rule.episode
		}
		if len(args) > 0 && args[0] == rule.tokens[1] {
			return rule.episode
		}
	}
	return Explore
}

func classifyContent(chunks []model.Chunk) Type {
	if len(chunks) == 0 {
		return Explore
	}
	var text strings.Builder
	for _, c := range chunks {
		text.WriteString(c.Text)
		text.WriteByte('\n')
	}
	lower := strings.ToLower(text.String())

	scores := map[Type]int{}
	for ep, words := range contentLexicon {
		for _, w := range words {
			scores[ep] += strings.Count(lower, strings.ToLower(w.word)) * w.weight
		}
	}

	// Stable winner selection: highest score, label order breaks ties.
	labels := make([]Type, 0, len(scores))
	for ep := range scores {
		labels = append(labels, ep)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	best := Explore
	bestScore := 0
	for _, ep := range labels {
		if scores[ep] > bestScore {
			best = ep
			bestScore = scores[ep]
		}
	}
	if bestScore < contentFloor {
		return Explore
	}
	return best
}

// errorRE matches the error markers, case-sensitive and whole-word.
var errorRE = regexp.MustCompile(`(^|[^\w])(Traceback|panic:|FAIL([^\w]|$)|error:)`)

// DetectError reports whether the session ended in error: a non-zero
// exit code or an error marker in any chunk.
func DetectError(meta model.SessionMeta, chunks []model.Chunk) bool {
	if meta.ExitCode != nil && *meta.ExitCode != 0 {
		return true
	}
	for _, c := range chunks {
		if errorRE.MatchString(c.Text) {
			return true
		}
	}
	return false
}

// ErrorSummary extracts up to three error lines from the session, or ""
// when no error is detected.
func ErrorSummary(meta model.SessionMeta, chunks []model.Chunk) string {
	var parts []string
	if meta.ExitCode != nil && *meta.ExitCode != 0 {
		parts = append(parts, "exit code "+strconv.Itoa(*meta.ExitCode))
	}
	seen := map[string]bool{}
	for _, c := range chunks {
		if len(parts) >= 3 {
			break
		}
		loc := errorRE.FindStringIndex(c.Text)
		if loc == nil {
			continue
		}
		line := lineAround(c.Text, loc[0])
		if line != "" && !seen[line] {
			seen[line] = true
			parts = append(parts, line)
		}
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, "; ")
}

// maxNeighborGapSeconds bounds the idle distance between two sessions
// considered related.
const maxNeighborGapSeconds = 600

// Related returns the ids of sessions temporally adjacent to target.
func Related(target model.SessionMeta, all []model.SessionMeta) []string {
	tEnd := target.EndedAt
	if tEnd == 0 {
		tEnd = target.StartedAt
	}
	var related []string
	for _, m := range all {
		if m.ID == target.ID {
			continue
		}
		mEnd := m.EndedAt
		if mEnd == 0 {
			mEnd = m.StartedAt
		}
		gap := minAbs(target.StartedAt-mEnd, m.StartedAt-tEnd, target.StartedAt-m.StartedAt)
		if gap <= maxNeighborGapSeconds {
			related = append(related, m.ID)
		}
	}
	return related
}

func minAbs(vals ...float64) float64 {
	best := vals[0]
	if best < 0 {
		best = -best
	}
	for _, v := range vals[1:] {
		if v < 0 {
			v = -v
		}
		if v < best {
			best = v
		}
	}
	return best
}

func lineAround(text string, pos int) string {
	start := strings.LastIndexByte(text[:pos], '\n') + 1
	end := strings.IndexByte(text[pos:], '\n')
	if end == -1 {
		end = len(text)
	} else {
		end += pos
	}
	return strings.TrimSpace(text[start:end])
}
