// Package transcript parses structured agent transcripts (line-delimited
// JSON) into ordered user/assistant turns.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrMalformed is returned when a non-empty transcript yields no
// well-formed text records.
var ErrMalformed = errors.New("transcript malformed")

// Turn is one user or assistant message with its timestamp in seconds
// since epoch. Timestamp is 0 when the transcript never carried one.
type Turn struct {
	Role      string
	Text      string
	Timestamp float64
}

type record struct {
	Type        string          `json:"type"`
	IsSidechain bool            `json:"isSidechain"`
	IsMeta      bool            `json:"isMeta"`
	Timestamp   string          `json:"timestamp"`
	Message     *recordMessage  `json:"message"`
	Content     json.RawMessage `json:"content"`
}

type recordMessage struct {
	Content json.RawMessage `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Prefixes of synthetic user text injected by the agent harness; these
// carry no project knowledge.
var syntheticPrefixes = []string{
	"<command-",
	"<local-command-",
	"<task-notification>",
	"<system-reminder>",
	"<bash-input>",
	"<bash-stdout>",
	"<bash-stderr>",
}

// ExtractTurns reads the transcript at path and returns its turns in
// order. Tool calls, tool results, thinking blocks, and sidechain or
// meta records are discarded. Records missing a timestamp inherit the
// last seen one.
func ExtractTurns(path string) ([]Turn, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var (
		turns    []Turn
		lastTS   float64
		sawBytes bool
	)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sawBytes = true

		var rec record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}
		if rec.IsSidechain || rec.IsMeta {
			continue
		}

		if ts := parseTimestamp(rec.Timestamp); ts > 0 {
			lastTS = ts
		}

		var content json.RawMessage
		if rec.Message != nil {
			content = rec.Message.Content
		} else {
			content = rec.Content
		}

		text := extractText(content, rec.Type == "user")
		if text == "" {
			continue
		}
		turns = append(turns, Turn{Role: rec.Type, Text: text, Timestamp: lastTS})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	if sawBytes && len(turns) == 0 {
		return nil, fmt.Errorf("%w: %s has no text records", ErrMalformed, path)
	}
	return turns, nil
}

// extractText pulls the text content of a record. Mixed content arrays
// keep only their text parts, in order, joined by blank lines.
func extractText(content json.RawMessage, isUser bool) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return cleanText(s, isUser)
	}

	var parts []contentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		// tool_use, tool_result, and thinking parts are dropped.
		if p.Type != "text" {
			continue
		}
		if t := cleanText(p.Text, isUser); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n\n")
}

func cleanText(s string, isUser bool) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if isUser {
		for _, prefix := range syntheticPrefixes {
			if strings.HasPrefix(s, prefix) {
				return ""
			}
		}
		if strings.Contains(strings.ToLower(s), "request interrupted by user") {
			return ""
		}
	}
	return s
}

// parseTimestamp converts an RFC 3339 timestamp to epoch seconds,
// returning 0 for empty or unparseable input.
func parseTimestamp(s string) float64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0
		}
	}
	return float64(t.UnixNano()) / 1e9
}
