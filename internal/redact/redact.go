// Package redact removes known secret shapes from text before it is
// persisted to event logs.
package redact

import (
	"regexp"
	"strings"
)

// Pattern pairs a secret-matching regexp with the label written into the
// redaction marker. When the regexp has a capture group, only group 1 is
// replaced and surrounding context is kept.
type Pattern struct {
	RE    *regexp.Regexp
	Label string
}

var defaultPatterns = []Pattern{
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "AWS_KEY"},
	{regexp.MustCompile(`(?i)(?:aws_secret_access_key|aws_secret)\s*[=:]\s*["']?([A-Za-z0-9/+=]{40})`), "AWS_SECRET"},
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`), "JWT"},
	{regexp.MustCompile(`[sp]k_(?:live|test)_[a-zA-Z0-9]{24,}`), "STRIPE"},
	{regexp.MustCompile(`(?i)(?:api[_-]?key|token|client_secret)\s*[=:]\s*["']?([a-zA-Z0-9]{32,})`), "API_KEY"},
	{regexp.MustCompile(`://[^:/\s]+:([^@\s]+)@`), "PASSWORD"},
	{regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[=:]\s*["']?(\S+)`), "PASSWORD"},
}

// Redactor replaces detected secrets with [REDACTED:LABEL] markers.
type Redactor struct {
	enabled  bool
	patterns []Pattern
}

// New returns a Redactor with the default pattern table.
func New(enabled bool) *Redactor {
	return &Redactor{enabled: enabled, patterns: defaultPatterns}
}

// WithPatterns appends extra patterns to the default table.
func (r *Redactor) WithPatterns(extra ...Pattern) *Redactor {
	r.patterns = append(append([]Pattern{}, r.patterns...), extra...)
	return r
}

// Redact returns text with secrets replaced.
func (r *Redactor) Redact(text string) string {
	if r == nil || !r.enabled || text == "" {
		return text
	}
	for _, p := range r.patterns {
		marker := "[REDACTED:" + p.Label + "]"
		if p.RE.NumSubexp() >= 1 {
			text = replaceGroup(p.RE, text, marker)
		} else {
			text = p.RE.ReplaceAllString(text, marker)
		}
	}
	return text
}

// replaceGroup substitutes only the first capture group of each match,
// keeping the surrounding matched context intact.
func replaceGroup(re *regexp.Regexp, text, marker string) string {
	var b strings.Builder
	last := 0
	for _, m := range re.FindAllStringSubmatchIndex(text, -1) {
		// m[2], m[3] bound group 1.
		if len(m) < 4 || m[2] < 0 {
			b.WriteString(text[last:m[0]])
			b.WriteString(marker)
			last = m[1]
			continue
		}
		b.WriteString(text[last:m[2]])
		b.WriteString(marker)
		last = m[3]
	}
	b.WriteString(text[last:])
	return b.String()
}
