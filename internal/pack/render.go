package pack

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Render emits the document in the requested format. The XML element
// order is stable and documented: project-state, decisions, constraints,
// active-tasks, plans, recent-context, instructions; JSON and Markdown
// mirror it. Empty sections are omitted entirely, never rendered empty.
func Render(doc Document, format Format) (string, error) {
	switch format {
	case FormatXML, "":
		return renderXML(doc), nil
	case FormatJSON:
		return renderJSON(doc)
	case FormatMarkdown:
		return renderMarkdown(doc), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidFormat, string(format))
}

func renderXML(doc Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<context-pack version=\"1.0\" mode=%q budget=\"%d\">\n", doc.Mode, doc.Budget)

	fmt.Fprintf(&b, "  <project-state generated-at=%q sessions=%q>%s</project-state>\n",
		doc.GeneratedAt, strings.Join(doc.Sessions, ","), xmlEscape(doc.Summary))

	if len(doc.Decisions) > 0 {
		fmt.Fprintf(&b, "  <decisions count=\"%d\">\n", len(doc.Decisions))
		for _, d := range doc.Decisions {
			fmt.Fprintf(&b, "    <decision id=%q>\n", d.ID)
			fmt.Fprintf(&b, "      <statement>%s</statement>\n", xmlEscape(d.Statement))
			if d.Rationale != "" {
				fmt.Fprintf(&b, "      <rationale>%s</rationale>\n", xmlEscape(d.Rationale))
			}
			b.WriteString("    </decision>\n")
		}
		b.WriteString("  </decisions>\n")
	}

	if len(doc.Constraints) > 0 {
		fmt.Fprintf(&b, "  <constraints count=\"%d\">\n", len(doc.Constraints))
		for _, c := range doc.Constraints {
			fmt.Fprintf(&b, "    <constraint>%s</constraint>\n", xmlEscape(c))
		}
		b.WriteString("  </constraints>\n")
	}

	if len(doc.ActiveTasks) > 0 {
		fmt.Fprintf(&b, "  <active-tasks count=\"%d\">\n", len(doc.ActiveTasks))
		for _, t := range doc.ActiveTasks {
			fmt.Fprintf(&b, "    <task id=%q status=%q source-type=%q session=%q>%s</task>\n",
				t.ID, t.Status, t.SourceType, t.Session, xmlEscape(t.Subject))
		}
		b.WriteString("  </active-tasks>\n")
	}

	writeExcerptSection(&b, "plans", "plan", doc.Plans)
	writeExcerptSection(&b, "recent-context", "excerpt", doc.Recent)

	fmt.Fprintf(&b, "  <instructions>%s</instructions>\n", xmlEscape(doc.Instructions))
	b.WriteString("</context-pack>\n")
	return b.String()
}

func writeExcerptSection(b *strings.Builder, section, element string, items []Excerpt) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "  <%s count=\"%d\">\n", section, len(items))
	for _, e := range items {
		fmt.Fprintf(b, "    <%s id=%q source-type=%q session=%q ts=\"%.0f\">%s</%s>\n",
			element, e.ID, e.SourceType, e.Session, e.TS, xmlEscape(e.Text), element)
	}
	fmt.Fprintf(b, "  </%s>\n", section)
}

func renderJSON(doc Document) (string, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode pack: %w", err)
	}
	return string(data) + "\n", nil
}

func renderMarkdown(doc Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Context Pack (%s, %d tokens)\n\n", doc.Mode, doc.Budget)

	fmt.Fprintf(&b, "## Project State\n\n_Generated %s from %d sessions._\n\n%s\n",
		doc.GeneratedAt, len(doc.Sessions), doc.Summary)

	if len(doc.Decisions) > 0 {
		fmt.Fprintf(&b, "\n## Decisions (%d)\n\n", len(doc.Decisions))
		for _, d := range doc.Decisions {
			fmt.Fprintf(&b, "- **%s**: %s", d.ID, d.Statement)
			if d.Rationale != "" {
				fmt.Fprintf(&b, " — %s", d.Rationale)
			}
			b.WriteByte('\n')
		}
	}

	if len(doc.Constraints) > 0 {
		fmt.Fprintf(&b, "\n## Constraints (%d)\n\n", len(doc.Constraints))
		for _, c := range doc.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(doc.ActiveTasks) > 0 {
		fmt.Fprintf(&b, "\n## Active Tasks (%d)\n\n", len(doc.ActiveTasks))
		for _, t := range doc.ActiveTasks {
			fmt.Fprintf(&b, "- [%s] %s (%s, %s", t.ID, t.Subject, t.Status, t.SourceType)
			if t.Session != "" {
				fmt.Fprintf(&b, ", session %s", t.Session)
			}
			b.WriteString(")\n")
		}
	}

	writeMarkdownExcerpts(&b, "Plans", doc.Plans)
	writeMarkdownExcerpts(&b, "Recent Context", doc.Recent)

	fmt.Fprintf(&b, "\n## Instructions\n\n%s\n", doc.Instructions)
	return b.String()
}

func writeMarkdownExcerpts(b *strings.Builder, title string, items []Excerpt) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s (%d)\n", title, len(items))
	for _, e := range items {
		fmt.Fprintf(b, "\n### %s (%s, session %s)\n\n%s\n", e.ID, e.SourceType, e.Session, e.Text)
	}
}

var xmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}
