package pack

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/membank/membank/internal/episode"
	"github.com/membank/membank/internal/model"
	"github.com/membank/membank/internal/retriever"
	"github.com/membank/membank/internal/state"
	"github.com/membank/membank/internal/storage"
)

// instructionsText is the fixed footer; never truncated.
const instructionsText = "Paste this context pack into a fresh assistant session to restore project knowledge. " +
	"Cite items by their id and session attributes when referring back to them."

// perItemOverheadTokens approximates markup cost per rendered item, so
// section fills stay within budget across all three formats.
const perItemOverheadTokens = 12

// Excerpt is one cited item of the plans or recent-context sections.
type Excerpt struct {
	ID         string  `json:"id"`
	SourceType string  `json:"source_type"`
	Session    string  `json:"session"`
	TS         float64 `json:"ts"`
	Text       string  `json:"text"`
}

// TaskEntry is one active-tasks item.
type TaskEntry struct {
	ID         string `json:"id"`
	Subject    string `json:"subject,omitempty"`
	Status     string `json:"status"`
	SourceType string `json:"source_type"`
	Session    string `json:"session,omitempty"`
}

// Document is the assembled pack before rendering. Section slices left
// empty are omitted by every renderer.
type Document struct {
	Mode         Mode             `json:"mode"`
	Budget       int              `json:"budget"`
	GeneratedAt  string           `json:"generated_at"`
	Summary      string           `json:"summary"`
	Sessions     []string         `json:"sessions,omitempty"`
	Decisions    []model.Decision `json:"decisions,omitempty"`
	Constraints  []string         `json:"constraints,omitempty"`
	ActiveTasks  []TaskEntry      `json:"active_tasks,omitempty"`
	Plans        []Excerpt        `json:"plans,omitempty"`
	Recent       []Excerpt        `json:"recent_context,omitempty"`
	Instructions string           `json:"instructions"`
}

// Assembler builds context packs for one store.
type Assembler struct {
	store  *storage.Store
	states *state.Generator
	logger *slog.Logger
}

// New assembles an Assembler.
func New(st *storage.Store, states *state.Generator, logger *slog.Logger) *Assembler {
	return &Assembler{store: st, states: states, logger: logger}
}

// Request parameterizes one pack build.
type Request struct {
	Budget  int
	Mode    Mode
	Format  Format
	Episode episode.Type
}

// Build assembles and renders a pack. The budget is allocated across
// sections by the mode's profile; overshooting sections are trimmed from
// the tail, and sections that cannot fit a single element are omitted.
// The project-state summary and instructions footer are never truncated.
func (a *Assembler) Build(ctx context.Context, req Request) (string, error) {
	if req.Budget <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidBudget, req.Budget)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if mode == ModeAuto {
		mode = InferMode(a.store)
	}
	cfg, err := a.store.ReadConfig()
	if err != nil {
		return "", err
	}
	profile := ResolveProfile(cfg, mode)

	st := a.states.Current(ctx)

	doc := Document{
		Mode:         mode,
		Budget:       req.Budget,
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		Summary:      st.Summary,
		Constraints:  st.Constraints,
		Instructions: instructionsText,
	}
	if metas, err := a.store.ListSessions(); err == nil {
		for _, m := range metas {
			doc.Sessions = append(doc.Sessions, m.ID)
		}
	}

	// Protected sections come off the top of the budget.
	remaining := req.Budget - model.TokenCount(doc.Summary) - model.TokenCount(doc.Instructions) - 2*perItemOverheadTokens
	for _, c := range doc.Constraints {
		remaining -= model.TokenCount(c) + perItemOverheadTokens
	}
	if remaining < 0 {
		a.logger.Warn("budget too small for protected sections", "budget", req.Budget)
		remaining = 0
	}

	doc.Decisions = fitDecisions(st.Decisions, budgetFor(remaining, profile.Decisions))

	tasks := a.collectTasks(st)
	doc.ActiveTasks = fitTasks(tasks, budgetFor(remaining, profile.ActiveTasks))

	plans := a.collectArtifactExcerpts(model.SourcePlan)
	doc.Plans = fitExcerpts(plans, budgetFor(remaining, profile.Plans))

	recent, err := a.collectRecent(req.Episode, budgetFor(remaining, profile.RecentContext))
	if err != nil {
		a.logger.Warn("recent context unavailable", "err", err)
	}
	doc.Recent = fitExcerpts(recent, budgetFor(remaining, profile.RecentContext))

	return renderWithinBudget(doc, req.Format, req.Budget)
}

// renderWithinBudget renders the document and, if the rendered output
// still overshoots the budget, drops items from section tails in
// truncation priority order (recent context first, decisions last). The
// protected sections are never touched.
func renderWithinBudget(doc Document, format Format, budget int) (string, error) {
	for {
		out, err := Render(doc, format)
		if err != nil {
			return "", err
		}
		if model.TokenCount(out) <= budget {
			return out, nil
		}
		switch {
		case len(doc.Recent) > 0:
			doc.Recent = doc.Recent[:len(doc.Recent)-1]
		case len(doc.Plans) > 0:
			doc.Plans = doc.Plans[:len(doc.Plans)-1]
		case len(doc.ActiveTasks) > 0:
			doc.ActiveTasks = doc.ActiveTasks[:len(doc.ActiveTasks)-1]
		case len(doc.Decisions) > 0:
			doc.Decisions = doc.Decisions[:len(doc.Decisions)-1]
		default:
			// Only protected content remains.
			return out, nil
		}
	}
}

func budgetFor(remaining int, fraction float64) int {
	return int(float64(remaining) * fraction)
}

// collectTasks merges task/todo artifact chunks (newest first) with the
// state generator's active tasks.
func (a *Assembler) collectTasks(st model.ProjectState) []TaskEntry {
	var entries []TaskEntry
	chunks, err := a.store.ReadArtifactChunks()
	if err != nil {
		a.logger.Warn("artifact chunks unreadable", "err", err)
		chunks = nil
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].EndTS > chunks[j].EndTS })
	for _, c := range chunks {
		if c.SourceType != model.SourceTodo && c.SourceType != model.SourceTask {
			continue
		}
		entries = append(entries, TaskEntry{
			ID:         c.Key().String(),
			Subject:    firstLine(c.Text),
			Status:     "pending",
			SourceType: string(c.SourceType),
			Session:    c.SessionID,
		})
	}
	for _, t := range st.ActiveTasks {
		entries = append(entries, TaskEntry{
			ID:         t.ID,
			Subject:    t.Subject,
			Status:     t.Status,
			SourceType: "state",
		})
	}
	return entries
}

func (a *Assembler) collectArtifactExcerpts(st model.SourceType) []Excerpt {
	chunks, err := a.store.ReadArtifactChunks()
	if err != nil {
		return nil
	}
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].EndTS > chunks[j].EndTS })
	var out []Excerpt
	for _, c := range chunks {
		if c.SourceType != st {
			continue
		}
		out = append(out, excerptOf(c))
	}
	return out
}

// collectRecent pulls recent-context excerpts in recency order. The
// bounded heap size is derived from the section's token budget so the
// full chunk set is never materialized.
func (a *Assembler) collectRecent(ep episode.Type, sectionBudget int) ([]Excerpt, error) {
	opts := retriever.DefaultRecencyOptions()
	opts.Episode = ep
	// Assume a floor of ~32 tokens per excerpt when sizing the heap.
	estimate := sectionBudget / 32
	if estimate < 1 {
		estimate = 1
	}
	if estimate < opts.MaxExcerpts {
		opts.MaxExcerpts = estimate
	}
	chunks, err := retriever.RecentChunks(a.store, opts)
	if err != nil {
		return nil, err
	}
	out := make([]Excerpt, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, excerptOf(c))
	}
	return out, nil
}

func excerptOf(c model.Chunk) Excerpt {
	return Excerpt{
		ID:         c.Key().String(),
		SourceType: string(c.SourceType),
		Session:    c.SessionID,
		TS:         c.EndTS,
		Text:       c.Text,
	}
}

// fitExcerpts keeps leading items until the section budget is spent.
func fitExcerpts(items []Excerpt, budget int) []Excerpt {
	var out []Excerpt
	for _, item := range items {
		cost := model.TokenCount(item.Text) + perItemOverheadTokens
		if cost > budget {
			break
		}
		budget -= cost
		out = append(out, item)
	}
	return out
}

func fitDecisions(items []model.Decision, budget int) []model.Decision {
	var out []model.Decision
	for _, d := range items {
		cost := model.TokenCount(d.Statement+d.Rationale) + perItemOverheadTokens
		if cost > budget {
			break
		}
		budget -= cost
		out = append(out, d)
	}
	return out
}

func fitTasks(items []TaskEntry, budget int) []TaskEntry {
	var out []TaskEntry
	for _, t := range items {
		cost := model.TokenCount(t.Subject+t.Status) + perItemOverheadTokens
		if cost > budget {
			break
		}
		budget -= cost
		out = append(out, t)
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
