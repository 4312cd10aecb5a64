package chunker

import (
	"fmt"
	"strings"

	"github.com/membank/membank/internal/model"
)

// TodoItem is one entry of an imported todo list.
type TodoItem struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// TodoList is an imported todo-list artifact tied to an agent session.
type TodoList struct {
	AgentSessionID string     `json:"agent_session_id"`
	Items          []TodoItem `json:"items"`
	Mtime          float64    `json:"mtime"`
}

// TaskItem is an imported task artifact.
type TaskItem struct {
	ID             string   `json:"id"`
	AgentSessionID string   `json:"agent_session_id"`
	Subject        string   `json:"subject"`
	Description    string   `json:"description,omitempty"`
	Status         string   `json:"status"`
	Blocks         []string `json:"blocks,omitempty"`
	BlockedBy      []string `json:"blocked_by,omitempty"`
}

// FromTodoList produces a single chunk for a non-empty todo list.
func FromTodoList(list TodoList) []model.Chunk {
	if len(list.Items) == 0 {
		return nil
	}
	lines := make([]string, 0, len(list.Items))
	for _, item := range list.Items {
		status := item.Status
		if status == "" {
			status = "pending"
		}
		if item.Priority != "" {
			lines = append(lines, fmt.Sprintf("[TODO] %s (%s): %s", status, item.Priority, item.Content))
		} else {
			lines = append(lines, fmt.Sprintf("[TODO] %s: %s", status, item.Content))
		}
	}
	text := strings.Join(lines, "\n")
	return []model.Chunk{{
		SessionID:  list.AgentSessionID,
		Index:      0,
		SourceType: model.SourceTodo,
		Text:       text,
		TokenCount: model.TokenCount(text),
		Quality:    model.QualityScore(text),
		StartTS:    list.Mtime,
		EndTS:      list.Mtime,
		ArtifactID: list.AgentSessionID,
	}}
}

// FromPlan splits a plan document on its second-level headings, one
// chunk per section.
func FromPlan(slug, content string, mtime float64) []model.Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}
	var chunks []model.Chunk
	for _, sec := range splitHeadings(content) {
		var text string
		if sec.heading != "" {
			text = fmt.Sprintf("[PLAN: %s] ## %s\n%s", slug, sec.heading, sec.body)
		} else {
			text = fmt.Sprintf("[PLAN: %s]\n%s", slug, sec.body)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, model.Chunk{
			SessionID:  "plan-" + slug,
			Index:      len(chunks),
			SourceType: model.SourcePlan,
			Text:       text,
			TokenCount: model.TokenCount(text),
			Quality:    model.QualityScore(text),
			StartTS:    mtime,
			EndTS:      mtime,
			ArtifactID: slug,
		})
	}
	return chunks
}

// FromTask produces one chunk per task.
func FromTask(task TaskItem, mtime float64) model.Chunk {
	parts := []string{fmt.Sprintf("[TASK] %s (%s)", task.Subject, task.Status)}
	if task.Description != "" {
		parts = append(parts, task.Description)
	}
	if len(task.Blocks) > 0 {
		parts = append(parts, "Blocks: "+strings.Join(task.Blocks, ", "))
	}
	if len(task.BlockedBy) > 0 {
		parts = append(parts, "Blocked by: "+strings.Join(task.BlockedBy, ", "))
	}
	text := strings.Join(parts, "\n")
	index := 0
	if n, err := fmt.Sscanf(task.ID, "%d", &index); n != 1 || err != nil {
		index = 0
	}
	return model.Chunk{
		SessionID:  task.AgentSessionID,
		Index:      index,
		SourceType: model.SourceTask,
		Text:       text,
		TokenCount: model.TokenCount(text),
		Quality:    model.QualityScore(text),
		StartTS:    mtime,
		EndTS:      mtime,
		ArtifactID: task.AgentSessionID + "/" + task.ID,
	}
}

type section struct {
	heading string
	body    string
}

func splitHeadings(content string) []section {
	lines := strings.Split(content, "\n")
	var (
		sections []section
		heading  string
		body     []string
	)
	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text != "" || heading != "" {
			sections = append(sections, section{heading: heading, body: text})
		}
		body = nil
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "## ") {
			if len(body) > 0 || heading != "" {
				flush()
			}
			heading = strings.TrimSpace(line[3:])
			continue
		}
		body = append(body, line)
	}
	flush()
	return sections
}
