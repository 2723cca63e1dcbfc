package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/devloopfleet/devloop/internal/loop"
	"github.com/devloopfleet/devloop/internal/taskstore"
)

// HandoffContext summarizes a parent task's subtree and the most recent
// iterations for a fresh agent session picking up mid-run: what's already
// done, what's left, what's stuck, and what was learned along the way.
type HandoffContext struct {
	ParentTaskID    string
	GeneratedAt     time.Time
	CurrentTask     string
	Completed       []string
	Pending         []string
	Blocked         []string
	RecentLearnings []string
	FilesModified   []string
}

// BuildHandoff walks the parent task's descendants to classify them by
// status and folds the tail of a run's iteration records into a recent-
// activity summary.
func BuildHandoff(parentTaskID string, store *taskstore.LocalStore, records []*loop.IterationRecord) (*HandoffContext, error) {
	tasks, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for handoff: %w", err)
	}

	children := make(map[string][]*taskstore.Task)
	for _, t := range tasks {
		if t.ParentID != nil {
			children[*t.ParentID] = append(children[*t.ParentID], t)
		}
	}

	h := &HandoffContext{ParentTaskID: parentTaskID, GeneratedAt: time.Now().Truncate(time.Second)}

	queue := children[parentTaskID]
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]

		switch t.Status {
		case taskstore.StatusCompleted:
			h.Completed = append(h.Completed, fmt.Sprintf("%s: %s", t.ID, t.Title))
		case taskstore.StatusOpen, taskstore.StatusInProgress:
			h.Pending = append(h.Pending, fmt.Sprintf("%s: %s", t.ID, t.Title))
		case taskstore.StatusBlocked:
			reason := t.BlockedReason
			if reason == "" {
				reason = "blocked"
			}
			h.Blocked = append(h.Blocked, fmt.Sprintf("%s: %s (%s)", t.ID, t.Title, reason))
		}

		queue = append(queue, children[t.ID]...)
	}

	fileSet := make(map[string]bool)
	for i := len(records) - 1; i >= 0 && i >= len(records)-5; i-- {
		r := records[i]
		if r == nil {
			continue
		}
		if r.Outcome == loop.OutcomeSuccess && h.CurrentTask == "" {
			h.CurrentTask = r.TaskID
		}
		if strings.TrimSpace(r.Feedback) != "" && r.Outcome != loop.OutcomeSuccess {
			h.RecentLearnings = append(h.RecentLearnings, fmt.Sprintf("%s: %s", r.TaskID, firstLine(r.Feedback)))
		}
		for _, f := range r.FilesChanged {
			fileSet[f] = true
		}
	}
	for f := range fileSet {
		h.FilesModified = append(h.FilesModified, f)
	}

	return h, nil
}

// WriteHandoffDocument renders a HandoffContext to handoff.md, overwriting
// whatever was there from a previous run.
func WriteHandoffDocument(path string, h *HandoffContext) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating handoff directory: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Handoff: %s\n\n", h.ParentTaskID)
	fmt.Fprintf(&b, "**Generated**: %s\n\n", h.GeneratedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "## Current Task\n\n%s\n\n", orNone(h.CurrentTask))

	b.WriteString("## Completed\n\n")
	writeList(&b, h.Completed)

	b.WriteString("## Pending\n\n")
	writeList(&b, h.Pending)

	b.WriteString("## Blocked\n\n")
	writeList(&b, h.Blocked)

	b.WriteString("## Recent Learnings\n\n")
	writeList(&b, h.RecentLearnings)

	b.WriteString("## Files Modified\n\n")
	writeList(&b, h.FilesModified)

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing handoff document: %w", err)
	}
	return nil
}

func writeList(b *strings.Builder, items []string) {
	if len(items) == 0 {
		b.WriteString("- none\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "\n"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

// shouldHandoff reports whether a completed run should trigger a handoff
// write: every handoffInterval iterations, or when estimated context usage
// crosses contextThreshold of the configured context window.
func shouldHandoff(iterationsRun, handoffInterval int, totalTokens, contextWindowSize int, contextThreshold float64) bool {
	if handoffInterval > 0 && iterationsRun > 0 && iterationsRun%handoffInterval == 0 {
		return true
	}
	if contextWindowSize > 0 && contextThreshold > 0 {
		ratio := float64(totalTokens) / float64(contextWindowSize)
		if ratio >= contextThreshold {
			return true
		}
	}
	return false
}
