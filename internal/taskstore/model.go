// Package taskstore provides task persistence and retrieval for the Ralph harness.
package taskstore

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

// Valid task status values.
const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusBlocked    TaskStatus = "blocked"
	StatusFailed     TaskStatus = "failed"
	StatusSkipped    TaskStatus = "skipped"
)

// validStatuses contains all valid status values for quick lookup.
var validStatuses = map[TaskStatus]bool{
	StatusOpen:       true,
	StatusInProgress: true,
	StatusCompleted:  true,
	StatusBlocked:    true,
	StatusFailed:     true,
	StatusSkipped:    true,
}

// IsValid returns true if the status is a valid TaskStatus value.
func (s TaskStatus) IsValid() bool {
	return validStatuses[s]
}

// TaskPriority is the last key GetPendingTasks sorts by: in-progress tasks
// come first and non-fix tasks precede fix tasks, and only then does a
// higher priority sort ahead of a lower one.
type TaskPriority string

// Valid task priority values, highest first.
const (
	PriorityCritical TaskPriority = "critical"
	PriorityHigh     TaskPriority = "high"
	PriorityMedium   TaskPriority = "medium"
	PriorityLow      TaskPriority = "low"
)

var priorityRank = map[TaskPriority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityMedium:   2,
	PriorityLow:      3,
}

// Rank returns the priority's sort weight (lower sorts first); an
// unrecognized or empty priority ranks as PriorityMedium.
func (p TaskPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityMedium]
}

// TaskType classifies the kind of work a task represents, driving which
// workflow prompt template and post-apply hooks the workflow step graph
// picks for it.
type TaskType string

// Valid task type values.
const (
	TaskTypeGenerate    TaskType = "generate"
	TaskTypeFix         TaskType = "fix"
	TaskTypeInvestigate TaskType = "investigate"
	TaskTypeAnalysis    TaskType = "analysis"
)

var validTaskTypes = map[TaskType]bool{
	TaskTypeGenerate:    true,
	TaskTypeFix:         true,
	TaskTypeInvestigate: true,
	TaskTypeAnalysis:    true,
}

// IsValid returns true if the task type is one of the recognized values.
func (t TaskType) IsValid() bool {
	return validTaskTypes[t]
}

// investigateKeywords and its companion sets back InferTaskType's fixed
// keyword table: presence of an investigate-family word combined with a
// failure-family word infers "investigate"; alone it infers "analysis".
var (
	investigateKeywords = []string{"investigate", "analyze", "root cause", "diagnose", "debug", "why"}
	failureKeywords     = []string{"failure", "error", "issue"}
	fixKeywords         = []string{"fix", "resolve", "correct", "repair", "patch"}
)

// InferTaskType returns the task's declared type if set, else infers one
// from the title and description using a fixed keyword table, else
// TaskTypeFix for tasks created by createFixTask (identified by their
// OriginTaskID back-reference), else TaskTypeGenerate.
func InferTaskType(t *Task) TaskType {
	if t.Type.IsValid() {
		return t.Type
	}

	text := strings.ToLower(t.Title + " " + t.Description)

	if containsAny(text, investigateKeywords) {
		if containsAny(text, failureKeywords) {
			return TaskTypeInvestigate
		}
		return TaskTypeAnalysis
	}

	if containsAny(text, fixKeywords) || strings.HasPrefix(strings.ToLower(strings.TrimSpace(t.Title)), "fix") {
		return TaskTypeFix
	}

	if t.OriginTaskID != "" {
		return TaskTypeFix
	}

	return TaskTypeGenerate
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Task represents a unit of work in the Ralph task hierarchy.
type Task struct {
	// ID is the unique identifier for the task.
	ID string `json:"id"`

	// Title is the short summary of the task.
	Title string `json:"title"`

	// Description is the detailed standalone description of the task.
	Description string `json:"description,omitempty"`

	// ParentID is the optional ID of the parent task.
	ParentID *string `json:"parent_id,omitempty"`

	// DependsOn lists task IDs that must be completed before this task.
	DependsOn []string `json:"depends_on,omitempty"`

	// Status is the current state of the task.
	Status TaskStatus `json:"status"`

	// Priority orders pending tasks within a dependency level. Empty
	// ranks as PriorityMedium.
	Priority TaskPriority `json:"priority,omitempty"`

	// Type classifies the task for workflow/prompt selection. Empty on
	// tasks written before this field existed; InferTaskType fills the gap.
	Type TaskType `json:"type,omitempty"`

	// OriginTaskID is set on fix tasks created by createFixTask: the ID of
	// the task whose failed verification produced this one.
	OriginTaskID string `json:"origin_task_id,omitempty"`

	// BlockedReason holds a human-readable explanation when Status is
	// StatusBlocked (unmet dependency, retry cap, or DependencyError).
	BlockedReason string `json:"blocked_reason,omitempty"`

	// PrdID associates the task with the PRD it was generated from, for
	// the PRD-Set Orchestrator's per-PRD task accounting.
	PrdID string `json:"prd_id,omitempty"`

	// Acceptance lists the verifiable acceptance criteria for the task.
	Acceptance []string `json:"acceptance,omitempty"`

	// Verify lists the commands to run for verification (e.g., [["go", "test", "./..."]]).
	Verify [][]string `json:"verify,omitempty"`

	// Labels is a map of key-value pairs for categorization (e.g., {"area": "core"}).
	Labels map[string]string `json:"labels,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the task has all required fields and valid values.
// Returns an error describing the first validation failure, or nil if valid.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}

	if t.Title == "" {
		return fmt.Errorf("task title is required")
	}

	if !t.Status.IsValid() {
		return fmt.Errorf("task status is invalid: %q", t.Status)
	}

	if t.CreatedAt.IsZero() {
		return fmt.Errorf("task created_at is required")
	}

	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("task updated_at is required")
	}

	return nil
}
