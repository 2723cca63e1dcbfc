package taskstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PendingTasksOptions scopes and configures a GetPendingTasks call.
type PendingTasksOptions struct {
	// ActiveSet restricts results to tasks whose PrdID matches. Empty
	// means no restriction.
	ActiveSet string

	// IDPattern, if non-empty, assigns IDs to any task loaded with a
	// blank ID by substituting "{id}" with a monotonically increasing
	// integer. Tasks that already have an ID are left untouched.
	IDPattern string

	// RetryLedger, if set, excludes tasks whose base task ID has hit the
	// configured retry cap.
	RetryLedger *RetryLedger
}

// GetPendingTasks loads every task, assigns IDs to any that arrived
// without one, excludes tasks that have exceeded the retry cap or whose
// dependencies are not yet done, and sorts the remainder: in-progress
// first, non-fix tasks before fix tasks, then by priority. A load failure
// never propagates out of GetPendingTasks; per the store's failure
// semantics it degrades to an empty pending list (List already does this
// per-file, skipping entries that fail to parse).
func (s *LocalStore) GetPendingTasks(opts PendingTasksOptions) ([]*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, nil
	}

	assignMissingIDs(tasks, opts.IDPattern)

	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var pending []*Task
	for _, t := range tasks {
		if opts.ActiveSet != "" && t.PrdID != opts.ActiveSet {
			continue
		}
		if t.Status == StatusCompleted || t.Status == StatusSkipped || t.Status == StatusBlocked {
			continue
		}
		if opts.RetryLedger != nil && opts.RetryLedger.ExceedsCap(t.ID) {
			continue
		}
		if !dependenciesDone(t, byID) {
			continue
		}
		pending = append(pending, t)
	}

	sortPendingTasks(pending)
	return pending, nil
}

func dependenciesDone(t *Task, byID map[string]*Task) bool {
	for _, dep := range t.DependsOn {
		depTask, ok := byID[dep]
		if !ok {
			// Unresolvable dependency: exclude rather than crash; the
			// dependency resolver's task-level degradation handles the
			// cycle/missing-dep case for groupTasksByDependencyLevel.
			return false
		}
		if depTask.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// sortPendingTasks orders in-progress tasks first, then non-fix tasks
// ahead of fix tasks, then by priority (critical first); ties preserve
// the existing relative order.
func sortPendingTasks(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]

		aInProgress := a.Status == StatusInProgress
		bInProgress := b.Status == StatusInProgress
		if aInProgress != bInProgress {
			return aInProgress
		}

		aFix := InferTaskType(a) == TaskTypeFix
		bFix := InferTaskType(b) == TaskTypeFix
		if aFix != bFix {
			return !aFix
		}

		return a.Priority.Rank() < b.Priority.Rank()
	})
}

// assignMissingIDs substitutes "{id}" in pattern with a monotonically
// increasing counter for every task with a blank ID, falling back to
// TASK-<n>-<wallclock> when no pattern is configured.
func assignMissingIDs(tasks []*Task, pattern string) {
	counter := 1
	now := time.Now().UnixMilli()
	for _, t := range tasks {
		if t.ID != "" {
			continue
		}
		if pattern != "" && strings.Contains(pattern, "{id}") {
			t.ID = strings.ReplaceAll(pattern, "{id}", fmt.Sprintf("%d", counter))
		} else {
			t.ID = fmt.Sprintf("TASK-%d-%d", counter, now)
		}
		counter++
	}
}
