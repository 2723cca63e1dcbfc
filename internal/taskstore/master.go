package taskstore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/devloopfleet/devloop/internal/eventbus"
)

// MasterMetadata carries bookkeeping about the master document as a whole.
type MasterMetadata struct {
	Updated time.Time `json:"updated"`
}

// MasterDocument is the consumer-facing view of the task store named in the
// task data model: a single document of all tasks plus metadata. LocalStore
// keeps its physical at-rest representation as one JSON file per task (the
// teacher's layout, and the one that makes atomic single-task writes cheap);
// MasterDocument projects that representation into the document shape on
// demand rather than changing how tasks are stored on disk.
type MasterDocument struct {
	Master struct {
		Tasks    []*Task        `json:"tasks"`
		Metadata MasterMetadata `json:"metadata"`
	} `json:"master"`
}

// BuildMasterDocument reads every task in the store and assembles the
// master document view.
func (s *LocalStore) BuildMasterDocument() (*MasterDocument, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	doc := &MasterDocument{}
	doc.Master.Tasks = tasks
	doc.Master.Metadata = MasterMetadata{Updated: time.Now().Truncate(time.Second)}
	return doc, nil
}

// lineNumberPattern pulls line numbers out of "line N", ":N:", and "at
// foo/bar.go:N"-shaped fragments, the three forms Go test and build output
// actually uses.
var lineNumberPattern = regexp.MustCompile(`(?:\bline\s+(\d+)\b|:(\d+):|\bat\s+\S+:(\d+)\b)`)

// filePathPattern matches a bare "<path>.<ext>:<line>" reference, the
// generic shape shared by Go panics, go vet, and go test -v failure output.
var filePathPattern = regexp.MustCompile(`[\w./-]+\.[A-Za-z0-9]+:\d+`)

// frameworkGuidance maps a substring seen in failure output to a short
// pointer at what usually causes it. Matched in map order is fine here:
// each phrase is specific enough that overlap across entries is rare.
var frameworkGuidance = map[string]string{
	"panic:":             "A panic occurred; check for a nil dereference, an out-of-range index, or a closed channel.",
	"assertion":          "A test assertion failed; compare the expected and actual values named in the failure.",
	"ECONNREFUSED":       "A dependency (database, broker, HTTP service) refused the connection; confirm it is running and reachable.",
	"MODULE_NOT_FOUND":   "A required module or import is missing; check the dependency is installed and the import path is correct.",
	"undefined is not a": "A function, method, or export the caller expected does not exist; check the exported symbol name.",
	"timeout":            "The operation exceeded its deadline; check for a blocked call or an unreasonably short timeout.",
}

// extractLineNumbers returns the line numbers referenced in text, in order
// of first appearance, restricted to the [1, 10000) range real source files
// fall within.
func extractLineNumbers(text string) []int {
	var lines []int
	seen := make(map[int]bool)
	for _, m := range lineNumberPattern.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g == "" {
				continue
			}
			n, err := strconv.Atoi(g)
			if err != nil || n < 1 || n >= 10000 {
				continue
			}
			if !seen[n] {
				seen[n] = true
				lines = append(lines, n)
			}
			break
		}
	}
	return lines
}

// extractFilePaths returns the file:line references found in text, in
// order of first appearance, deduplicated.
func extractFilePaths(text string) []string {
	var paths []string
	seen := make(map[string]bool)
	for _, m := range filePathPattern.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			paths = append(paths, m)
		}
	}
	return paths
}

// composeFixBody builds a fix task's description from the raw error and
// the verification output that produced it, annotated with whatever line
// numbers, file paths, and framework guidance can be pulled out of them.
func composeFixBody(errorDesc, testOutput string) string {
	var b strings.Builder
	b.WriteString(errorDesc)
	if testOutput != "" {
		b.WriteString("\n\nVerification output:\n")
		b.WriteString(testOutput)
	}

	combined := errorDesc + "\n" + testOutput

	if lines := extractLineNumbers(combined); len(lines) > 0 {
		fmt.Fprintf(&b, "\n\nLine numbers referenced: %v", lines)
	}
	if paths := extractFilePaths(combined); len(paths) > 0 {
		fmt.Fprintf(&b, "\nFiles referenced: %v", paths)
	}
	for phrase, guidance := range frameworkGuidance {
		if strings.Contains(combined, phrase) {
			b.WriteString("\n\nGuidance: " + guidance)
		}
	}

	return b.String()
}

// findPendingFixTask returns the open or in-progress fix task already
// targeting originTaskID, if one exists, so repeated failures against the
// same task reuse one fix task instead of piling up duplicates.
func (s *LocalStore) findPendingFixTask(originTaskID string) (*Task, error) {
	tasks, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	for _, t := range tasks {
		if t.OriginTaskID != originTaskID {
			continue
		}
		if t.Status == StatusOpen || t.Status == StatusInProgress {
			return t, nil
		}
	}
	return nil, nil
}

// CreateFixTask records a failed attempt against originTaskID and either
// produces a fix task for it or blocks the original task outright.
//
// ledger tracks the base task's retry count (stripping any existing
// "fix-…" wrapper so repeated fix generations share one counter). Once
// the count reaches the ledger's configured cap, the original task is
// marked blocked, a task:blocked event is emitted on bus (if non-nil),
// and CreateFixTask returns (nil, nil) rather than a new fix task.
//
// Below the cap, an existing pending fix task targeting originTaskID is
// reused; otherwise a new one is created at priority critical, depending
// on the original, with a body composed from errorDesc and testOutput.
func (s *LocalStore) CreateFixTask(originTaskID, errorDesc, testOutput string, ledger *RetryLedger, bus *eventbus.Bus) (*Task, error) {
	origin, err := s.Get(originTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to load origin task %q: %w", originTaskID, err)
	}

	if ledger != nil {
		if _, err := ledger.RecordAttempt(originTaskID, errorDesc); err != nil {
			return nil, fmt.Errorf("failed to record retry attempt: %w", err)
		}
		if ledger.ExceedsCap(originTaskID) {
			origin.Status = StatusBlocked
			origin.BlockedReason = fmt.Sprintf("exceeded max retries (%d): %s", ledger.maxRetries, errorDesc)
			origin.UpdatedAt = time.Now().Truncate(time.Second)
			if err := s.Save(origin); err != nil {
				return nil, fmt.Errorf("failed to block origin task: %w", err)
			}
			if bus != nil {
				bus.Emit(eventbus.TaskBlocked, eventbus.SeverityWarn, map[string]interface{}{
					"reason": origin.BlockedReason,
				}, origin.ID, origin.PrdID, "", "")
			}
			return nil, nil
		}
	}

	if existing, err := s.findPendingFixTask(originTaskID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now().Truncate(time.Second)
	base := baseTaskID(originTaskID)
	fix := &Task{
		ID:           fmt.Sprintf("fix-%s-%d", base, now.UnixMilli()),
		Title:        "Fix: " + origin.Title,
		Description:  composeFixBody(errorDesc, testOutput),
		ParentID:     origin.ParentID,
		DependsOn:    []string{originTaskID},
		Status:       StatusOpen,
		Priority:     PriorityCritical,
		Type:         TaskTypeFix,
		OriginTaskID: originTaskID,
		PrdID:        origin.PrdID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.Save(fix); err != nil {
		return nil, fmt.Errorf("failed to save fix task: %w", err)
	}
	if bus != nil {
		bus.Emit(eventbus.FixTaskCreated, eventbus.SeverityInfo, map[string]interface{}{
			"origin_task_id": originTaskID,
		}, fix.ID, fix.PrdID, "", "")
	}

	return fix, nil
}

// maxDependencyLevels safety-bounds GroupTasksByDependencyLevel against a
// pathological chain (or an undetected cycle that happens to resolve one
// task at a time) running away.
const maxDependencyLevels = 100

// GroupTasksByDependencyLevel partitions tasks into dependency levels: level
// 0 holds tasks with no unresolved dependencies among the given set, level 1
// holds tasks whose dependencies are all in level 0, and so on. This backs
// the parallel-dispatch grouping the Iteration Runner and PRD-Set
// Orchestrator both need, generalized from the same leveling idea as
// internal/resolver's PRD-level Kahn layering but scoped to a task slice.
// GroupTasksByDependencyLevelWarn is the same as GroupTasksByDependencyLevel
// but additionally reports, via warn, when a cycle, missing dependency, or
// the 100-level safety bound forced a degraded placement.
func GroupTasksByDependencyLevelWarn(tasks []*Task, warn func(string)) [][]*Task {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	level := make(map[string]int, len(tasks))
	resolved := make(map[string]bool, len(tasks))

	degrade := func(currentLevel int, reason string) {
		if warn != nil {
			warn(reason)
		}
		for _, t := range tasks {
			if !resolved[t.ID] {
				level[t.ID] = currentLevel
				resolved[t.ID] = true
			}
		}
	}

	remaining := len(tasks)
	currentLevel := 0
	for remaining > 0 {
		if currentLevel >= maxDependencyLevels {
			degrade(currentLevel, fmt.Sprintf("dependency graph exceeded %d levels; remaining tasks placed at level %d", maxDependencyLevels, currentLevel))
			break
		}

		var frontier []*Task
		for _, t := range tasks {
			if resolved[t.ID] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if _, known := byID[dep]; known && !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				frontier = append(frontier, t)
			}
		}
		if len(frontier) == 0 {
			// Remaining tasks form a cycle or depend on missing tasks;
			// dump them into one final level rather than looping forever.
			degrade(currentLevel, "dependency cycle or missing-dependency deadlock detected; remaining tasks placed at level "+fmt.Sprintf("%d", currentLevel))
			break
		}
		for _, t := range frontier {
			level[t.ID] = currentLevel
			resolved[t.ID] = true
		}
		remaining -= len(frontier)
		currentLevel++
	}

	levels := make([][]*Task, currentLevel+1)
	for _, t := range tasks {
		l := level[t.ID]
		levels[l] = append(levels[l], t)
	}

	// Drop any trailing empty levels from the cycle dump above.
	for len(levels) > 0 && len(levels[len(levels)-1]) == 0 {
		levels = levels[:len(levels)-1]
	}

	return levels
}

// GroupTasksByDependencyLevel is GroupTasksByDependencyLevelWarn with
// warnings discarded.
func GroupTasksByDependencyLevel(tasks []*Task) [][]*Task {
	return GroupTasksByDependencyLevelWarn(tasks, nil)
}
