package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/devloopfleet/devloop/internal/corerr"
	"github.com/devloopfleet/devloop/internal/eventbus"
)

// Hook is a named shell-style command run before tests (pre-test) or after
// changes are applied (post-apply): lint, format, codegen.
type Hook struct {
	Name    string
	Command []string
}

// TestRunner generalizes internal/verifier.Verifier so the step graph
// doesn't depend on its concrete command-subprocess implementation.
type TestRunner interface {
	Run(ctx context.Context, commands [][]string) ([]TestOutcome, error)
}

// TestOutcome is one test/verification command's result.
type TestOutcome struct {
	Command  []string
	Passed   bool
	Output   string
	Duration time.Duration
}

// Applier applies a CodeChanges payload to disk and reports which files
// landed and which were rejected as out-of-bounds. Satisfied by
// internal/applyprimitive.Applier; declared here to avoid an import cycle
// (applyprimitive depends on workflow's types, not the other way around).
type Applier interface {
	Apply(changes *CodeChanges, targetModule string) (applied []AppliedFile, violations []string, err error)
}

// AppliedFile records one file actually written.
type AppliedFile struct {
	Path string
	Op   FileOp
}

// HookRunner executes a hook command, returning combined output.
type HookRunner func(ctx context.Context, cmd []string) (string, error)

// LogAnalyzer turns failing test output into a human-readable feedback
// string for the next fix-task attempt. The default implementation simply
// concatenates failing command output; callers may substitute an
// agent-backed summarizer.
type LogAnalyzer func(outcomes []TestOutcome) string

// TaskSource supplies the next task to run, scoped to activeSet (a PRD ID,
// or empty for no restriction). Returning (nil, nil) means no pending task
// is ready — FetchAndRun treats this as the fetching-task step resolving to
// idle-complete rather than an error. Satisfied by an adapter over
// internal/taskstore.LocalStore.GetPendingTasks in internal/runner.
type TaskSource interface {
	FetchNext(ctx context.Context, activeSet string) (*TaskInput, error)
}

// Deps bundles everything one Run needs to drive a task through the graph.
type Deps struct {
	Agent          CodeAgent
	Applier        Applier
	Tests          TestRunner
	Bus            *eventbus.Bus
	RunHook        HookRunner
	AnalyzeLogs    LogAnalyzer
	PostApplyHooks []Hook
	PreTestHooks   []Hook
	RepairText     RepairFunc
	Tasks          TaskSource
}

// TaskInput is the per-task context the graph needs: which task, its
// prompt pair, its verify commands, and the module boundary to enforce.
type TaskInput struct {
	TaskID         string
	PrdID          string
	SystemPrompt   string
	UserPrompt     string
	Continue       bool
	VerifyCommands [][]string
	TargetModule   string
}

// Result is what a single Run through the graph produces.
type Result struct {
	Terminal     State
	Transitions  []Transition
	Changes      *CodeChanges
	AppliedFiles []AppliedFile
	TestOutcomes []TestOutcome
	InputTokens  int
	OutputTokens int
	TotalCostUSD float64
	FailureNote  string

	// NoTasks is set when FetchAndRun's fetching-task step found nothing
	// ready to run; Terminal is StateIdleComplete in that case and no
	// other field is populated.
	NoTasks bool
}

// Graph drives one task through the step-graph states, emitting an event
// at every transition.
type Graph struct {
	deps Deps
}

// New constructs a Graph over the given dependencies.
func New(deps Deps) *Graph {
	if deps.AnalyzeLogs == nil {
		deps.AnalyzeLogs = defaultAnalyzeLogs
	}
	return &Graph{deps: deps}
}

// Run drives task through fetching-task → ... → complete/failed, returning
// once a terminal state is reached.
func (g *Graph) Run(ctx context.Context, task TaskInput) *Result {
	result := &Result{}
	state := StateIdle

	advance := func(to State, note string) {
		result.Transitions = append(result.Transitions, Transition{From: state, To: to, Note: note})
		state = to
	}

	advance(StateFetchingTask, "task "+task.TaskID)
	g.emit(eventbus.TaskStarted, eventbus.SeverityInfo, task, nil)

	advance(StateExecutingAI, "")
	g.emit(eventbus.AgentCallStarted, eventbus.SeverityInfo, task, nil)
	agentResp, err := g.deps.Agent.Invoke(ctx, AgentRequest{SystemPrompt: task.SystemPrompt, Prompt: task.UserPrompt, Continue: task.Continue})
	if err != nil {
		return g.fail(result, task, state, fmt.Sprintf("agent invocation failed: %v", err))
	}
	result.InputTokens = agentResp.InputTokens
	result.OutputTokens = agentResp.OutputTokens
	result.TotalCostUSD = agentResp.TotalCostUSD
	g.emit(eventbus.AgentCallFinished, eventbus.SeverityInfo, task, map[string]interface{}{
		"inputTokens": float64(agentResp.InputTokens), "outputTokens": float64(agentResp.OutputTokens),
	})

	extracted, err := ExtractCodeChanges(agentResp.FinalText, g.deps.RepairText)
	if err != nil {
		g.emit(eventbus.JSONParseFailed, eventbus.SeverityError, task, jsonEventData(extracted, err))
		g.emit(eventbus.CodeGenerationFailed, eventbus.SeverityError, task, nil)
		return g.fail(result, task, state, err.Error())
	}
	g.emit(eventbus.JSONParseSuccess, eventbus.SeverityInfo, task, jsonEventData(extracted, err))
	result.Changes = extracted.Changes
	g.emit(eventbus.CodeGenerated, eventbus.SeverityInfo, task, nil)

	advance(StateApplyingChanges, "")
	applied, violations, err := g.deps.Applier.Apply(extracted.Changes, task.TargetModule)
	for _, v := range violations {
		g.emit(eventbus.FileBoundaryViolation, eventbus.SeverityWarn, task, map[string]interface{}{"path": v})
	}
	if err != nil {
		return g.fail(result, task, state, fmt.Sprintf("apply failed: %v", err))
	}
	result.AppliedFiles = applied
	for _, f := range applied {
		if f.Op == FileOpCreate {
			g.emit(eventbus.FileCreated, eventbus.SeverityInfo, task, map[string]interface{}{"path": f.Path})
		} else {
			g.emit(eventbus.FileModified, eventbus.SeverityInfo, task, map[string]interface{}{"path": f.Path})
		}
	}
	g.emit(eventbus.ChangesApplied, eventbus.SeverityInfo, task, map[string]interface{}{"fileCount": float64(len(applied))})

	advance(StateRunningPostApplyHooks, "")
	if err := g.runHooks(ctx, g.deps.PostApplyHooks); err != nil {
		return g.fail(result, task, state, fmt.Sprintf("post-apply hook failed: %v", err))
	}

	advance(StateRunningPreTestHooks, "")
	if err := g.runHooks(ctx, g.deps.PreTestHooks); err != nil {
		return g.fail(result, task, state, fmt.Sprintf("pre-test hook failed: %v", err))
	}

	advance(StateRunningTests, "")
	if len(task.VerifyCommands) > 0 {
		outcomes, err := g.deps.Tests.Run(ctx, task.VerifyCommands)
		if err != nil {
			return g.fail(result, task, state, fmt.Sprintf("test runner error: %v", err))
		}
		result.TestOutcomes = outcomes

		allPassed := true
		for _, o := range outcomes {
			if o.Passed {
				g.emit(eventbus.TestPassed, eventbus.SeverityInfo, task, map[string]interface{}{"command": joinCmd(o.Command)})
			} else {
				allPassed = false
				g.emit(eventbus.TestFailed, eventbus.SeverityWarn, task, map[string]interface{}{"command": joinCmd(o.Command)})
			}
		}

		if !allPassed {
			advance(StateAnalyzingLogs, "")
			note := g.deps.AnalyzeLogs(outcomes)
			g.emit(eventbus.FailureAnalyzed, eventbus.SeverityInfo, task, nil)
			advance(StateCreatingFixTask, "")
			g.emit(eventbus.FixTaskCreated, eventbus.SeverityInfo, task, nil)
			result.FailureNote = note
			advance(StateFailed, note)
			result.Terminal = StateFailed
			g.emit(eventbus.TaskFailed, eventbus.SeverityError, task, nil)
			return result
		}
	}

	advance(StateMarkingDone, "")
	g.emit(eventbus.TaskCompleted, eventbus.SeverityInfo, task, nil)
	advance(StateComplete, "")
	result.Terminal = StateComplete
	return result
}

// FetchAndRun performs the fetching-task step against the configured
// TaskSource and, if a task was found, delegates to Run for the rest of
// the pipeline. A source returning no task resolves to StateIdleComplete
// with Result.NoTasks set rather than StateFailed — an empty queue is a
// normal outer-loop stopping condition, not an error.
func (g *Graph) FetchAndRun(ctx context.Context, activeSet string) *Result {
	if g.deps.Tasks == nil {
		return &Result{Terminal: StateFailed, FailureNote: "workflow: no TaskSource configured"}
	}

	task, err := g.deps.Tasks.FetchNext(ctx, activeSet)
	if err != nil {
		return &Result{
			Terminal:    StateFailed,
			Transitions: []Transition{{From: StateIdle, To: StateFailed, Note: err.Error()}},
			FailureNote: fmt.Sprintf("fetching task failed: %v", err),
		}
	}
	if task == nil {
		return &Result{
			Terminal:    StateIdleComplete,
			Transitions: []Transition{{From: StateIdle, To: StateIdleComplete, Note: "no pending tasks"}},
			NoTasks:     true,
		}
	}

	return g.Run(ctx, *task)
}

func (g *Graph) fail(result *Result, task TaskInput, from State, note string) *Result {
	result.Transitions = append(result.Transitions, Transition{From: from, To: StateFailed, Note: note})
	result.Terminal = StateFailed
	result.FailureNote = note
	g.emit(eventbus.TaskFailed, eventbus.SeverityError, task, map[string]interface{}{"reason": note})
	return result
}

func (g *Graph) runHooks(ctx context.Context, hooks []Hook) error {
	if g.deps.RunHook == nil {
		return nil
	}
	for _, h := range hooks {
		if _, err := g.deps.RunHook(ctx, h.Command); err != nil {
			return &corerr.TestError{Command: h.Command, Msg: err.Error()}
		}
	}
	return nil
}

func (g *Graph) emit(typ eventbus.Type, sev eventbus.Severity, task TaskInput, data map[string]interface{}) {
	if g.deps.Bus == nil {
		return
	}
	g.deps.Bus.Emit(typ, sev, data, task.TaskID, task.PrdID, "", task.TargetModule)
}

func jsonEventData(extracted *ExtractResult, err error) map[string]interface{} {
	if err != nil {
		return map[string]interface{}{"success": false}
	}
	return map[string]interface{}{
		"success":    true,
		"strategy":   extracted.Strategy,
		"retryCount": float64(extracted.RetryCount),
	}
}

func joinCmd(cmd []string) string {
	out := ""
	for i, c := range cmd {
		if i > 0 {
			out += " "
		}
		out += c
	}
	return out
}

func defaultAnalyzeLogs(outcomes []TestOutcome) string {
	note := "verification failed:\n"
	for _, o := range outcomes {
		if !o.Passed {
			note += fmt.Sprintf("- %v: %s\n", o.Command, truncate(o.Output, 2000))
		}
	}
	return note
}
