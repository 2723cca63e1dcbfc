// Package eventbus implements the process-wide structured event bus: a
// bounded in-memory ring that every subsystem emits into, mirrored onto an
// embedded NATS subject so out-of-process subscribers (a dashboard, a
// second orchestrator instance) can observe the same stream without
// coupling to the ring's in-memory representation.
package eventbus

import "time"

// Severity classifies how serious an event is.
type Severity string

// Valid severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Type is a closed enumeration of event types, one of the prefixed families
// named in the event data model. New types are added here; Bus.Emit does
// not validate the type it is given, so it accepts values outside this set.
type Type string

// Event type families, by prefix.
const (
	TaskStarted   Type = "task:started"
	TaskCompleted Type = "task:completed"
	TaskFailed    Type = "task:failed"
	TaskBlocked   Type = "task:blocked"

	PhaseStarted  Type = "phase:started"
	PhaseComplete Type = "phase:complete"

	PrdStarted  Type = "prd:started"
	PrdComplete Type = "prd:complete"
	PrdBlocked  Type = "prd:blocked"
	PrdFailed   Type = "prd:failed"

	FileCreated           Type = "file:created"
	FileModified          Type = "file:modified"
	FileFiltered          Type = "file:filtered"
	FileFilteredPredictive Type = "file:filtered_predictive"
	FileBoundaryViolation Type = "file:boundary_violation"

	JSONParseSuccess Type = "json:parse_success"
	JSONParseFailed  Type = "json:parse_failed"

	ValidationPassed             Type = "validation:passed"
	ValidationFailed             Type = "validation:failed"
	ValidationErrorWithSuggestion Type = "validation:error_with_suggestion"

	IPCConnectionFailed  Type = "ipc:connection_failed"
	IPCConnectionRetry   Type = "ipc:connection_retry"
	IPCHealthCheck       Type = "ipc:health_check"

	BuildStarted Type = "build:started"
	BuildFinished Type = "build:finished"

	IterationStarted  Type = "iteration:started"
	IterationFinished Type = "iteration:finished"

	ContextHandoffTriggered Type = "context:handoff_triggered"

	MetricsFlushed Type = "metrics:flushed"

	ChangesApplied Type = "change:applied"

	HealthCheck Type = "health:check"

	SpeckitContextInjected Type = "speckit:context_injected"

	AgentCallStarted  Type = "agent:call_started"
	AgentCallFinished Type = "agent:call_finished"

	CodeGenerated       Type = "code:generated"
	CodeGenerationFailed Type = "code:generation_failed"
	TestPassed          Type = "test:passed"
	TestFailed           Type = "test:failed"
	FailureAnalyzed      Type = "failure:analyzed"
	FixTaskCreated       Type = "fix_task:created"
	PatternLearned       Type = "pattern:learned"
)

// Event is one record on the bus.
type Event struct {
	ID           string                 `json:"id"`
	Type         Type                   `json:"type"`
	Timestamp    time.Time              `json:"timestamp"`
	Severity     Severity               `json:"severity"`
	Data         map[string]interface{} `json:"data,omitempty"`
	TaskID       string                 `json:"task_id,omitempty"`
	PrdID        string                 `json:"prd_id,omitempty"`
	PhaseID      string                 `json:"phase_id,omitempty"`
	TargetModule string                 `json:"target_module,omitempty"`
}

// Filter narrows a poll() call.
type Filter struct {
	Since      string
	Types      []Type
	Severities []Severity
	TaskID     string
	PrdID      string
	Limit      int
}
