package prdset

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/devloopfleet/devloop/internal/corerr"
	"github.com/devloopfleet/devloop/internal/eventbus"
	"github.com/devloopfleet/devloop/internal/prd"
	"github.com/devloopfleet/devloop/internal/resolver"
)

// Executor runs a single PRD to completion and reports its outcome. The
// Iteration Runner supplies this (Runner.runWithFreshContext in the
// original design); the orchestrator only needs the thunk contract.
type Executor func(ctx context.Context, meta *prd.PrdMetadata) error

// Prerequisite checks one precondition for a PRD before it may run:
// declared code-requirements, environment readiness, test-infrastructure
// presence. Returning a non-nil error blocks the PRD for that reason.
type Prerequisite func(meta *prd.PrdMetadata) error

// Paths configures where the orchestrator persists its owned documents.
type Paths struct {
	SetStateFile       string
	ExecutionStateFile string
}

// Orchestrator coordinates one PRD set's execution.
type Orchestrator struct {
	paths         Paths
	maxConcurrent int
	prereqs       []Prerequisite
	bus           *eventbus.Bus
}

// New constructs an Orchestrator. maxConcurrent defaults to 2 when <= 0.
func New(paths Paths, maxConcurrent int, prereqs []Prerequisite, bus *eventbus.Bus) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Orchestrator{paths: paths, maxConcurrent: maxConcurrent, prereqs: prereqs, bus: bus}
}

// SetOutcome is the orchestrator's final verdict for a PRD set.
type SetOutcome string

// Valid set outcomes.
const (
	SetComplete SetOutcome = "complete"
	SetFailed   SetOutcome = "failed"
	SetBlocked  SetOutcome = "blocked"
)

// Run executes setID's PRDs (prds, already parsed) to completion. It
// builds the PRD DAG, rejects cycles outright, and walks execution levels
// validating prerequisites and dispatching a bounded worker pool per
// level.
func (o *Orchestrator) Run(ctx context.Context, setID string, prds []*prd.PrdMetadata, exec Executor) (SetOutcome, SetState, error) {
	nodes := make([]resolver.Node, len(prds))
	byID := make(map[string]*prd.PrdMetadata, len(prds))
	for i, p := range prds {
		nodes[i] = p
		byID[p.ID] = p
	}

	graph, err := resolver.Build(nodes)
	if err != nil {
		return SetFailed, nil, err
	}

	levels, err := graph.ExecutionLevels()
	if err != nil {
		return SetFailed, nil, err
	}

	state, err := loadSetState(o.paths.SetStateFile)
	if err != nil {
		return SetFailed, nil, err
	}
	for _, p := range prds {
		if _, ok := state[p.ID]; !ok {
			state[p.ID] = &PrdState{Status: PrdStatusPending}
		}
	}

	if o.paths.ExecutionStateFile != "" {
		es := &ExecutionState{}
		es.Active.PrdSetID = setID
		_ = saveExecutionState(o.paths.ExecutionStateFile, es)
	}

	o.emit(eventbus.PrdStarted, setID, "")

	for _, level := range levels {
		o.runLevel(ctx, level, byID, state, exec)
		if err := saveSetState(o.paths.SetStateFile, state); err != nil {
			return SetFailed, state, err
		}
	}

	outcome := computeOutcome(state)
	switch outcome {
	case SetComplete:
		o.emit(eventbus.PrdComplete, setID, "")
	case SetFailed:
		o.emit(eventbus.PrdFailed, setID, "")
	default:
		o.emit(eventbus.PrdBlocked, setID, "")
	}

	return outcome, state, nil
}

// runLevel validates prerequisites for every PRD in the level, then
// dispatches the remaining ready PRDs onto a bounded worker pool. The
// caller advances to the next level only after this one fully settles.
func (o *Orchestrator) runLevel(ctx context.Context, level []string, byID map[string]*prd.PrdMetadata, state SetState, exec Executor) {
	var ready []string
	for _, id := range level {
		meta := byID[id]
		if err := o.checkPrerequisites(meta); err != nil {
			st := state[id]
			st.Status = PrdStatusBlocked
			st.Reason = err.Error()
			o.emitPrd(eventbus.PrdBlocked, id, err.Error())
			continue
		}
		if depsComplete(meta, state) {
			ready = append(ready, id)
		} else {
			state[id].Status = PrdStatusBlocked
			state[id].Reason = "one or more dependencies did not complete"
		}
	}

	sem := make(chan struct{}, o.maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, id := range ready {
		id := id
		meta := byID[id]

		mu.Lock()
		now := time.Now()
		state[id].Status = PrdStatusRunning
		state[id].StartTime = &now
		mu.Unlock()
		o.emitPrd(eventbus.TaskStarted, id, "")

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := exec(ctx, meta)

			mu.Lock()
			end := time.Now()
			state[id].EndTime = &end
			if err != nil {
				state[id].Status = PrdStatusFailed
				state[id].Reason = err.Error()
			} else {
				state[id].Status = PrdStatusComplete
			}
			mu.Unlock()

			if err != nil {
				o.emitPrd(eventbus.TaskFailed, id, err.Error())
			} else {
				o.emitPrd(eventbus.TaskCompleted, id, "")
			}
		}()
	}

	wg.Wait()
}

func depsComplete(meta *prd.PrdMetadata, state SetState) bool {
	for _, dep := range meta.NodeDependsOn() {
		st, ok := state[dep]
		if !ok || st.Status != PrdStatusComplete {
			return false
		}
	}
	return true
}

func (o *Orchestrator) checkPrerequisites(meta *prd.PrdMetadata) error {
	for _, check := range o.prereqs {
		if err := check(meta); err != nil {
			return err
		}
	}
	return nil
}

func computeOutcome(state SetState) SetOutcome {
	allComplete := true
	anyComplete := false
	anyFailed := false
	for _, st := range state {
		switch st.Status {
		case PrdStatusComplete:
			anyComplete = true
		case PrdStatusFailed:
			anyFailed = true
			allComplete = false
		default:
			allComplete = false
		}
	}
	if allComplete {
		return SetComplete
	}
	if !anyComplete && anyFailed {
		return SetFailed
	}
	return SetBlocked
}

func (o *Orchestrator) emit(typ eventbus.Type, setID, note string) {
	if o.bus == nil {
		return
	}
	data := map[string]interface{}{"prdSetId": setID}
	if note != "" {
		data["reason"] = note
	}
	o.bus.Emit(typ, eventbus.SeverityInfo, data, "", setID, "", "")
}

func (o *Orchestrator) emitPrd(typ eventbus.Type, prdID, note string) {
	if o.bus == nil {
		return
	}
	var data map[string]interface{}
	if note != "" {
		data = map[string]interface{}{"reason": note}
	}
	o.bus.Emit(typ, eventbus.SeverityInfo, data, "", prdID, "", "")
}

// CodeRequirementsExist is a Prerequisite checking that every file path
// named in meta's code-requirements config subtree exists relative to
// root.
func CodeRequirementsExist(root string) Prerequisite {
	return func(meta *prd.PrdMetadata) error {
		reqs, ok := meta.Config["codeRequirements"].([]interface{})
		if !ok {
			return nil
		}
		for _, r := range reqs {
			path, ok := r.(string)
			if !ok {
				continue
			}
			full := path
			if root != "" {
				full = root + string(os.PathSeparator) + path
			}
			if _, err := os.Stat(full); err != nil {
				return &corerr.DependencyError{Subject: meta.ID, Msg: fmt.Sprintf("required file %q is missing", path)}
			}
		}
		return nil
	}
}

// TestInfrastructurePresent is a Prerequisite checking that meta declares
// a testing directory and it exists on disk.
func TestInfrastructurePresent(root string) Prerequisite {
	return func(meta *prd.PrdMetadata) error {
		if meta.TestingDir == "" {
			return nil
		}
		full := meta.TestingDir
		if root != "" {
			full = root + string(os.PathSeparator) + meta.TestingDir
		}
		info, err := os.Stat(full)
		if err != nil || !info.IsDir() {
			return &corerr.DependencyError{Subject: meta.ID, Msg: fmt.Sprintf("testing directory %q is missing", meta.TestingDir)}
		}
		return nil
	}
}
