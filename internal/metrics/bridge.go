package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/devloopfleet/devloop/internal/eventbus"
)

// Paths configures where the Bridge persists its three owned documents, and
// the optional sqlite index file.
type Paths struct {
	MetricsFile       string
	PrdSetMetricsFile string
	BuildMetricsFile  string
	IndexFile         string
}

// Bridge is the Event Bus's sole privileged subscriber: it folds every
// event into in-memory aggregates, tracks which aggregates are dirty, and
// batches writes to disk every FlushInterval and on Stop.
type Bridge struct {
	mu sync.Mutex

	paths         Paths
	flushInterval time.Duration

	current *RunRecord
	runs    []*RunRecord
	sets    map[string]*PrdSetMetricsData
	builds  []*BuildMetricsData

	dirtyRuns, dirtySets, dirtyBuilds bool

	listenerID int
	stopCh     chan struct{}
	stopped    bool

	idx  *index
	prom *promCollectors
}

// New constructs a Bridge over the given persistence paths. It loads any
// existing documents so folding resumes rather than clobbers.
func New(paths Paths, flushInterval time.Duration) (*Bridge, error) {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	b := &Bridge{
		paths:         paths,
		flushInterval: flushInterval,
		sets:          make(map[string]*PrdSetMetricsData),
		prom:          newPromCollectors(),
	}

	if doc, err := loadMetricsDocument(paths.MetricsFile); err != nil {
		return nil, err
	} else {
		b.runs = doc.Runs
	}

	if sets, err := loadPrdSetMetrics(paths.PrdSetMetricsFile); err != nil {
		return nil, err
	} else {
		for _, s := range sets {
			b.sets[s.PrdSetID] = s
		}
	}

	if doc, err := loadBuildMetrics(paths.BuildMetricsFile); err != nil {
		return nil, err
	} else {
		b.builds = doc.Builds
	}

	if paths.IndexFile != "" {
		idx, err := openIndex(paths.IndexFile)
		if err != nil {
			return nil, err
		}
		b.idx = idx
	}

	return b, nil
}

// Attach subscribes the Bridge to a Bus as its event handler.
func (b *Bridge) Attach(bus *eventbus.Bus) {
	b.listenerID = bus.AddListener(b.handleEvent)
}

// Run starts the periodic flush + stale-set-reap ticker. It blocks until
// Stop is called; run it in its own goroutine.
func (b *Bridge) Run() {
	b.mu.Lock()
	b.stopCh = make(chan struct{})
	stopCh := b.stopCh
	b.mu.Unlock()

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	b.reapStaleSets()

	for {
		select {
		case <-ticker.C:
			b.reapStaleSets()
			_ = b.Flush()
		case <-stopCh:
			return
		}
	}
}

// Stop flushes any pending saves and halts the periodic ticker.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		if b.stopCh != nil {
			close(b.stopCh)
		}
	}
	b.mu.Unlock()

	if b.idx != nil {
		defer b.idx.close()
	}
	return b.Flush()
}

// beginRun starts folding events into a fresh RunRecord, persisting the
// previous one if the caller forgot to end it explicitly.
func (b *Bridge) beginRun(runID, provider string) *RunRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil {
		b.current.EndTime = time.Now()
		b.runs = append(b.runs, b.current)
		b.dirtyRuns = true
	}

	r := &RunRecord{
		RunID:     runID,
		StartTime: time.Now(),
		Provider:  provider,
		Prds:      make(map[string]*PrdMetrics),
	}
	b.current = r
	return r
}

func (b *Bridge) prdMetrics(prdID string) *PrdMetrics {
	if b.current == nil {
		b.current = &RunRecord{RunID: "unscoped", StartTime: time.Now(), Prds: make(map[string]*PrdMetrics)}
	}
	if b.current.Prds == nil {
		b.current.Prds = make(map[string]*PrdMetrics)
	}
	pm, ok := b.current.Prds[prdID]
	if !ok {
		pm = &PrdMetrics{PrdID: prdID}
		b.current.Prds[prdID] = pm
	}
	return pm
}

// handleEvent is the Bus listener callback: it routes by the event type's
// prefix to the matching sub-metric updater.
func (b *Bridge) handleEvent(evt eventbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix, _ := splitType(evt.Type)
	switch prefix {
	case "json":
		b.foldJSON(evt)
	case "file":
		b.foldFile(evt)
	case "validation":
		b.foldValidation(evt)
	case "ipc":
		b.foldIPC(evt)
	case "code", "test", "task", "change", "failure", "fix_task", "pattern":
		b.foldPrdLevel(evt)
	case "speckit":
		b.foldSpeckit(evt)
	case "prd":
		b.foldPrdSetLevel(evt)
	}
}

func splitType(t eventbus.Type) (prefix, suffix string) {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func durationMs(evt eventbus.Event) float64 {
	if v, ok := evt.Data["durationMs"]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func (b *Bridge) foldJSON(evt eventbus.Event) {
	if b.current == nil {
		b.current = &RunRecord{RunID: "unscoped", StartTime: time.Now(), Prds: make(map[string]*PrdMetrics)}
	}
	jm := &b.current.JSON
	jm.TotalAttempts++

	_, suffix := splitType(evt.Type)
	if suffix != "parse_success" && evt.Type != eventbus.JSONParseSuccess {
		b.dirtyRuns = true
		return
	}

	retryCount := 0
	if v, ok := evt.Data["retryCount"]; ok {
		if f, ok := v.(float64); ok {
			retryCount = int(f)
		}
	}
	strategy, _ := evt.Data["strategy"].(string)

	switch {
	case strategy == "ai_fallback_success" || evt.Data["aiFallback"] == true:
		jm.AIFallbackParses++
	case strings.Contains(strategy, "sanitize"):
		jm.SanitizedParses++
	case retryCount == 0:
		jm.DirectParses++
	default:
		jm.RetryParses++
	}

	if ms := durationMs(evt); ms > 0 {
		jm.ParseTimeMs.Add(ms)
	}
	b.dirtyRuns = true
	b.prom.jsonAttempts.Inc()
	if strategy == "ai_fallback_success" {
		b.prom.jsonFallbacks.Inc()
	}
}

func (b *Bridge) foldFile(evt eventbus.Event) {
	if b.current == nil {
		b.current = &RunRecord{RunID: "unscoped", StartTime: time.Now(), Prds: make(map[string]*PrdMetrics)}
	}
	fm := &b.current.Files
	switch evt.Type {
	case eventbus.FileFiltered:
		fm.FilesFiltered++
	case eventbus.FileFilteredPredictive:
		fm.FilesFilteredPredictive++
	case eventbus.FileBoundaryViolation:
		fm.BoundaryViolations++
	case eventbus.FileCreated, eventbus.FileModified:
		fm.FilesAllowed++
	}
	if ms := durationMs(evt); ms > 0 {
		fm.FilterTimeMs.Add(ms)
	}
	b.dirtyRuns = true
}

func (b *Bridge) foldValidation(evt eventbus.Event) {
	if b.current == nil {
		b.current = &RunRecord{RunID: "unscoped", StartTime: time.Now(), Prds: make(map[string]*PrdMetrics)}
	}
	vm := &b.current.Validation
	switch evt.Type {
	case eventbus.ValidationPassed:
		vm.Passed++
	case eventbus.ValidationFailed:
		vm.Failed++
		if cat, ok := evt.Data["category"].(string); ok && cat != "" {
			if vm.ErrorCategories == nil {
				vm.ErrorCategories = make(map[string]int)
			}
			vm.ErrorCategories[cat]++
		}
	case eventbus.ValidationErrorWithSuggestion:
		vm.ErrorsWithSuggestion++
	}
	b.dirtyRuns = true
}

func (b *Bridge) foldIPC(evt eventbus.Event) {
	if b.current == nil {
		b.current = &RunRecord{RunID: "unscoped", StartTime: time.Now(), Prds: make(map[string]*PrdMetrics)}
	}
	im := &b.current.IPC
	switch evt.Type {
	case eventbus.IPCConnectionFailed:
		im.ConnectionFailures++
	case eventbus.IPCConnectionRetry:
		im.ConnectionRetries++
		if ms := durationMs(evt); ms > 0 {
			im.RetryTimeMs.Add(ms)
		}
	case eventbus.IPCHealthCheck:
		im.HealthChecks++
	}
	b.dirtyRuns = true
}

func (b *Bridge) foldPrdLevel(evt eventbus.Event) {
	if evt.PrdID == "" {
		return
	}
	pm := b.prdMetrics(evt.PrdID)
	switch evt.Type {
	case eventbus.CodeGenerated:
		pm.CodeGenerated++
	case eventbus.CodeGenerationFailed:
		pm.GenerationFailed++
	case eventbus.TestPassed:
		pm.TestsPassed++
	case eventbus.TestFailed:
		pm.TestsFailed++
	case eventbus.TaskStarted:
		pm.TasksStarted++
		b.prom.tasksStarted.WithLabelValues(evt.PrdID).Inc()
	case eventbus.TaskCompleted:
		pm.TasksCompleted++
		b.prom.tasksCompleted.WithLabelValues(evt.PrdID).Inc()
	case eventbus.TaskFailed:
		pm.TasksFailed++
		b.prom.tasksFailed.WithLabelValues(evt.PrdID).Inc()
	case eventbus.TaskBlocked:
		pm.TasksBlocked++
	case eventbus.ChangesApplied:
		pm.ChangesApplied++
	case eventbus.FailureAnalyzed:
		pm.FailuresAnalyzed++
	case eventbus.FixTaskCreated:
		pm.FixTasksCreated++
	case eventbus.PatternLearned:
		pm.PatternsLearned++
	}
	if v, ok := evt.Data["inputTokens"].(float64); ok {
		pm.InputTokens += int(v)
		if b.current != nil {
			b.current.InputTokens += int(v)
		}
	}
	if v, ok := evt.Data["outputTokens"].(float64); ok {
		pm.OutputTokens += int(v)
		if b.current != nil {
			b.current.OutputTokens += int(v)
		}
	}
	b.dirtyRuns = true
}

func (b *Bridge) foldSpeckit(evt eventbus.Event) {
	if evt.PrdID == "" {
		return
	}
	set := b.setFor(prdSetIDFromEvent(evt))
	set.SpeckitContextInjected++
	b.dirtySets = true
}

// foldPrdSetLevel covers prd:started/complete/blocked/failed at the
// PRD-set granularity via a dedicated routing entry, since those events
// gate the set's own status rather than a per-PRD counter.
func (b *Bridge) foldPrdSetLevel(evt eventbus.Event) {
	setID := prdSetIDFromEvent(evt)
	if setID == "" {
		return
	}
	set := b.setFor(setID)
	now := time.Now()
	switch evt.Type {
	case eventbus.PrdStarted:
		if set.StartTime.IsZero() {
			set.StartTime = now
		}
		set.Status = "in-progress"
	case eventbus.PrdComplete:
		set.EndTime = now
		set.Status = "complete"
	case eventbus.PrdBlocked:
		set.EndTime = now
		set.Status = "blocked"
	case eventbus.PrdFailed:
		set.EndTime = now
		set.Status = "failed"
	}
	b.dirtySets = true
}

func prdSetIDFromEvent(evt eventbus.Event) string {
	if v, ok := evt.Data["prdSetId"].(string); ok && v != "" {
		return v
	}
	return evt.PrdID
}

func (b *Bridge) setFor(setID string) *PrdSetMetricsData {
	s, ok := b.sets[setID]
	if !ok {
		s = &PrdSetMetricsData{PrdSetID: setID, Status: "in-progress", StartTime: time.Now(), Prds: make(map[string]*PrdMetrics)}
		b.sets[setID] = s
	}
	return s
}

// EndRun finalizes the current run, estimates its cost, appends it to the
// persisted run list, and marks it dirty.
func (b *Bridge) EndRun() *RunRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current == nil {
		return nil
	}
	r := b.current
	r.EndTime = time.Now()
	b.runs = append(b.runs, r)
	b.current = nil
	b.dirtyRuns = true

	if b.idx != nil {
		cost := EstimateCost(r.Provider, r.InputTokens, r.OutputTokens)
		_ = b.idx.upsertRun(r, cost)
	}
	return r
}

// reapStaleSets closes out any in-progress set whose last activity is
// older than one hour as blocked.
func (b *Bridge) reapStaleSets() {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	for _, s := range b.sets {
		if s.Status != "in-progress" {
			continue
		}
		last := s.EndTime
		if last.IsZero() {
			last = s.StartTime
		}
		if last.Before(cutoff) {
			s.Status = "blocked"
			s.EndTime = time.Now()
			b.dirtySets = true
		}
	}

	active := 0
	for _, s := range b.sets {
		if s.Status == "in-progress" {
			active++
		}
	}
	b.prom.activeSets.Set(float64(active))
	for _, s := range b.sets {
		b.prom.setCostUSD.WithLabelValues(s.PrdSetID).Set(s.TotalCostUSD)
	}
}

// Flush writes every dirty document to disk. Documents that are not dirty
// are left untouched.
func (b *Bridge) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Bridge) flushLocked() error {
	if b.dirtyRuns {
		if err := writeJSONAtomic(b.paths.MetricsFile, &MetricsDocument{Runs: b.runs}); err != nil {
			return err
		}
		b.dirtyRuns = false
	}
	if b.dirtySets {
		list := make([]*PrdSetMetricsData, 0, len(b.sets))
		for _, s := range b.sets {
			list = append(list, s)
			if b.idx != nil {
				_ = b.idx.upsertSet(s)
			}
		}
		if err := writeJSONAtomic(b.paths.PrdSetMetricsFile, list); err != nil {
			return err
		}
		b.dirtySets = false
	}
	if b.dirtyBuilds {
		doc := &BuildMetricsDocument{Version: "1", LastUpdated: time.Now(), Builds: b.builds}
		if err := writeJSONAtomic(b.paths.BuildMetricsFile, doc); err != nil {
			return err
		}
		b.dirtyBuilds = false
	}
	return nil
}

// RecordBuild appends a build record and marks build metrics dirty.
func (b *Bridge) RecordBuild(build *BuildMetricsData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds = append(b.builds, build)
	b.dirtyBuilds = true
}

func writeJSONAtomic(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s temp file: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("failed to rename %s temp file: %w", filepath.Base(path), err)
	}
	return nil
}

func loadMetricsDocument(path string) (*MetricsDocument, error) {
	var doc MetricsDocument
	if err := readJSONOrEmpty(path, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func loadPrdSetMetrics(path string) ([]*PrdSetMetricsData, error) {
	var list []*PrdSetMetricsData
	if err := readJSONOrEmpty(path, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func loadBuildMetrics(path string) (*BuildMetricsDocument, error) {
	var doc BuildMetricsDocument
	if err := readJSONOrEmpty(path, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func readJSONOrEmpty(path string, v interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
