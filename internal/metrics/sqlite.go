package metrics

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// index is an auxiliary queryable copy of folded metrics, kept alongside
// the JSON documents of record so an operator (or a future dashboard) can
// run ad-hoc SQL ("which PRD has the highest fix-task rate this week")
// without parsing metrics.json by hand. The JSON files remain the source
// of truth; this index is rebuildable from them at any time.
type index struct {
	db *sql.DB
}

func openIndex(path string) (*index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics index: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metrics index schema: %w", err)
	}
	return &index{db: db}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	start_time TEXT NOT NULL,
	end_time TEXT,
	provider TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS prd_metrics (
	run_id TEXT NOT NULL,
	prd_id TEXT NOT NULL,
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	tasks_failed INTEGER NOT NULL DEFAULT 0,
	tests_passed INTEGER NOT NULL DEFAULT 0,
	tests_failed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, prd_id)
);

CREATE TABLE IF NOT EXISTS prd_sets (
	prd_set_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT,
	total_cost_usd REAL NOT NULL DEFAULT 0
);
`

func (idx *index) upsertRun(r *RunRecord, cost float64) error {
	_, err := idx.db.Exec(
		`INSERT INTO runs (run_id, start_time, end_time, provider, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			end_time=excluded.end_time, input_tokens=excluded.input_tokens,
			output_tokens=excluded.output_tokens, cost_usd=excluded.cost_usd`,
		r.RunID, r.StartTime, r.EndTime, r.Provider, r.InputTokens, r.OutputTokens, cost,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run index row: %w", err)
	}
	for prdID, pm := range r.Prds {
		if _, err := idx.db.Exec(
			`INSERT INTO prd_metrics (run_id, prd_id, tasks_completed, tasks_failed, tests_passed, tests_failed)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, prd_id) DO UPDATE SET
				tasks_completed=excluded.tasks_completed, tasks_failed=excluded.tasks_failed,
				tests_passed=excluded.tests_passed, tests_failed=excluded.tests_failed`,
			r.RunID, prdID, pm.TasksCompleted, pm.TasksFailed, pm.TestsPassed, pm.TestsFailed,
		); err != nil {
			return fmt.Errorf("failed to upsert prd index row: %w", err)
		}
	}
	return nil
}

func (idx *index) upsertSet(s *PrdSetMetricsData) error {
	_, err := idx.db.Exec(
		`INSERT INTO prd_sets (prd_set_id, status, start_time, end_time, total_cost_usd)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(prd_set_id) DO UPDATE SET
			status=excluded.status, end_time=excluded.end_time, total_cost_usd=excluded.total_cost_usd`,
		s.PrdSetID, s.Status, s.StartTime, s.EndTime, s.TotalCostUSD,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert prd-set index row: %w", err)
	}
	return nil
}

func (idx *index) close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	return idx.db.Close()
}
