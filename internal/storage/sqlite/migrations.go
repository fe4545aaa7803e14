package sqlite

import (
	"context"
	"database/sql"
)

// Migrate runs all database migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		// Workflow runs table
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			event_type TEXT,
			branch TEXT,
			sha TEXT,
			repo TEXT,
			state INTEGER NOT NULL DEFAULT 10,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			version INTEGER NOT NULL DEFAULT 1
		)`,

		// Job instances table
		`CREATE TABLE IF NOT EXISTS job_instances (
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			combination_json TEXT,
			needs_json TEXT,
			state INTEGER NOT NULL DEFAULT 20,
			fail_fast INTEGER NOT NULL DEFAULT 1,
			continue_on_error INTEGER NOT NULL DEFAULT 0,
			runs_on TEXT,
			timeout_seconds INTEGER NOT NULL DEFAULT 0,
			claimed_by TEXT,
			workspace TEXT,
			failure_message TEXT,
			failure_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			version INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (run_id, id),
			FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,

		// Step results table
		`CREATE TABLE IF NOT EXISTS step_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			job_instance_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			name TEXT,
			uses TEXT,
			command TEXT,
			state INTEGER NOT NULL DEFAULT 10,
			output TEXT,
			exit_code INTEGER NOT NULL DEFAULT 0,
			continue_on_error INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			finished_at DATETIME,
			failure_message TEXT,
			failure_at DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (run_id, job_instance_id) REFERENCES job_instances(run_id, id) ON DELETE CASCADE
		)`,

		// Indexes
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON workflow_runs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON workflow_runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_state ON job_instances(state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_run ON job_instances(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_instance ON step_results(run_id, job_instance_id, idx)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
