package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/storage"
)

type runRepo struct {
	tx *sql.Tx
}

func (r *runRepo) Create(ctx context.Context, run *domain.WorkflowRun) error {
	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_name, event_type, branch, sha, repo, state, created_at, updated_at, started_at, finished_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.WorkflowName, run.EventType, run.Branch, run.SHA, run.Repo, run.State,
		run.CreatedAt, run.UpdatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.Version)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *runRepo) Get(ctx context.Context, id string) (*domain.WorkflowRun, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT id, workflow_name, event_type, branch, sha, repo, state, created_at, updated_at, started_at, finished_at, version
		FROM workflow_runs WHERE id = ?
	`, id)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func scanRun(scan func(dest ...any) error) (*domain.WorkflowRun, error) {
	run := &domain.WorkflowRun{}
	var startedAt, finishedAt sql.NullTime

	err := scan(&run.ID, &run.WorkflowName, &run.EventType, &run.Branch, &run.SHA, &run.Repo,
		&run.State, &run.CreatedAt, &run.UpdatedAt, &startedAt, &finishedAt, &run.Version)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func (r *runRepo) Update(ctx context.Context, run *domain.WorkflowRun) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET state = ?, updated_at = ?, started_at = ?, finished_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, run.State, run.UpdatedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt), run.ID, run.Version)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrConcurrentModify
	}

	run.Version++
	return nil
}

func (r *runRepo) List(ctx context.Context, opts storage.ListOptions) ([]*domain.WorkflowRun, error) {
	query := `
		SELECT id, workflow_name, event_type, branch, sha, repo, state, created_at, updated_at, started_at, finished_at, version
		FROM workflow_runs`
	var conds []string
	var args []any

	if len(opts.IDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(opts.IDs))+")")
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	if len(opts.RunStates) > 0 {
		conds = append(conds, "state IN ("+placeholders(len(opts.RunStates))+")")
		for _, state := range opts.RunStates {
			args = append(args, state)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *runRepo) Delete(ctx context.Context, id string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
