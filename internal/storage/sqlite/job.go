package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/example/matrixci/internal/domain"
	"github.com/example/matrixci/internal/storage"
)

type jobRepo struct {
	tx *sql.Tx
}

const jobColumns = `id, run_id, job_id, combination_json, needs_json, state, fail_fast, continue_on_error,
	runs_on, timeout_seconds, claimed_by, workspace, failure_message, failure_at,
	created_at, updated_at, started_at, finished_at, version`

func (r *jobRepo) Create(ctx context.Context, inst *domain.JobInstance) error {
	comboJSON, err := json.Marshal(inst.Combination)
	if err != nil {
		return err
	}
	needsJSON, err := json.Marshal(inst.Needs)
	if err != nil {
		return err
	}

	var failureMessage sql.NullString
	var failureAt sql.NullTime
	if inst.Failure != nil {
		failureMessage = sql.NullString{String: inst.Failure.Message, Valid: true}
		failureAt = sql.NullTime{Time: inst.Failure.OccurredAt, Valid: true}
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO job_instances (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.RunID, inst.JobID, string(comboJSON), string(needsJSON), inst.State,
		inst.FailFast, inst.ContinueOnError, inst.RunsOn, inst.TimeoutSeconds,
		inst.ClaimedBy, inst.Workspace, failureMessage, failureAt,
		inst.CreatedAt, inst.UpdatedAt, nullTime(inst.StartedAt), nullTime(inst.FinishedAt), inst.Version)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return domain.ErrAlreadyExists
	}
	return err
}

func (r *jobRepo) Get(ctx context.Context, runID, instanceID string) (*domain.JobInstance, error) {
	row := r.tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM job_instances WHERE run_id = ? AND id = ?
	`, runID, instanceID)

	inst, err := scanJobInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	steps, err := r.ListStepResults(ctx, runID, instanceID)
	if err != nil {
		return nil, err
	}
	inst.Steps = steps
	return inst, nil
}

func scanJobInstance(scan func(dest ...any) error) (*domain.JobInstance, error) {
	inst := &domain.JobInstance{}
	var comboJSON, needsJSON string
	var claimedBy, workspace, runsOn sql.NullString
	var failureMessage sql.NullString
	var failureAt, startedAt, finishedAt sql.NullTime

	err := scan(&inst.ID, &inst.RunID, &inst.JobID, &comboJSON, &needsJSON, &inst.State,
		&inst.FailFast, &inst.ContinueOnError, &runsOn, &inst.TimeoutSeconds,
		&claimedBy, &workspace, &failureMessage, &failureAt,
		&inst.CreatedAt, &inst.UpdatedAt, &startedAt, &finishedAt, &inst.Version)
	if err != nil {
		return nil, err
	}

	if comboJSON != "" && comboJSON != "null" {
		if err := json.Unmarshal([]byte(comboJSON), &inst.Combination); err != nil {
			return nil, err
		}
	}
	if inst.Combination == nil {
		inst.Combination = make(map[string]string)
	}
	if needsJSON != "" && needsJSON != "null" {
		if err := json.Unmarshal([]byte(needsJSON), &inst.Needs); err != nil {
			return nil, err
		}
	}
	inst.RunsOn = runsOn.String
	inst.ClaimedBy = claimedBy.String
	inst.Workspace = workspace.String
	if failureMessage.Valid && failureAt.Valid {
		inst.Failure = &domain.Failure{Message: failureMessage.String, OccurredAt: failureAt.Time}
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		inst.FinishedAt = &finishedAt.Time
	}
	return inst, nil
}

func (r *jobRepo) Update(ctx context.Context, inst *domain.JobInstance) error {
	var failureMessage sql.NullString
	var failureAt sql.NullTime
	if inst.Failure != nil {
		failureMessage = sql.NullString{String: inst.Failure.Message, Valid: true}
		failureAt = sql.NullTime{Time: inst.Failure.OccurredAt, Valid: true}
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE job_instances
		SET state = ?, claimed_by = ?, workspace = ?, failure_message = ?, failure_at = ?,
		    updated_at = ?, started_at = ?, finished_at = ?, version = version + 1
		WHERE run_id = ? AND id = ? AND version = ?
	`, inst.State, inst.ClaimedBy, inst.Workspace, failureMessage, failureAt,
		inst.UpdatedAt, nullTime(inst.StartedAt), nullTime(inst.FinishedAt),
		inst.RunID, inst.ID, inst.Version)
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

	inst.Version++
	return nil
}

func (r *jobRepo) ListByRun(ctx context.Context, runID string, opts storage.ListOptions) ([]*domain.JobInstance, error) {
	query := `SELECT ` + jobColumns + ` FROM job_instances WHERE run_id = ?`
	args := []any{runID}

	if len(opts.IDs) > 0 {
		query += " AND id IN (" + placeholders(len(opts.IDs)) + ")"
		for _, id := range opts.IDs {
			args = append(args, id)
		}
	}
	if len(opts.JobStates) > 0 {
		query += " AND state IN (" + placeholders(len(opts.JobStates)) + ")"
		for _, state := range opts.JobStates {
			args = append(args, state)
		}
	}
	if opts.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, opts.JobID)
	}
	query += " ORDER BY created_at, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	return r.queryInstances(ctx, query, args...)
}

func (r *jobRepo) ListByStates(ctx context.Context, states []domain.JobState, limit int) ([]*domain.JobInstance, error) {
	if len(states) == 0 {
		return nil, nil
	}
	query := `SELECT ` + jobColumns + ` FROM job_instances WHERE state IN (` + placeholders(len(states)) + `)
		ORDER BY created_at, id`
	args := make([]any, 0, len(states)+1)
	for _, state := range states {
		args = append(args, state)
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return r.queryInstances(ctx, query, args...)
}

func (r *jobRepo) queryInstances(ctx context.Context, query string, args ...any) ([]*domain.JobInstance, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*domain.JobInstance
	for rows.Next() {
		inst, err := scanJobInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (r *jobRepo) CountByState(ctx context.Context, runID string) (map[domain.JobState]int, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM job_instances WHERE run_id = ? GROUP BY state
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobState]int)
	for rows.Next() {
		var state domain.JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

func (r *jobRepo) AddStepResult(ctx context.Context, result *domain.StepResult) error {
	var failureMessage sql.NullString
	var failureAt sql.NullTime
	if result.Failure != nil {
		failureMessage = sql.NullString{String: result.Failure.Message, Valid: true}
		failureAt = sql.NullTime{Time: result.Failure.OccurredAt, Valid: true}
	}

	res, err := r.tx.ExecContext(ctx, `
		INSERT INTO step_results (run_id, job_instance_id, idx, name, uses, command, state, output,
			exit_code, continue_on_error, started_at, finished_at, failure_message, failure_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, result.RunID, result.JobInstanceID, result.Idx, result.Name, result.Uses, result.Command,
		result.State, result.Output, result.ExitCode, result.ContinueOnError,
		nullTime(result.StartedAt), nullTime(result.FinishedAt), failureMessage, failureAt, result.CreatedAt)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	result.ID = id
	return nil
}

func (r *jobRepo) ListStepResults(ctx context.Context, runID, instanceID string) ([]domain.StepResult, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, run_id, job_instance_id, idx, name, uses, command, state, output,
			exit_code, continue_on_error, started_at, finished_at, failure_message, failure_at, created_at
		FROM step_results WHERE run_id = ? AND job_instance_id = ?
		ORDER BY idx
	`, runID, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []domain.StepResult
	for rows.Next() {
		var result domain.StepResult
		var name, uses, command, output sql.NullString
		var failureMessage sql.NullString
		var failureAt, startedAt, finishedAt sql.NullTime

		err := rows.Scan(&result.ID, &result.RunID, &result.JobInstanceID, &result.Idx,
			&name, &uses, &command, &result.State, &output,
			&result.ExitCode, &result.ContinueOnError, &startedAt, &finishedAt,
			&failureMessage, &failureAt, &result.CreatedAt)
		if err != nil {
			return nil, err
		}

		result.Name = name.String
		result.Uses = uses.String
		result.Command = command.String
		result.Output = output.String
		if startedAt.Valid {
			result.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			result.FinishedAt = &finishedAt.Time
		}
		if failureMessage.Valid && failureAt.Valid {
			result.Failure = &domain.Failure{Message: failureMessage.String, OccurredAt: failureAt.Time}
		}
		results = append(results, result)
	}

	return results, rows.Err()
}
