package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (p *PostgresClient) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	warnings, err := json.Marshal(nonNil(run.Warnings))
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO task_runs (id, protocol_name, sample_name, document, status, outcome,
			current_step, total_steps, error, warnings, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.ID, run.ProtocolName, run.SampleName, run.Document, run.Status, run.Outcome,
		run.CurrentStep, run.TotalSteps, run.Error, warnings, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (p *PostgresClient) UpdateRun(ctx context.Context, run *Run) error {
	warnings, err := json.Marshal(nonNil(run.Warnings))
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}

	result, err := p.pool.Exec(ctx, `
		UPDATE task_runs
		SET status = $2, outcome = $3, current_step = $4, error = $5, warnings = $6, finished_at = $7
		WHERE id = $1
	`, run.ID, run.Status, run.Outcome, run.CurrentStep, run.Error, warnings, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

func (p *PostgresClient) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, protocol_name, sample_name, document, status, outcome,
			current_step, total_steps, error, warnings, started_at, finished_at
		FROM task_runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (p *PostgresClient) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, protocol_name, sample_name, document, status, outcome,
			current_step, total_steps, error, warnings, started_at, finished_at
		FROM task_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	var warnings []byte
	err := row.Scan(
		&run.ID,
		&run.ProtocolName,
		&run.SampleName,
		&run.Document,
		&run.Status,
		&run.Outcome,
		&run.CurrentStep,
		&run.TotalSteps,
		&run.Error,
		&warnings,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &run.Warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	return &run, nil
}

func (p *PostgresClient) CreateRunStep(ctx context.Context, step *RunStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	details, err := marshalJSONB(step.Details)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO task_run_steps (id, run_id, step_index, kind, name, status, error, details, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, step.ID, step.RunID, step.StepIndex, step.Kind, step.Name, step.Status, step.Error,
		details, step.StartedAt, step.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run step: %w", err)
	}
	return nil
}

func (p *PostgresClient) UpdateRunStep(ctx context.Context, step *RunStep) error {
	details, err := marshalJSONB(step.Details)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		UPDATE task_run_steps
		SET status = $2, error = $3, details = $4, finished_at = $5
		WHERE id = $1
	`, step.ID, step.Status, step.Error, details, step.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to update run step: %w", err)
	}
	return nil
}

func (p *PostgresClient) GetRunSteps(ctx context.Context, runID uuid.UUID) ([]RunStep, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, run_id, step_index, kind, name, status, error, details, started_at, finished_at
		FROM task_run_steps
		WHERE run_id = $1
		ORDER BY step_index, started_at
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run steps: %w", err)
	}
	defer rows.Close()

	var steps []RunStep
	for rows.Next() {
		var step RunStep
		var details []byte
		if err := rows.Scan(
			&step.ID,
			&step.RunID,
			&step.StepIndex,
			&step.Kind,
			&step.Name,
			&step.Status,
			&step.Error,
			&details,
			&step.StartedAt,
			&step.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run step: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &step.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step details: %w", err)
			}
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (p *PostgresClient) CreateRunEvent(ctx context.Context, event *RunEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	payload, err := marshalJSONB(event.Payload)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO task_run_events (id, run_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.RunID, event.EventType, payload, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run event: %w", err)
	}
	return nil
}

func marshalJSONB(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb: %w", err)
	}
	return data, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
