package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates the Postgres-backed workflow repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const runCols = `id, workflow_id, type, status, result_ids, current_step,
	completed_steps, started_at, completed_at, error_message, retry_count,
	created_at, updated_at`

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.WorkflowID, &run.Type, &run.Status, &run.ResultIDs, &run.CurrentStep,
		&run.CompletedSteps, &run.StartedAt, &run.CompletedAt, &run.ErrorMessage, &run.RetryCount,
		&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &run, err
}

func (r *repoPG) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.WorkflowID == "" {
		run.WorkflowID = run.ID.String()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO workflow_run (id, workflow_id, type, status, result_ids, current_step,
			completed_steps, started_at, completed_at, error_message, retry_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		run.ID, run.WorkflowID, run.Type, run.Status, run.ResultIDs, run.CurrentStep,
		run.CompletedSteps, run.StartedAt, run.CompletedAt, run.ErrorMessage, run.RetryCount,
		run.CreatedAt, run.UpdatedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM workflow_run WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE workflow_run SET status=$2, current_step=$3, completed_steps=$4,
			started_at=$5, completed_at=$6, error_message=$7, retry_count=$8, updated_at=$9
		WHERE id = $1`,
		run.ID, run.Status, run.CurrentStep, run.CompletedSteps,
		run.StartedAt, run.CompletedAt, run.ErrorMessage, run.RetryCount, run.UpdatedAt)
	return err
}

func (r *repoPG) ListByResult(ctx context.Context, resultID uuid.UUID) ([]*Run, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+runCols+` FROM workflow_run WHERE $1 = ANY(result_ids) ORDER BY created_at`, resultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (r *repoPG) ListByStatus(ctx context.Context, status Status, limit int) ([]*Run, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+runCols+` FROM workflow_run WHERE status = $1 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows pgx.Rows) ([]*Run, error) {
	var items []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, run)
	}
	return items, rows.Err()
}
