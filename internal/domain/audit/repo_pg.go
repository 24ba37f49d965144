package audit

import (
	"context"
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

// NewRepoPG creates the Postgres-backed audit repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const auditCols = `id, action, description, old_values, new_values,
	performed_by, performed_at, message_id, result_id, workflow_id`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.Action, &e.Description, &e.OldValues, &e.NewValues,
		&e.PerformedBy, &e.PerformedAt, &e.MessageID, &e.ResultID, &e.WorkflowID)
	return &e, err
}

func (r *repoPG) Record(ctx context.Context, e *Entry) error {
	e.ID = uuid.New()
	if e.PerformedAt.IsZero() {
		e.PerformedAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_entry (id, action, description, old_values, new_values,
			performed_by, performed_at, message_id, result_id, workflow_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.Action, e.Description, e.OldValues, e.NewValues,
		e.PerformedBy, e.PerformedAt, e.MessageID, e.ResultID, e.WorkflowID)
	return err
}

func (r *repoPG) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*Entry, error) {
	return r.list(ctx, `SELECT `+auditCols+` FROM audit_entry WHERE message_id = $1 ORDER BY performed_at`, messageID)
}

func (r *repoPG) ListByResult(ctx context.Context, resultID uuid.UUID) ([]*Entry, error) {
	return r.list(ctx, `SELECT `+auditCols+` FROM audit_entry WHERE result_id = $1 ORDER BY performed_at`, resultID)
}

func (r *repoPG) ListByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*Entry, error) {
	return r.list(ctx, `SELECT `+auditCols+` FROM audit_entry WHERE workflow_id = $1 ORDER BY performed_at`, workflowID)
}

func (r *repoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *repoPG) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM audit_entry WHERE performed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
