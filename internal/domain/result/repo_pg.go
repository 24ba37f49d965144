package result

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

// NewRepoPG creates the Postgres-backed result repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const recordCols = `id, result_id, message_id, set_id, test_code, test_name,
	value_type, value, unit, reference_range, abnormal_flags,
	critical_level, validation_status, raw_payload, observed_at,
	created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.ResultID, &rec.MessageID, &rec.SetID, &rec.TestCode, &rec.TestName,
		&rec.ValueType, &rec.Value, &rec.Unit, &rec.ReferenceRange, &rec.AbnormalFlags,
		&rec.CriticalLevel, &rec.ValidationStatus, &rec.RawPayload, &rec.ObservedAt,
		&rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &rec, err
}

func (r *repoPG) Upsert(ctx context.Context, rec *Record) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	var created bool
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO result_record (id, result_id, message_id, set_id, test_code, test_name,
			value_type, value, unit, reference_range, abnormal_flags,
			critical_level, validation_status, raw_payload, observed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$16)
		ON CONFLICT (message_id, set_id) DO UPDATE SET
			value = EXCLUDED.value,
			value_type = EXCLUDED.value_type,
			unit = EXCLUDED.unit,
			reference_range = EXCLUDED.reference_range,
			abnormal_flags = EXCLUDED.abnormal_flags,
			critical_level = EXCLUDED.critical_level,
			raw_payload = EXCLUDED.raw_payload,
			observed_at = EXCLUDED.observed_at,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0), id`,
		rec.ID, rec.ResultID, rec.MessageID, rec.SetID, rec.TestCode, rec.TestName,
		rec.ValueType, rec.Value, rec.Unit, rec.ReferenceRange, rec.AbnormalFlags,
		rec.CriticalLevel, rec.ValidationStatus, rec.RawPayload, rec.ObservedAt, now).
		Scan(&created, &rec.ID)
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM result_record WHERE id = $1`, id))
}

func (r *repoPG) GetByMessageAndSetID(ctx context.Context, messageID uuid.UUID, setID string) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM result_record WHERE message_id = $1 AND set_id = $2`, messageID, setID))
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE result_record SET value=$2, unit=$3, reference_range=$4, abnormal_flags=$5,
			critical_level=$6, validation_status=$7, raw_payload=$8, updated_at=NOW()
		WHERE id = $1`,
		rec.ID, rec.Value, rec.Unit, rec.ReferenceRange, rec.AbnormalFlags,
		rec.CriticalLevel, rec.ValidationStatus, rec.RawPayload)
	return err
}

func (r *repoPG) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM result_record WHERE message_id = $1 ORDER BY set_id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *repoPG) ListCritical(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	const where = ` WHERE critical_level IN ('critical_low','critical_high','panic_low','panic_high')`
	return r.page(ctx, where, limit, offset)
}

func (r *repoPG) ListAbnormal(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	const where = ` WHERE critical_level <> 'normal'`
	return r.page(ctx, where, limit, offset)
}

func (r *repoPG) page(ctx context.Context, where string, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM result_record`+where).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM result_record`+where+` ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collect(rows)
	return items, total, err
}

func (r *repoPG) ListPendingValidation(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM result_record WHERE validation_status = 'pending' ORDER BY created_at LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Record, error) {
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
