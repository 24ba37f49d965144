package message

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

// NewRepoPG creates the Postgres-backed message repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const messageCols = `id, message_control_id, message_type, status, sending_facility,
	receiving_facility, message_datetime, processing_id, version_id, raw_content,
	structure, error_message, retry_count, max_retries, received_at, processed_at,
	processing_seconds, created_at, updated_at`

func scanMessage(row pgx.Row) (*InboundMessage, error) {
	var m InboundMessage
	err := row.Scan(&m.ID, &m.MessageControlID, &m.MessageType, &m.Status, &m.SendingFacility,
		&m.ReceivingFacility, &m.MessageDateTime, &m.ProcessingID, &m.VersionID, &m.RawContent,
		&m.Structure, &m.ErrorMessage, &m.RetryCount, &m.MaxRetries, &m.ReceivedAt, &m.ProcessedAt,
		&m.ProcessingSeconds, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func (r *repoPG) Create(ctx context.Context, msg *InboundMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inbound_message (id, message_control_id, message_type, status, sending_facility,
			receiving_facility, message_datetime, processing_id, version_id, raw_content,
			structure, error_message, retry_count, max_retries, received_at, processed_at,
			processing_seconds, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		msg.ID, msg.MessageControlID, msg.MessageType, msg.Status, msg.SendingFacility,
		msg.ReceivingFacility, msg.MessageDateTime, msg.ProcessingID, msg.VersionID, msg.RawContent,
		msg.Structure, msg.ErrorMessage, msg.RetryCount, msg.MaxRetries, msg.ReceivedAt, msg.ProcessedAt,
		msg.ProcessingSeconds, msg.CreatedAt, msg.UpdatedAt)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*InboundMessage, error) {
	return scanMessage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+messageCols+` FROM inbound_message WHERE id = $1`, id))
}

func (r *repoPG) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*InboundMessage, error) {
	return scanMessage(r.conn(ctx).QueryRow(ctx,
		`SELECT `+messageCols+` FROM inbound_message WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) Update(ctx context.Context, msg *InboundMessage) error {
	msg.UpdatedAt = time.Now().UTC()
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE inbound_message SET message_control_id=$2, message_type=$3, status=$4,
			sending_facility=$5, receiving_facility=$6, message_datetime=$7, processing_id=$8,
			version_id=$9, structure=$10, error_message=$11, retry_count=$12, max_retries=$13,
			processed_at=$14, processing_seconds=$15, updated_at=$16
		WHERE id = $1`,
		msg.ID, msg.MessageControlID, msg.MessageType, msg.Status,
		msg.SendingFacility, msg.ReceivingFacility, msg.MessageDateTime, msg.ProcessingID,
		msg.VersionID, msg.Structure, msg.ErrorMessage, msg.RetryCount, msg.MaxRetries,
		msg.ProcessedAt, msg.ProcessingSeconds, msg.UpdatedAt)
	return err
}

func (r *repoPG) List(ctx context.Context, status Status, limit, offset int) ([]*InboundMessage, int, error) {
	where := ``
	args := []interface{}{limit, offset}
	if status != "" {
		where = ` WHERE status = $3`
		args = append(args, status)
	}

	var total int
	countSQL := `SELECT count(*) FROM inbound_message`
	if status != "" {
		countSQL += ` WHERE status = $1`
		if err := r.conn(ctx).QueryRow(ctx, countSQL, status).Scan(&total); err != nil {
			return nil, 0, err
		}
	} else if err := r.conn(ctx).QueryRow(ctx, countSQL).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+messageCols+` FROM inbound_message`+where+` ORDER BY received_at DESC LIMIT $1 OFFSET $2`,
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectMessages(rows)
	return items, total, err
}

func (r *repoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT status, count(*) FROM inbound_message GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (r *repoPG) ListStuckProcessing(ctx context.Context, cutoff time.Time) ([]*InboundMessage, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+messageCols+` FROM inbound_message WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`,
		StatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (r *repoPG) PurgeSettledBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM inbound_message WHERE status IN ($1, $2) AND received_at < $3`,
		StatusProcessed, StatusRejected, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) ErrorRateSince(ctx context.Context, since time.Time) (float64, error) {
	var failed, settled int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE status = $1), count(*)
		FROM inbound_message
		WHERE status IN ($1, $2) AND updated_at >= $3`,
		StatusError, StatusProcessed, since).Scan(&failed, &settled)
	if err != nil || settled == 0 {
		return 0, err
	}
	return float64(failed) / float64(settled), nil
}

func (r *repoPG) AvgProcessingSeconds(ctx context.Context) (float64, error) {
	var avg float64
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(AVG(processing_seconds), 0) FROM inbound_message WHERE processing_seconds IS NOT NULL`,
	).Scan(&avg)
	return avg, err
}

func collectMessages(rows pgx.Rows) ([]*InboundMessage, error) {
	var items []*InboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
