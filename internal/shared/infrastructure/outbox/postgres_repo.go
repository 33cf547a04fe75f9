package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database"
)

const postgresColumns = `id, aggregate_id, message_type, recipient, subject, kind, payload, status,
	retry_count, max_retries, send_after, created_at, sent_at, failed_at, last_error,
	locked_until, request_id`

// PostgresRepository implements Repository on PostgreSQL. Concurrent
// workers claim disjoint batches through FOR UPDATE SKIP LOCKED.
type PostgresRepository struct {
	conn database.Connection
}

// NewPostgresRepository creates a new PostgreSQL outbox repository.
func NewPostgresRepository(conn database.Connection) *PostgresRepository {
	return &PostgresRepository{conn: conn}
}

func (r *PostgresRepository) Save(ctx context.Context, msg *Message) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO outbox_messages (`+postgresColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		msg.ID, msg.AggregateID, string(msg.Type), msg.Recipient, msg.Subject, string(msg.Kind),
		msg.Payload, string(msg.Status), msg.RetryCount, msg.MaxRetries, msg.SendAfter,
		msg.CreatedAt, msg.SentAt, msg.FailedAt, msg.LastError, msg.LockedUntil, msg.RequestID,
	)
	return err
}

func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) (claimed []*Message, err error) {
	tx, owned, err := r.begin(ctx)
	if err != nil {
		return nil, err
	}
	if owned {
		defer func() {
			if err != nil {
				_ = tx.Rollback(ctx)
				return
			}
			err = tx.Commit(ctx)
		}()
	}

	rows, err := tx.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM outbox_messages
		WHERE status = 'pending'
		  AND send_after <= $1
		  AND (locked_until IS NULL OR locked_until <= $1)
		ORDER BY created_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}
	claimed, err = scanPostgresMessages(rows)
	if err != nil || len(claimed) == 0 {
		return claimed, err
	}

	until := now.Add(lease).UTC()
	ids := make([]string, len(claimed))
	for i, msg := range claimed {
		ids[i] = msg.ID.String()
		msg.LockedUntil = &until
	}
	_, err = tx.Exec(ctx,
		`UPDATE outbox_messages SET locked_until = $1 WHERE id = ANY($2::uuid[])`,
		until, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *PostgresRepository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', sent_at = $2, locked_until = NULL
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return false, err
	}
	return r.changedOrExists(ctx, res, id)
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string, at, nextAttempt time.Time) (Status, error) {
	exec := database.ExecutorFromContext(ctx, r.conn)
	var status string
	err := exec.QueryRow(ctx, `
		UPDATE outbox_messages
		SET retry_count  = retry_count + 1,
		    last_error   = $2,
		    locked_until = NULL,
		    status       = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    failed_at    = CASE WHEN retry_count + 1 >= max_retries THEN $3 ELSE failed_at END,
		    send_after   = CASE WHEN retry_count + 1 >= max_retries THEN send_after ELSE $4 END
		WHERE id = $1 AND status = 'pending'
		RETURNING status`, id, reason, at, nextAttempt).Scan(&status)
	if err == nil {
		return Status(status), nil
	}
	if !database.IsNoRows(err) {
		return "", err
	}

	// Already terminal, or gone.
	err = exec.QueryRow(ctx, `SELECT status FROM outbox_messages WHERE id = $1`, id).Scan(&status)
	if database.IsNoRows(err) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(status), nil
}

func (r *PostgresRepository) Reschedule(ctx context.Context, id uuid.UUID, until time.Time, reason string) error {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE outbox_messages
		SET send_after = $2, last_error = $3, locked_until = NULL
		WHERE id = $1 AND status = 'pending'`, id, until, reason)
	if err != nil {
		return err
	}
	_, err = r.changedOrExists(ctx, res, id)
	return err
}

func (r *PostgresRepository) Abandon(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed', failed_at = $2, last_error = $3, locked_until = NULL
		WHERE id = $1 AND status = 'pending'`, id, at, reason)
	if err != nil {
		return false, err
	}
	return r.changedOrExists(ctx, res, id)
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+postgresColumns+` FROM outbox_messages WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	msgs, err := scanPostgresMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrMessageNotFound
	}
	return msgs[0], nil
}

func (r *PostgresRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = int(n)
	}
	return counts, rows.Err()
}

func (r *PostgresRepository) ListFailed(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT `+postgresColumns+`
		FROM outbox_messages
		WHERE status = 'failed'
		ORDER BY failed_at DESC, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return scanPostgresMessages(rows)
}

func (r *PostgresRepository) begin(ctx context.Context) (database.Transaction, bool, error) {
	if tx := database.TxFromContext(ctx); tx != nil {
		return tx, false, nil
	}
	tx, err := r.conn.BeginTx(ctx)
	return tx, true, err
}

func (r *PostgresRepository) changedOrExists(ctx context.Context, res database.Result, id uuid.UUID) (bool, error) {
	changed, err := database.AffectedOne(res)
	if err != nil || changed {
		return changed, err
	}
	var one int
	err = database.ExecutorFromContext(ctx, r.conn).
		QueryRow(ctx, `SELECT 1 FROM outbox_messages WHERE id = $1`, id).Scan(&one)
	if database.IsNoRows(err) {
		return false, ErrMessageNotFound
	}
	return false, err
}

func scanPostgresMessages(rows database.Rows) ([]*Message, error) {
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			msg                   Message
			msgType, kind, status string
		)
		err := rows.Scan(
			&msg.ID, &msg.AggregateID, &msgType, &msg.Recipient, &msg.Subject, &kind, &msg.Payload, &status,
			&msg.RetryCount, &msg.MaxRetries, &msg.SendAfter, &msg.CreatedAt, &msg.SentAt, &msg.FailedAt,
			&msg.LastError, &msg.LockedUntil, &msg.RequestID,
		)
		if err != nil {
			return nil, err
		}
		msg.Type = MessageType(msgType)
		msg.Kind = Kind(kind)
		msg.Status = Status(status)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}
