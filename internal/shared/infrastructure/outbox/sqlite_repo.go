package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database"
)

const sqliteColumns = `id, aggregate_id, message_type, recipient, subject, kind, payload, status,
	retry_count, max_retries, send_after, created_at, sent_at, failed_at, last_error,
	locked_until, request_id`

// SQLiteRepository implements Repository on SQLite. Claims run in a
// transaction on the single connection, which serializes concurrent workers
// within the process.
type SQLiteRepository struct {
	conn database.Connection
}

// NewSQLiteRepository creates a new SQLite outbox repository.
func NewSQLiteRepository(conn database.Connection) *SQLiteRepository {
	return &SQLiteRepository{conn: conn}
}

func (r *SQLiteRepository) Save(ctx context.Context, msg *Message) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO outbox_messages (`+sqliteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID.String(),
		msg.AggregateID.String(),
		string(msg.Type),
		msg.Recipient,
		msg.Subject,
		string(msg.Kind),
		string(msg.Payload),
		string(msg.Status),
		msg.RetryCount,
		msg.MaxRetries,
		database.FormatTimestamp(msg.SendAfter),
		database.FormatTimestamp(msg.CreatedAt),
		database.FormatNullTimestamp(msg.SentAt),
		database.FormatNullTimestamp(msg.FailedAt),
		nullString(msg.LastError),
		database.FormatNullTimestamp(msg.LockedUntil),
		msg.RequestID,
	)
	return err
}

func (r *SQLiteRepository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) (claimed []*Message, err error) {
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

	nowText := database.FormatTimestamp(now)
	rows, err := tx.Query(ctx, `
		SELECT `+sqliteColumns+`
		FROM outbox_messages
		WHERE status = 'pending'
		  AND send_after <= ?
		  AND (locked_until IS NULL OR locked_until <= ?)
		ORDER BY created_at, id
		LIMIT ?`, nowText, nowText, limit)
	if err != nil {
		return nil, err
	}
	claimed, err = scanSQLiteMessages(rows)
	if err != nil || len(claimed) == 0 {
		return claimed, err
	}

	until := now.Add(lease).UTC()
	args := []any{database.FormatTimestamp(until)}
	placeholders := make([]string, len(claimed))
	for i, msg := range claimed {
		placeholders[i] = "?"
		args = append(args, msg.ID.String())
		msg.LockedUntil = &until
	}
	_, err = tx.Exec(ctx,
		`UPDATE outbox_messages SET locked_until = ? WHERE id IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *SQLiteRepository) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', sent_at = ?, locked_until = NULL
		WHERE id = ? AND status = 'pending'`,
		database.FormatTimestamp(at), id.String())
	if err != nil {
		return false, err
	}
	return r.changedOrExists(ctx, res, id)
}

func (r *SQLiteRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string, at, nextAttempt time.Time) (Status, error) {
	exec := database.ExecutorFromContext(ctx, r.conn)
	atText := database.FormatTimestamp(at)
	_, err := exec.Exec(ctx, `
		UPDATE outbox_messages
		SET retry_count  = retry_count + 1,
		    last_error   = ?,
		    locked_until = NULL,
		    status       = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    failed_at    = CASE WHEN retry_count + 1 >= max_retries THEN ? ELSE failed_at END,
		    send_after   = CASE WHEN retry_count + 1 >= max_retries THEN send_after ELSE ? END
		WHERE id = ? AND status = 'pending'`,
		reason, atText, database.FormatTimestamp(nextAttempt), id.String())
	if err != nil {
		return "", err
	}

	var status string
	err = exec.QueryRow(ctx, `SELECT status FROM outbox_messages WHERE id = ?`, id.String()).Scan(&status)
	if database.IsNoRows(err) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", err
	}
	return Status(status), nil
}

func (r *SQLiteRepository) Reschedule(ctx context.Context, id uuid.UUID, until time.Time, reason string) error {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE outbox_messages
		SET send_after = ?, last_error = ?, locked_until = NULL
		WHERE id = ? AND status = 'pending'`,
		database.FormatTimestamp(until), reason, id.String())
	if err != nil {
		return err
	}
	_, err = r.changedOrExists(ctx, res, id)
	return err
}

func (r *SQLiteRepository) Abandon(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error) {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'failed', failed_at = ?, last_error = ?, locked_until = NULL
		WHERE id = ? AND status = 'pending'`,
		database.FormatTimestamp(at), reason, id.String())
	if err != nil {
		return false, err
	}
	return r.changedOrExists(ctx, res, id)
}

func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+sqliteColumns+` FROM outbox_messages WHERE id = ?`, id.String())
	if err != nil {
		return nil, err
	}
	msgs, err := scanSQLiteMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrMessageNotFound
	}
	return msgs[0], nil
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT status, COUNT(*) FROM outbox_messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (r *SQLiteRepository) ListFailed(ctx context.Context, limit int) ([]*Message, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT `+sqliteColumns+`
		FROM outbox_messages
		WHERE status = 'failed'
		ORDER BY failed_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanSQLiteMessages(rows)
}

// begin returns the context transaction, or a new one owned by the caller.
func (r *SQLiteRepository) begin(ctx context.Context) (database.Transaction, bool, error) {
	if tx := database.TxFromContext(ctx); tx != nil {
		return tx, false, nil
	}
	tx, err := r.conn.BeginTx(ctx)
	return tx, true, err
}

// changedOrExists turns a conditional update result into (changed, err),
// distinguishing "already terminal" from "no such message".
func (r *SQLiteRepository) changedOrExists(ctx context.Context, res database.Result, id uuid.UUID) (bool, error) {
	changed, err := database.AffectedOne(res)
	if err != nil || changed {
		return changed, err
	}
	var one int
	err = database.ExecutorFromContext(ctx, r.conn).
		QueryRow(ctx, `SELECT 1 FROM outbox_messages WHERE id = ?`, id.String()).Scan(&one)
	if database.IsNoRows(err) {
		return false, ErrMessageNotFound
	}
	return false, err
}

func scanSQLiteMessages(rows database.Rows) ([]*Message, error) {
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var (
			msg                                  Message
			id, aggregateID, msgType, kind       string
			payload, status                      string
			sendAfter, createdAt                 string
			sentAt, failedAt, lastError, lockedU sql.NullString
		)
		err := rows.Scan(
			&id, &aggregateID, &msgType, &msg.Recipient, &msg.Subject, &kind, &payload, &status,
			&msg.RetryCount, &msg.MaxRetries, &sendAfter, &createdAt, &sentAt, &failedAt, &lastError,
			&lockedU, &msg.RequestID,
		)
		if err != nil {
			return nil, err
		}

		if msg.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("outbox message id %q: %w", id, err)
		}
		if msg.AggregateID, err = uuid.Parse(aggregateID); err != nil {
			return nil, fmt.Errorf("outbox aggregate id %q: %w", aggregateID, err)
		}
		msg.Type = MessageType(msgType)
		msg.Kind = Kind(kind)
		msg.Payload = []byte(payload)
		msg.Status = Status(status)
		if lastError.Valid {
			msg.LastError = &lastError.String
		}
		if msg.SendAfter, err = database.ParseTimestamp(sendAfter); err != nil {
			return nil, err
		}
		if msg.CreatedAt, err = database.ParseTimestamp(createdAt); err != nil {
			return nil, err
		}
		if msg.SentAt, err = database.ParseNullTimestamp(sentAt); err != nil {
			return nil, err
		}
		if msg.FailedAt, err = database.ParseNullTimestamp(failedAt); err != nil {
			return nil, err
		}
		if msg.LockedUntil, err = database.ParseNullTimestamp(lockedU); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
