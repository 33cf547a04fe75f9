package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines outbox persistence. Implementations resolve their
// executor from the context so Save joins the caller's transaction.
type Repository interface {
	// Save inserts a new message.
	Save(ctx context.Context, msg *Message) error

	// ClaimDue leases up to limit eligible messages, oldest first, until
	// now+lease. Claimed rows stay pending.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Message, error)

	// MarkSent moves a pending message to sent. It reports false when the
	// message was already terminal.
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	// RecordFailure increments retry_count. The message stays pending with
	// send_after=nextAttempt while retries remain, otherwise becomes failed.
	// It returns the resulting status.
	RecordFailure(ctx context.Context, id uuid.UUID, reason string, at, nextAttempt time.Time) (Status, error)

	// Reschedule pushes send_after to until and releases the lease without
	// consuming a retry.
	Reschedule(ctx context.Context, id uuid.UUID, until time.Time, reason string) error

	// Abandon permanently fails a pending message without further retries.
	Abandon(ctx context.Context, id uuid.UUID, reason string, at time.Time) (bool, error)

	// Get returns a message by ID or ErrMessageNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Message, error)

	// CountByStatus returns message counts per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// ListFailed returns the most recently failed messages.
	ListFailed(ctx context.Context, limit int) ([]*Message, error)
}
