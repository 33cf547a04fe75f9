// Package outbox persists patient notifications in the same transaction as
// the appointment change that caused them and hands them to delivery
// workers.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/backoff"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// Config holds outbox policy.
type Config struct {
	// MaxRetries is stamped on messages enqueued without their own limit.
	MaxRetries int
	// ClaimLease is how long a dequeued message is hidden from other workers.
	ClaimLease time.Duration
	// RetryBackoff schedules the next attempt after a failed delivery. It
	// defaults to the transport's own retry schedule.
	RetryBackoff backoff.Policy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		ClaimLease:   15 * time.Minute,
		RetryBackoff: backoff.DeliveryPolicy(),
	}
}

// Outbox is the application-facing API over a Repository.
type Outbox struct {
	repo    Repository
	config  Config
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) { o.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m observability.Metrics) Option {
	return func(o *Outbox) { o.metrics = m }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// New creates an Outbox.
func New(repo Repository, config Config, opts ...Option) *Outbox {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = DefaultConfig().ClaimLease
	}
	if config.RetryBackoff.Base <= 0 {
		config.RetryBackoff = DefaultConfig().RetryBackoff
	}
	o := &Outbox{
		repo:    repo,
		config:  config,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ClaimLease returns how long a dequeued message stays hidden from other
// workers.
func (o *Outbox) ClaimLease() time.Duration {
	return o.config.ClaimLease
}

// Enqueue validates and stores msg. Called with a transaction in ctx, the
// message commits or rolls back together with the caller's other writes.
func (o *Outbox) Enqueue(ctx context.Context, msg *Message) (uuid.UUID, error) {
	if msg == nil {
		return uuid.Nil, domain.Validationf("message is required")
	}
	now := o.now().UTC()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.MaxRetries == 0 {
		msg.MaxRetries = o.config.MaxRetries
	}
	if msg.SendAfter.IsZero() {
		msg.SendAfter = now
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.RequestID == "" {
		msg.RequestID = observability.RequestIDFromContext(ctx)
	}
	msg.Status = StatusPending
	msg.RetryCount = 0

	if err := msg.Validate(); err != nil {
		return uuid.Nil, err
	}
	if err := o.repo.Save(ctx, msg); err != nil {
		return uuid.Nil, domain.StorageError("enqueue notification", err)
	}

	o.metrics.Counter(observability.MetricOutboxEnqueued, 1, observability.T("type", string(msg.Type)))
	o.logger.DebugContext(ctx, "notification enqueued",
		"message_id", msg.ID,
		"type", msg.Type,
		"kind", msg.Kind,
		"aggregate_id", msg.AggregateID,
	)
	return msg.ID, nil
}

// DequeueBatch claims up to limit due messages, oldest first. Messages are
// not removed; their status only changes through the Mark methods.
func (o *Outbox) DequeueBatch(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, domain.Validationf("dequeue limit must be positive, got %d", limit)
	}
	msgs, err := o.repo.ClaimDue(ctx, o.now().UTC(), limit, o.config.ClaimLease)
	if err != nil {
		return nil, domain.TransientStorageError("dequeue notifications", err)
	}
	if len(msgs) > 0 {
		o.metrics.Counter(observability.MetricOutboxClaimed, int64(len(msgs)))
	}
	return msgs, nil
}

// MarkSent records a successful delivery and reports whether this call
// moved the message to sent. Repeating it is a no-op that reports false.
func (o *Outbox) MarkSent(ctx context.Context, id uuid.UUID) (bool, error) {
	changed, err := o.repo.MarkSent(ctx, id, o.now().UTC())
	if err != nil {
		return false, domain.StorageError("mark notification sent", err)
	}
	if changed {
		o.metrics.Counter(observability.MetricOutboxSent, 1)
	} else {
		o.logger.DebugContext(ctx, "mark sent ignored for terminal message", "message_id", id)
	}
	return changed, nil
}

// MarkFailed records a failed delivery attempt. While retries remain the
// message is rescheduled with backoff; after that it is permanently failed.
// Terminal messages are left untouched.
func (o *Outbox) MarkFailed(ctx context.Context, id uuid.UUID, cause error) (Status, error) {
	msg, err := o.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return "", fmt.Errorf("mark failed %s: %w: %w", id, domain.ErrNotFound, err)
		}
		return "", domain.StorageError("load notification", err)
	}
	if msg.Status.IsTerminal() {
		return msg.Status, nil
	}

	now := o.now().UTC()
	next := now.Add(o.config.RetryBackoff.Delay(msg.RetryCount))
	status, err := o.repo.RecordFailure(ctx, id, errorText(cause), now, next)
	if err != nil {
		return "", domain.StorageError("record notification failure", err)
	}

	tags := []observability.Tag{observability.T("type", string(msg.Type))}
	if status == StatusFailed {
		o.metrics.Counter(observability.MetricOutboxFailed, 1, tags...)
		o.logger.WarnContext(ctx, "notification permanently failed",
			"message_id", id,
			"type", msg.Type,
			"retry_count", msg.RetryCount+1,
			"error", errorText(cause),
		)
	} else {
		o.logger.InfoContext(ctx, "notification delivery rescheduled",
			"message_id", id,
			"retry_count", msg.RetryCount+1,
			"send_after", next,
		)
	}
	return status, nil
}

// Defer postpones a message without counting a failed attempt, e.g. while
// the provider's circuit breaker is open.
func (o *Outbox) Defer(ctx context.Context, id uuid.UUID, delay time.Duration, reason string) error {
	until := o.now().UTC().Add(delay)
	if err := o.repo.Reschedule(ctx, id, until, reason); err != nil {
		return domain.StorageError("defer notification", err)
	}
	o.metrics.Counter(observability.MetricOutboxDeferred, 1)
	return nil
}

// MarkAbandoned permanently fails a message that can never be delivered,
// such as one a provider rejected as invalid.
func (o *Outbox) MarkAbandoned(ctx context.Context, id uuid.UUID, reason string) error {
	changed, err := o.repo.Abandon(ctx, id, reason, o.now().UTC())
	if err != nil {
		return domain.StorageError("abandon notification", err)
	}
	if changed {
		o.metrics.Counter(observability.MetricOutboxAbandoned, 1)
		o.logger.WarnContext(ctx, "notification abandoned", "message_id", id, "reason", reason)
	}
	return nil
}

// Get returns a message by ID.
func (o *Outbox) Get(ctx context.Context, id uuid.UUID) (*Message, error) {
	msg, err := o.repo.Get(ctx, id)
	if errors.Is(err, ErrMessageNotFound) {
		return nil, fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	if err != nil {
		return nil, domain.StorageError("load notification", err)
	}
	return msg, nil
}

// Stats summarizes the outbox for operators.
type Stats struct {
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

// Stats returns message counts by status.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	counts, err := o.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, domain.StorageError("count notifications", err)
	}
	o.metrics.Gauge(observability.MetricOutboxPending, float64(counts[StatusPending]))
	return Stats{
		Pending: counts[StatusPending],
		Sent:    counts[StatusSent],
		Failed:  counts[StatusFailed],
	}, nil
}

// ListFailed returns permanently failed messages, newest first.
func (o *Outbox) ListFailed(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := o.repo.ListFailed(ctx, limit)
	if err != nil {
		return nil, domain.StorageError("list failed notifications", err)
	}
	return msgs, nil
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
