// Package reminders enqueues the 24h and 2h reminder notifications for
// confirmed appointments. Each reminder is sent at most once: the enqueue and
// the flag update commit together, and the flag update only succeeds while
// the flag is still unset.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/services"
	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	sharedApplication "github.com/felixgeelhaar/clinicflow/internal/shared/application"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// Enqueuer stores outbox messages; *outbox.Outbox implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *outbox.Message) (uuid.UUID, error)
}

// Locker guards a run against overlapping invocations.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error)
}

// Config holds scheduler settings.
type Config struct {
	// Window is the tolerance around the lead time. A run at now picks up
	// appointments starting within now+hours±Window.
	Window time.Duration
	// LockTTL bounds how long a crashed run can block the next one.
	LockTTL time.Duration
}

// DefaultConfig returns a ±30 minute window and a 5 minute lock.
func DefaultConfig() Config {
	return Config{Window: 30 * time.Minute, LockTTL: 5 * time.Minute}
}

// RunResult summarizes one scheduler run.
type RunResult struct {
	ReminderType domain.ReminderType
	Due          int
	Enqueued     int
	AlreadySent  int
	Failed       int
	// Skipped is set when another process held the run lock.
	Skipped bool
}

// Scheduler finds due reminders and enqueues them.
type Scheduler struct {
	repo    domain.Repository
	outbox  Enqueuer
	planner *services.NotificationPlanner
	uow     sharedApplication.UnitOfWork
	config  Config
	locker  Locker
	logger  *slog.Logger
	metrics observability.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker enables the distributed run lock.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	repo domain.Repository,
	outbox Enqueuer,
	planner *services.NotificationPlanner,
	uow sharedApplication.UnitOfWork,
	config Config,
	opts ...Option,
) *Scheduler {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultConfig().LockTTL
	}
	s := &Scheduler{
		repo:    repo,
		outbox:  outbox,
		planner: planner,
		uow:     uow,
		config:  config,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindDueReminders returns confirmed appointments starting within
// now+hours±Window whose reminder of that lead time has not been sent.
func (s *Scheduler) FindDueReminders(ctx context.Context, hours int, now time.Time) ([]*domain.Appointment, error) {
	rt, err := domain.ReminderTypeForHours(hours)
	if err != nil {
		return nil, err
	}
	target := now.UTC().Add(time.Duration(hours) * time.Hour)
	due, err := s.repo.FindConfirmedStartingBetween(ctx, rt, target.Add(-s.config.Window), target.Add(s.config.Window))
	if err != nil {
		return nil, services.WrapStorage("find due reminders", err)
	}
	return due, nil
}

// SendReminderNotifications enqueues one email and one SMS reminder. It
// joins the unit of work in ctx.
func (s *Scheduler) SendReminderNotifications(ctx context.Context, a *domain.Appointment, hours int, requestID string) ([]uuid.UUID, error) {
	rt, err := domain.ReminderTypeForHours(hours)
	if err != nil {
		return nil, err
	}
	msgs, err := s.planner.Reminder(a, rt, requestID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(msgs))
	for _, msg := range msgs {
		id, err := s.outbox.Enqueue(ctx, msg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// MarkReminderSent sets the reminder flag, or returns
// domain.ErrReminderAlreadySent when it was already set or the appointment
// is no longer confirmed.
func (s *Scheduler) MarkReminderSent(ctx context.Context, id uuid.UUID, rt domain.ReminderType, now time.Time) error {
	marked, err := s.repo.MarkReminderSent(ctx, id, rt, now.UTC())
	if err != nil {
		return services.WrapStorage("mark reminder sent", err)
	}
	if !marked {
		return fmt.Errorf("%w: %s reminder for appointment %s", domain.ErrReminderAlreadySent, rt, id)
	}
	return nil
}

// Run enqueues every due reminder of the given lead time. Each appointment
// is handled in its own unit of work, so one failure does not block the
// rest and a lost flag race rolls back its enqueue.
func (s *Scheduler) Run(ctx context.Context, hours int, now time.Time) (RunResult, error) {
	rt, err := domain.ReminderTypeForHours(hours)
	if err != nil {
		return RunResult{}, err
	}
	result := RunResult{ReminderType: rt}

	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, "reminders:"+string(rt), s.config.LockTTL)
		switch {
		case errors.Is(err, lock.ErrNotAcquired):
			s.logger.InfoContext(ctx, "reminder run already in progress elsewhere", "reminder_type", rt)
			result.Skipped = true
			return result, nil
		case err != nil:
			s.logger.WarnContext(ctx, "run lock unavailable, continuing without it", "error", err)
		default:
			defer func() {
				if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
					s.logger.WarnContext(ctx, "failed to release run lock", "error", err)
				}
			}()
		}
	}

	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = observability.WithRequestID(ctx, requestID)
	}

	due, err := s.FindDueReminders(ctx, hours, now)
	if err != nil {
		return result, err
	}
	result.Due = len(due)

	var errs []error
	for _, a := range due {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := sharedApplication.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
			if _, err := s.SendReminderNotifications(txCtx, a, hours, requestID); err != nil {
				return err
			}
			return s.MarkReminderSent(txCtx, a.ID(), rt, now)
		})
		switch {
		case err == nil:
			result.Enqueued++
			s.metrics.Counter(observability.MetricRemindersEnqueued, 1, observability.T("reminder_type", string(rt)))
		case errors.Is(err, domain.ErrReminderAlreadySent):
			result.AlreadySent++
			s.metrics.Counter(observability.MetricRemindersSkipped, 1, observability.T("reminder_type", string(rt)))
			s.logger.DebugContext(ctx, "reminder already sent", "appointment_id", a.ID(), "reminder_type", rt)
		default:
			result.Failed++
			errs = append(errs, fmt.Errorf("appointment %s: %w", a.ID(), err))
			s.logger.ErrorContext(ctx, "failed to enqueue reminder",
				"appointment_id", a.ID(),
				"reminder_type", rt,
				"error", err,
			)
		}
	}

	s.logger.InfoContext(ctx, "reminder run finished",
		"reminder_type", rt,
		"due", result.Due,
		"enqueued", result.Enqueued,
		"already_sent", result.AlreadySent,
		"failed", result.Failed,
	)
	return result, errors.Join(errs...)
}
