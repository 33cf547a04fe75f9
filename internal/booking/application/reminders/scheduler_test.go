package reminders_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/clinicflow/internal/booking/application/reminders"
	"github.com/felixgeelhaar/clinicflow/internal/booking/application/services"
	"github.com/felixgeelhaar/clinicflow/internal/booking/domain"
	"github.com/felixgeelhaar/clinicflow/internal/booking/infrastructure/persistence"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/clinicflow/internal/testutil"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// The 24h run happens the day before a 14:00 appointment.
var runAt = time.Date(2025, 10, 14, 14, 10, 0, 0, time.UTC)

// staleRepository keeps returning the first due list it saw, as a concurrent
// run that read before this one marked anything would.
type staleRepository struct {
	domain.Repository
	due []*domain.Appointment
}

func (r *staleRepository) FindConfirmedStartingBetween(ctx context.Context, t domain.ReminderType, from, to time.Time) ([]*domain.Appointment, error) {
	if r.due == nil {
		due, err := r.Repository.FindConfirmedStartingBetween(ctx, t, from, to)
		if err != nil {
			return nil, err
		}
		r.due = due
	}
	return r.due, nil
}

type fixture struct {
	repo      domain.Repository
	outbox    *outbox.Outbox
	uow       *database.GenericUnitOfWork
	metrics   *observability.InMemoryMetrics
	scheduler *reminders.Scheduler
}

func newFixture(t *testing.T, wrap func(domain.Repository) domain.Repository, opts ...reminders.Option) *fixture {
	t.Helper()
	conn := testutil.NewSQLite(t)
	repo := domain.Repository(persistence.NewSQLiteAppointmentRepository(conn))
	f := &fixture{
		repo:    repo,
		outbox:  outbox.New(outbox.NewSQLiteRepository(conn), outbox.DefaultConfig(), outbox.WithClock(func() time.Time { return runAt })),
		uow:     database.NewUnitOfWork(conn),
		metrics: observability.NewInMemoryMetrics(),
	}
	schedRepo := repo
	if wrap != nil {
		schedRepo = wrap(repo)
	}
	opts = append(opts, reminders.WithMetrics(f.metrics))
	f.scheduler = reminders.NewScheduler(schedRepo, f.outbox, services.NewNotificationPlanner("Clinic"), f.uow, reminders.DefaultConfig(), opts...)
	return f
}

func (f *fixture) add(t *testing.T, date, clock string, confirmed bool) *domain.Appointment {
	t.Helper()
	slot, err := domain.ParseSlot(date, clock, time.UTC)
	require.NoError(t, err)
	a, err := domain.NewAppointment(domain.Patient{Name: "Ada", Email: "ada@example.com", Phone: "+44 20 7946 0958"}, slot, "", runAt.Add(-72*time.Hour))
	require.NoError(t, err)
	if confirmed {
		require.NoError(t, a.Confirm(runAt.Add(-71*time.Hour)))
	}
	require.NoError(t, f.repo.Create(context.Background(), a))
	return a
}

func (f *fixture) pending(t *testing.T) []*outbox.Message {
	t.Helper()
	msgs, err := f.outbox.DequeueBatch(context.Background(), 100)
	require.NoError(t, err)
	return msgs
}

func TestScheduler_FindDueReminders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.add(t, "2025-10-15", "14:00", true)
	f.add(t, "2025-10-15", "14:30", false) // pending appointments get no reminders
	f.add(t, "2025-10-15", "13:30", true)  // 23h20m ahead
	f.add(t, "2025-10-15", "15:00", true)  // 24h50m ahead

	found, err := f.scheduler.FindDueReminders(ctx, 24, runAt)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "14:00", found[0].Slot().Time)

	found, err = f.scheduler.FindDueReminders(ctx, 24, runAt.Add(-25*time.Minute))
	require.NoError(t, err)
	require.Len(t, found, 2, "13:30 and 14:00 are both within 30 minutes of 13:45")
	assert.Equal(t, "13:30", found[0].Slot().Time)

	_, err = f.scheduler.FindDueReminders(ctx, 12, runAt)
	assert.Error(t, err)
}

func TestScheduler_RunEnqueuesOncePerAppointment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := observability.WithRequestID(context.Background(), "cron-1")
	a := f.add(t, "2025-10-15", "14:00", true)

	result, err := f.scheduler.Run(ctx, 24, runAt)
	require.NoError(t, err)
	assert.Equal(t, reminders.RunResult{ReminderType: domain.Reminder24h, Due: 1, Enqueued: 1}, result)

	msgs := f.pending(t)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.Equal(t, outbox.KindReminder24h, msg.Kind)
		assert.Equal(t, a.ID(), msg.AggregateID)
		assert.Equal(t, "cron-1", msg.RequestID)
	}

	stored, err := f.repo.FindByID(ctx, a.ID())
	require.NoError(t, err)
	assert.True(t, stored.ReminderSent(domain.Reminder24h))
	assert.False(t, stored.ReminderSent(domain.Reminder2h))

	result, err = f.scheduler.Run(ctx, 24, runAt.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Due)
	assert.Empty(t, f.pending(t))
	assert.Equal(t, int64(1), f.metrics.GetCounter(observability.MetricRemindersEnqueued, observability.T("reminder_type", "24h")))
}

func TestScheduler_TwoHourReminderIsIndependent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.add(t, "2025-10-15", "14:00", true)

	_, err := f.scheduler.Run(ctx, 24, runAt)
	require.NoError(t, err)

	result, err := f.scheduler.Run(ctx, 2, time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enqueued)

	stored, err := f.repo.FindByID(ctx, a.ID())
	require.NoError(t, err)
	assert.True(t, stored.ReminderSent(domain.Reminder24h))
	assert.True(t, stored.ReminderSent(domain.Reminder2h))
}

func TestScheduler_LostFlagRaceRollsBackEnqueue(t *testing.T) {
	stale := &staleRepository{}
	f := newFixture(t, func(r domain.Repository) domain.Repository {
		stale.Repository = r
		return stale
	})
	ctx := context.Background()
	f.add(t, "2025-10-15", "14:00", true)

	_, err := f.scheduler.Run(ctx, 24, runAt)
	require.NoError(t, err)
	require.Len(t, f.pending(t), 2)

	result, err := f.scheduler.Run(ctx, 24, runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Due, "the stale read still lists the appointment")
	assert.Equal(t, 1, result.AlreadySent)
	assert.Equal(t, 0, result.Enqueued)
	assert.Empty(t, f.pending(t), "the rolled back run leaves no messages")
	assert.Equal(t, int64(1), f.metrics.GetCounter(observability.MetricRemindersSkipped, observability.T("reminder_type", "24h")))
}

func TestScheduler_RunSkipsAppointmentCancelledAfterSelection(t *testing.T) {
	var stale *staleRepository
	f := newFixture(t, func(r domain.Repository) domain.Repository {
		stale = &staleRepository{Repository: r}
		return stale
	})
	ctx := context.Background()
	a := f.add(t, "2025-10-15", "14:00", true)

	due, err := f.scheduler.FindDueReminders(ctx, 24, runAt)
	require.NoError(t, err)
	require.Len(t, due, 1)

	a.Cancel(runAt)
	require.NoError(t, f.repo.Update(ctx, a))

	result, err := f.scheduler.Run(ctx, 24, runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Due)
	assert.Zero(t, result.Enqueued)
	assert.Equal(t, 1, result.AlreadySent)
	assert.Empty(t, f.pending(t), "the cancelled appointment's reminders roll back")

	reloaded, err := f.repo.FindByID(ctx, a.ID())
	require.NoError(t, err)
	assert.False(t, reloaded.ReminderSent(domain.Reminder24h))
}

func TestScheduler_MarkReminderSent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.add(t, "2025-10-15", "14:00", true)

	require.NoError(t, f.scheduler.MarkReminderSent(ctx, a.ID(), domain.Reminder2h, runAt))
	err := f.scheduler.MarkReminderSent(ctx, a.ID(), domain.Reminder2h, runAt)
	assert.ErrorIs(t, err, domain.ErrReminderAlreadySent)
}

func TestScheduler_SendReminderNotifications(t *testing.T) {
	f := newFixture(t, nil)
	a := f.add(t, "2025-10-15", "14:00", true)

	ids, err := f.scheduler.SendReminderNotifications(context.Background(), a, 2, "req-1")
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	_, err = f.scheduler.SendReminderNotifications(context.Background(), a, 5, "req-1")
	assert.Error(t, err)
}

func TestScheduler_SkipsWhileAnotherRunHoldsTheLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewRedisLocker(client)

	f := newFixture(t, nil, reminders.WithLocker(locker))
	f.add(t, "2025-10-15", "14:00", true)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "reminders:24h", time.Minute)
	require.NoError(t, err)

	result, err := f.scheduler.Run(ctx, 24, runAt)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Empty(t, f.pending(t))

	require.NoError(t, held.Release(ctx))
	result, err = f.scheduler.Run(ctx, 24, runAt)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.Enqueued)

	_, err = locker.Acquire(ctx, "reminders:24h", time.Minute)
	assert.NoError(t, err, "the run released its lease")
}

func TestScheduler_RunsWithoutLockWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	f := newFixture(t, nil, reminders.WithLocker(lock.NewRedisLocker(client)))
	f.add(t, "2025-10-15", "14:00", true)

	result, err := f.scheduler.Run(context.Background(), 24, runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enqueued)
}

func TestScheduler_RejectsUnknownLeadTime(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.scheduler.Run(context.Background(), 6, runAt)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrReminderAlreadySent))
}
