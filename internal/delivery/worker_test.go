package delivery_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/clinicflow/internal/delivery"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/backoff"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSender struct {
	mu    sync.Mutex
	err   error
	calls []string
	// onSend runs after the call is recorded, outside the lock.
	onSend func(delivery.Payload)
}

func (s *recordingSender) Send(_ context.Context, destination string, payload delivery.Payload) error {
	s.mu.Lock()
	s.calls = append(s.calls, destination+" "+payload.Recipient)
	err, hook := s.err, s.onSend
	s.mu.Unlock()
	if hook != nil {
		hook(payload)
	}
	return err
}

func (s *recordingSender) CallsTo(recipient string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, call := range s.calls {
		if strings.HasSuffix(call, " "+recipient) {
			n++
		}
	}
	return n
}

func (s *recordingSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixture struct {
	clock    *clock
	repo     *outbox.InMemoryRepository
	outbox   *outbox.Outbox
	email    *recordingSender
	sms      *recordingSender
	breakers *delivery.Breakers
	worker   *delivery.Worker
	metrics  *observability.InMemoryMetrics
}

func newFixture(t *testing.T, breakerConfig delivery.BreakerConfig) *fixture {
	t.Helper()
	f := &fixture{
		clock:   &clock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)},
		repo:    outbox.NewInMemoryRepository(),
		email:   &recordingSender{},
		sms:     &recordingSender{},
		metrics: observability.NewInMemoryMetrics(),
	}
	f.outbox = outbox.New(f.repo, outbox.Config{
		MaxRetries:   3,
		ClaimLease:   time.Minute,
		RetryBackoff: backoff.Policy{Base: 30 * time.Second, Max: 15 * time.Minute},
	}, outbox.WithClock(f.clock.Now))

	var err error
	f.breakers, err = delivery.NewBreakers(breakerConfig, "https://gateway.example.com")
	require.NoError(t, err)
	f.worker = f.newWorker(2)
	return f
}

// newWorker builds a worker over the fixture's outbox whose sends take at
// most one second each.
func (f *fixture) newWorker(concurrency int) *delivery.Worker {
	noSleep := delivery.WithSleep(func(context.Context, time.Duration) error { return nil })
	transportConfig := delivery.TransportConfig{MaxRetries: 0, AttemptTimeout: time.Second}
	return delivery.NewWorker(f.outbox, map[outbox.MessageType]delivery.Route{
		outbox.TypeEmail: {Destination: "/email", Transport: delivery.NewRetryingTransport(f.email, f.breakers, transportConfig, noSleep)},
		outbox.TypeSMS:   {Destination: "/sms", Transport: delivery.NewRetryingTransport(f.sms, f.breakers, transportConfig, noSleep)},
	}, delivery.WorkerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		Concurrency:  concurrency,
		DeferDelay:   time.Minute,
	}, delivery.WithWorkerMetrics(f.metrics), delivery.WithWorkerClock(f.clock.Now))
}

func (f *fixture) enqueue(t *testing.T, msgType outbox.MessageType, recipient string) uuid.UUID {
	t.Helper()
	msg, err := outbox.NewMessage(uuid.New(), msgType, recipient, outbox.ConfirmationNotice{
		AppointmentDetails: outbox.AppointmentDetails{
			AppointmentID: uuid.NewString(),
			PatientName:   "Ana Souza",
			Date:          "2026-10-20",
			Time:          "09:30",
		},
	})
	require.NoError(t, err)
	id, err := f.outbox.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	return id
}

func (f *fixture) message(t *testing.T, id uuid.UUID) *outbox.Message {
	t.Helper()
	msg, err := f.outbox.Get(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func TestWorkerDeliversByType(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	emailID := f.enqueue(t, outbox.TypeEmail, "ana@example.com")
	smsID := f.enqueue(t, outbox.TypeSMS, "+5511987654321")

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, delivery.CycleResult{Claimed: 2, Sent: 2}, res)

	assert.Equal(t, []string{"/email ana@example.com"}, f.email.calls)
	assert.Equal(t, []string{"/sms +5511987654321"}, f.sms.calls)
	assert.Equal(t, outbox.StatusSent, f.message(t, emailID).Status)
	assert.Equal(t, outbox.StatusSent, f.message(t, smsID).Status)
	assert.Equal(t, uint64(2), f.worker.Stats().SentCount)

	// Sent messages are never picked up again.
	res, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, 1, f.email.Calls())
}

func TestWorkerTransientFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	f.email.err = &delivery.StatusError{StatusCode: 503}
	id := f.enqueue(t, outbox.TypeEmail, "ana@example.com")

	for cycle := 1; cycle <= 3; cycle++ {
		_, err := f.worker.RunOnce(context.Background())
		require.NoError(t, err)

		msg := f.message(t, id)
		assert.Equal(t, cycle, msg.RetryCount)
		if cycle < 3 {
			assert.Equal(t, outbox.StatusPending, msg.Status)
		}
		f.clock.Advance(time.Hour)
	}

	msg := f.message(t, id)
	assert.Equal(t, outbox.StatusFailed, msg.Status)
	assert.Equal(t, 3, msg.RetryCount)
	assert.Contains(t, *msg.LastError, "503")

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, 3, f.email.Calls(), "no fourth attempt")
	assert.Equal(t, uint64(3), f.worker.Stats().FailedCount)
}

func TestWorkerRescheduledMessageWaitsForBackoff(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	f.sms.err = &delivery.StatusError{StatusCode: 500}
	f.enqueue(t, outbox.TypeSMS, "+5511987654321")

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)

	res, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "send_after is 30s ahead")

	f.sms.err = nil
	f.clock.Advance(31 * time.Second)
	res, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestWorkerAbandonsPermanentRejections(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	f.sms.err = &delivery.StatusError{StatusCode: 422, Body: "unroutable number"}
	id := f.enqueue(t, outbox.TypeSMS, "+5511987654321")

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)

	msg := f.message(t, id)
	assert.Equal(t, outbox.StatusFailed, msg.Status)
	assert.Zero(t, msg.RetryCount)
	assert.Contains(t, *msg.LastError, "unroutable number")
}

func TestWorkerDefersWhileBreakerOpen(t *testing.T) {
	f := newFixture(t, delivery.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour})
	f.email.err = &delivery.StatusError{StatusCode: 503}
	first := f.enqueue(t, outbox.TypeEmail, "a@example.com")
	f.clock.Advance(time.Second)
	second := f.enqueue(t, outbox.TypeEmail, "b@example.com")

	// Serialize deliveries so the first trips the breaker before the second.
	f.worker = delivery.NewWorker(f.outbox, map[outbox.MessageType]delivery.Route{
		outbox.TypeEmail: routeFor(t, f, delivery.BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Hour}),
	}, delivery.WorkerConfig{BatchSize: 10, Concurrency: 1, DeferDelay: time.Minute}, delivery.WithWorkerClock(f.clock.Now))

	res, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, 1, res.Deferred)

	assert.Equal(t, 1, f.message(t, first).RetryCount)
	deferred := f.message(t, second)
	assert.Equal(t, outbox.StatusPending, deferred.Status)
	assert.Zero(t, deferred.RetryCount, "breaker rejections do not consume retries")
	assert.True(t, deferred.SendAfter.Equal(f.clock.Now().Add(time.Minute)))
	assert.Equal(t, 1, f.email.Calls())
}

func routeFor(t *testing.T, f *fixture, config delivery.BreakerConfig) delivery.Route {
	t.Helper()
	breakers, err := delivery.NewBreakers(config, "https://gateway.example.com")
	require.NoError(t, err)
	return delivery.Route{
		Destination: "/email",
		Transport:   delivery.NewRetryingTransport(f.email, breakers, delivery.TransportConfig{MaxRetries: 0}),
	}
}

func TestWorkerAbandonsUnroutableMessages(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	id := f.enqueue(t, outbox.TypeSMS, "+5511987654321")

	w := delivery.NewWorker(f.outbox, map[outbox.MessageType]delivery.Route{}, delivery.WorkerConfig{}, delivery.WithWorkerClock(f.clock.Now))
	res, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)
	assert.Contains(t, *f.message(t, id).LastError, "no delivery route")
}

func TestWorkerStartStop(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	id := f.enqueue(t, outbox.TypeEmail, "ana@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.worker.Start(ctx))
	require.NoError(t, f.worker.Start(ctx), "second start is a no-op")
	assert.True(t, f.worker.IsRunning())

	assert.Eventually(t, func() bool {
		return f.message(t, id).Status == outbox.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	f.worker.Stop()
	f.worker.Stop()
	assert.False(t, f.worker.IsRunning())
	assert.NotNil(t, f.worker.Stats().LastCycleAt)
}

func TestWorkersNeverSendAClaimedMessageTwice(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	ctx := context.Background()
	f.enqueue(t, outbox.TypeEmail, "a@example.com")
	f.clock.Advance(time.Second)
	f.enqueue(t, outbox.TypeEmail, "b@example.com")

	workerA := f.newWorker(1)
	workerB := f.newWorker(1)

	// The provider is slow enough that the first send uses up almost all of
	// the one minute claim lease. Worker B polls while it is still running.
	var duringSend delivery.CycleResult
	f.email.onSend = func(delivery.Payload) {
		f.email.mu.Lock()
		f.email.onSend = nil
		f.email.mu.Unlock()
		f.clock.Advance(59500 * time.Millisecond)
		var err error
		duringSend, err = workerB.RunOnce(ctx)
		assert.NoError(t, err)
	}

	res, err := workerA.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.CycleResult{Claimed: 2, Sent: 1, Expired: 1}, res,
		"the second message could not finish inside its lease")
	assert.Zero(t, duringSend.Claimed, "claimed messages are hidden from other workers")

	f.clock.Advance(time.Second)
	res, err = workerB.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.CycleResult{Claimed: 1, Sent: 1}, res)

	assert.Equal(t, 1, f.email.CallsTo("a@example.com"))
	assert.Equal(t, 1, f.email.CallsTo("b@example.com"))
	assert.Equal(t, int64(1), f.metrics.GetCounter(observability.MetricDeliveryLeaseExpired, observability.T("type", "email")))

	stats, err := f.outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.Stats{Sent: 2}, stats)
}

func TestWorkerDoesNotCountMessagesAlreadySentElsewhere(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	ctx := context.Background()
	f.enqueue(t, outbox.TypeEmail, "ana@example.com")

	f.email.onSend = func(p delivery.Payload) {
		changed, err := f.outbox.MarkSent(ctx, uuid.MustParse(p.MessageID))
		assert.NoError(t, err)
		assert.True(t, changed)
	}

	res, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, delivery.CycleResult{Claimed: 1, Skipped: 1}, res)
	assert.Zero(t, f.worker.Stats().SentCount)
}

func TestWorkerMinClaimLease(t *testing.T) {
	f := newFixture(t, delivery.DefaultBreakerConfig())
	assert.Equal(t, 5*time.Second, f.worker.MinClaimLease(), "five rounds of two one second sends")

	transport := delivery.NewRetryingTransport(f.email, f.breakers, delivery.TransportConfig{
		MaxRetries:     2,
		AttemptTimeout: time.Second,
		Backoff:        backoff.Policy{Base: time.Second, Max: 10 * time.Second, Jitter: 0.5},
	})
	// Three attempts plus pauses of at most 1.5s and 3s.
	assert.Equal(t, 7500*time.Millisecond, transport.MaxSendDuration())

	w := delivery.NewWorker(f.outbox, map[outbox.MessageType]delivery.Route{
		outbox.TypeEmail: {Destination: "/email", Transport: transport},
	}, delivery.WorkerConfig{BatchSize: 4, Concurrency: 1, RateLimit: 2})
	assert.Equal(t, 32*time.Second, w.MinClaimLease(), "four sends in a row plus two seconds of rate limiting")
}
