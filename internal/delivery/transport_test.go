package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/backoff"
)

// scriptedSender returns the scripted errors in order, then its fallback.
type scriptedSender struct {
	mu       sync.Mutex
	script   []error
	fallback error
	calls    int
	payloads []Payload
}

func (s *scriptedSender) Send(_ context.Context, _ string, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.payloads = append(s.payloads, payload)
	if len(s.script) > 0 {
		err := s.script[0]
		s.script = s.script[1:]
		return err
	}
	return s.fallback
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func noJitter() TransportConfig {
	return TransportConfig{
		MaxRetries:     3,
		AttemptTimeout: time.Second,
		Backoff:        backoff.Policy{Base: time.Second, Max: 10 * time.Second},
	}
}

func newTestTransport(t *testing.T, sender Sender, config TransportConfig) (*RetryingTransport, *sleepRecorder) {
	t.Helper()
	b, err := NewBreakers(DefaultBreakerConfig(), "https://gateway.example.com")
	require.NoError(t, err)
	rec := &sleepRecorder{}
	return NewRetryingTransport(sender, b, config, WithSleep(rec.Sleep)), rec
}

func TestTransportSendSuccess(t *testing.T) {
	sender := &scriptedSender{}
	tr, rec := newTestTransport(t, sender, noJitter())

	err := tr.Send(context.Background(), "/email", Payload{MessageID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, 1, sender.Calls())
	assert.Empty(t, rec.delays)
	assert.Equal(t, "m1", sender.payloads[0].MessageID)
}

func TestTransportRetriesRetryableFailures(t *testing.T) {
	sender := &scriptedSender{script: []error{
		&StatusError{StatusCode: 503},
		&StatusError{StatusCode: 429},
	}}
	tr, rec := newTestTransport(t, sender, noJitter())

	err := tr.Send(context.Background(), "/sms", Payload{})
	require.NoError(t, err)
	assert.Equal(t, 3, sender.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestTransportExhaustsRetries(t *testing.T) {
	sender := &scriptedSender{fallback: &StatusError{StatusCode: 502}}
	tr, rec := newTestTransport(t, sender, noJitter())

	err := tr.Send(context.Background(), "/sms", Payload{})
	require.Error(t, err)
	assert.Equal(t, 4, sender.Calls(), "first attempt plus three retries")
	assert.Len(t, rec.delays, 3)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.True(t, Retryable(err))

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 502, statusErr.StatusCode)
}

func TestTransportDoesNotRetryPermanentRejection(t *testing.T) {
	rejected := &StatusError{StatusCode: 400, Body: "invalid phone"}
	sender := &scriptedSender{fallback: rejected}
	tr, rec := newTestTransport(t, sender, noJitter())

	err := tr.Send(context.Background(), "/sms", Payload{})
	assert.ErrorIs(t, err, rejected)
	assert.NotErrorIs(t, err, domain.ErrTransient)
	assert.Equal(t, 1, sender.Calls())
	assert.Empty(t, rec.delays)
}

func TestTransportStopsAtOpenBreaker(t *testing.T) {
	b, err := NewBreakers(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Cooldown: time.Minute}, "")
	require.NoError(t, err)
	sender := &scriptedSender{fallback: &StatusError{StatusCode: 503}}
	rec := &sleepRecorder{}
	tr := NewRetryingTransport(sender, b, noJitter(), WithSleep(rec.Sleep))

	err = tr.Send(context.Background(), "https://sms.example.com/send", Payload{})
	assert.ErrorIs(t, err, domain.ErrBreakerOpen)
	assert.False(t, Retryable(err))
	assert.Equal(t, 2, sender.Calls(), "third attempt short-circuits")
	assert.Len(t, rec.delays, 2)
}

func TestTransportRejectsInvalidDestination(t *testing.T) {
	b, err := NewBreakers(DefaultBreakerConfig(), "")
	require.NoError(t, err)
	sender := &scriptedSender{}
	tr := NewRetryingTransport(sender, b, noJitter())

	err = tr.Send(context.Background(), "relative/path", Payload{})
	assert.ErrorIs(t, err, ErrInvalidDestination)
	assert.Zero(t, sender.Calls())
}

func TestTransportAttemptTimeout(t *testing.T) {
	blocking := SenderFunc(func(ctx context.Context, _ string, _ Payload) error {
		<-ctx.Done()
		return ctx.Err()
	})
	config := noJitter()
	config.MaxRetries = 1
	config.AttemptTimeout = 20 * time.Millisecond
	tr, rec := newTestTransport(t, blocking, config)

	start := time.Now()
	err := tr.Send(context.Background(), "/email", Payload{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Len(t, rec.delays, 1)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTransportMarksSenderErrorsAfterDeadline(t *testing.T) {
	sluggish := SenderFunc(func(ctx context.Context, _ string, _ Payload) error {
		<-ctx.Done()
		return errors.New("gateway hung up")
	})
	config := noJitter()
	config.MaxRetries = 0
	config.AttemptTimeout = 10 * time.Millisecond
	tr, _ := newTestTransport(t, sluggish, config)

	err := tr.Send(context.Background(), "/email", Payload{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "gateway hung up")
}

func TestTransportStopsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := SenderFunc(func(context.Context, string, Payload) error {
		cancel()
		return &StatusError{StatusCode: 503}
	})
	tr, rec := newTestTransport(t, sender, noJitter())

	err := tr.Send(ctx, "/email", Payload{})
	assert.Error(t, err)
	assert.Empty(t, rec.delays)
}

func TestCalculateBackoffDelayBounds(t *testing.T) {
	b, err := NewBreakers(DefaultBreakerConfig(), "")
	require.NoError(t, err)
	tr := NewRetryingTransport(&scriptedSender{}, b, DefaultTransportConfig())

	base := time.Second
	maxDelay := 10 * time.Second
	prevMean := time.Duration(0)
	for n := 0; n < 8; n++ {
		nominal := base << n
		if nominal > maxDelay {
			nominal = maxDelay
		}
		lower := time.Duration(float64(nominal) * 0.7)
		upper := time.Duration(float64(maxDelay) * 1.3)

		var sum time.Duration
		const samples = 200
		for i := 0; i < samples; i++ {
			d := tr.CalculateBackoffDelay(n)
			assert.GreaterOrEqual(t, d, lower, "attempt %d", n)
			assert.LessOrEqual(t, d, upper, "attempt %d", n)
			sum += d
		}
		mean := sum / samples
		if n > 0 {
			// Expected delay is non-decreasing; allow sampling noise at the cap.
			assert.GreaterOrEqual(t, float64(mean), float64(prevMean)*0.9, "attempt %d", n)
		}
		prevMean = mean
	}
}
