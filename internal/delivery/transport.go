package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/backoff"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// TransportConfig holds retry policy for a single send.
type TransportConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// AttemptTimeout bounds each attempt.
	AttemptTimeout time.Duration
	// Backoff schedules the pause between attempts.
	Backoff backoff.Policy
}

// DefaultTransportConfig returns sensible defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxRetries:     3,
		AttemptTimeout: 30 * time.Second,
		Backoff:        backoff.DeliveryPolicy(),
	}
}

// RetryingTransport sends through a Sender with per-attempt timeouts,
// jittered exponential backoff and the destination's circuit breaker.
type RetryingTransport struct {
	sender   Sender
	breakers *Breakers
	config   TransportConfig
	logger   *slog.Logger
	metrics  observability.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

// TransportOption configures a RetryingTransport.
type TransportOption func(*RetryingTransport)

// WithTransportLogger sets the logger.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *RetryingTransport) { t.logger = logger }
}

// WithTransportMetrics sets the metrics sink.
func WithTransportMetrics(m observability.Metrics) TransportOption {
	return func(t *RetryingTransport) { t.metrics = m }
}

// WithSleep replaces the backoff sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) TransportOption {
	return func(t *RetryingTransport) { t.sleep = sleep }
}

// NewRetryingTransport creates a transport over sender.
func NewRetryingTransport(sender Sender, breakers *Breakers, config TransportConfig, opts ...TransportOption) *RetryingTransport {
	defaults := DefaultTransportConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.Backoff.Base <= 0 {
		config.Backoff = defaults.Backoff
	}

	t := &RetryingTransport{
		sender:   sender,
		breakers: breakers,
		config:   config,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		sleep:    backoff.Sleep,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CalculateBackoffDelay returns the jittered pause before retry attempt+1.
func (t *RetryingTransport) CalculateBackoffDelay(attempt int) time.Duration {
	return t.config.Backoff.Delay(attempt)
}

// MaxSendDuration bounds one Send: every attempt running into its timeout
// plus the longest pause between attempts.
func (t *RetryingTransport) MaxSendDuration() time.Duration {
	total := time.Duration(t.config.MaxRetries+1) * t.config.AttemptTimeout
	for attempt := 0; attempt < t.config.MaxRetries; attempt++ {
		total += t.config.Backoff.MaxDelay(attempt)
	}
	return total
}

// Send delivers payload to destination. Retryable failures are retried up
// to MaxRetries times; the final error then wraps domain.ErrTransient and
// the last cause. Breaker rejections, invalid destinations and permanent
// provider rejections are returned at once.
func (t *RetryingTransport) Send(ctx context.Context, destination string, payload Payload) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		attempts++
		err := t.attempt(ctx, destination, payload)
		if err == nil {
			return nil
		}
		lastErr = err
		if !Retryable(err) {
			return err
		}
		if attempt == t.config.MaxRetries || ctx.Err() != nil {
			break
		}

		delay := t.CalculateBackoffDelay(attempt)
		t.metrics.Counter(observability.MetricDeliveryRetries, 1, observability.T("type", string(payload.Type)))
		t.logger.DebugContext(ctx, "retrying delivery",
			"message_id", payload.MessageID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if err := t.sleep(ctx, delay); err != nil {
			break
		}
	}

	if errors.Is(lastErr, domain.ErrTransient) {
		return fmt.Errorf("delivery failed after %d attempts: %w", attempts, lastErr)
	}
	return fmt.Errorf("delivery failed after %d attempts: %w: %w", attempts, domain.ErrTransient, lastErr)
}

func (t *RetryingTransport) attempt(ctx context.Context, destination string, payload Payload) error {
	start := time.Now()
	err := t.breakers.Execute(destination, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, t.config.AttemptTimeout)
		defer cancel()

		err := t.sender.Send(attemptCtx, destination, payload)
		if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("attempt timed out after %s: %w: %w", t.config.AttemptTimeout, context.DeadlineExceeded, err)
		}
		return err
	})

	tags := []observability.Tag{
		observability.T("type", string(payload.Type)),
		observability.T("outcome", outcome(err)),
	}
	t.metrics.Counter(observability.MetricDeliveryAttempts, 1, tags...)
	t.metrics.Timing(observability.MetricDeliveryDuration, time.Since(start), tags...)
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, domain.ErrBreakerOpen):
		return "breaker_open"
	case Retryable(err):
		return "retryable"
	default:
		return "rejected"
	}
}
