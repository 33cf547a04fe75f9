package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// Enqueuer stores outbox messages; *outbox.Outbox implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *outbox.Message) (uuid.UUID, error)
}

type handlerConfig struct {
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time
}

// Option configures a command handler.
type Option func(*handlerConfig)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *handlerConfig) { c.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m observability.Metrics) Option {
	return func(c *handlerConfig) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *handlerConfig) { c.now = now }
}

func newHandlerConfig(opts []Option) handlerConfig {
	c := handlerConfig{logger: slog.Default(), metrics: observability.NoopMetrics{}, now: time.Now}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
