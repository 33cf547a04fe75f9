package app

import (
	"context"
	"fmt"

	"github.com/felixgeelhaar/clinicflow/internal/delivery"
	"github.com/felixgeelhaar/clinicflow/internal/delivery/providers"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/backoff"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// NewSender builds the provider sender selected by PROVIDER_TRANSPORT.
// AMQP senders hold a broker connection that Close releases.
func (c *Container) NewSender() (delivery.Sender, error) {
	cfg := c.Config
	switch cfg.ProviderTransport {
	case "http":
		var opts []providers.HTTPOption
		if cfg.ProviderAPIKey != "" {
			opts = append(opts, providers.WithAPIKey(cfg.ProviderAPIKey))
		}
		return providers.NewHTTPSender(cfg.ProviderBaseURL, opts...)
	case "amqp":
		sender, err := providers.NewAMQPSender(cfg.RabbitMQURL, cfg.RabbitMQExchange, c.Logger)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, sender)
		return sender, nil
	case "log", "":
		return providers.NewLogSender(c.Logger), nil
	default:
		return nil, fmt.Errorf("unknown provider transport %q", cfg.ProviderTransport)
	}
}

// NewDeliveryWorker builds the outbox worker with one route per channel,
// sharing the container's breakers so the API reports their state when
// both run in one process.
func (c *Container) NewDeliveryWorker() (*delivery.Worker, error) {
	cfg := c.Config
	sender, err := c.NewSender()
	if err != nil {
		return nil, fmt.Errorf("failed to create %s sender: %w", cfg.ProviderTransport, err)
	}

	transport := delivery.NewRetryingTransport(sender, c.Breakers, delivery.TransportConfig{
		MaxRetries:     cfg.DeliveryMaxRetries,
		AttemptTimeout: cfg.DeliveryAttemptTimeout,
		Backoff: backoff.Policy{
			Base:   cfg.DeliveryBackoffBase,
			Max:    cfg.DeliveryBackoffMax,
			Jitter: backoff.DeliveryPolicy().Jitter,
		},
	},
		delivery.WithTransportLogger(c.Logger),
		delivery.WithTransportMetrics(c.Metrics),
	)

	routes := map[outbox.MessageType]delivery.Route{
		outbox.TypeEmail: {Destination: cfg.EmailProviderURL, Transport: transport},
		outbox.TypeSMS:   {Destination: cfg.SMSProviderURL, Transport: transport},
	}
	worker := delivery.NewWorker(c.Outbox, routes, delivery.WorkerConfig{
		PollInterval: cfg.OutboxPollInterval,
		BatchSize:    cfg.OutboxBatchSize,
		Concurrency:  cfg.DeliveryConcurrency,
		RateLimit:    cfg.DeliveryRatePerSecond,
		RateBurst:    cfg.DeliveryBurst,
		DeferDelay:   c.Breakers.Cooldown(),
	},
		delivery.WithWorkerLogger(c.Logger),
		delivery.WithWorkerMetrics(c.Metrics),
	)
	if lease, need := c.Outbox.ClaimLease(), worker.MinClaimLease(); lease < need {
		return nil, fmt.Errorf("OUTBOX_CLAIM_LEASE %s is shorter than the %s a full batch can take to send; "+
			"raise it or lower OUTBOX_BATCH_SIZE or DELIVERY_ATTEMPT_TIMEOUT", lease, need)
	}
	return worker, nil
}

// WorkerHealthChecker reports the worker unhealthy once its loop stops.
func WorkerHealthChecker(w *delivery.Worker) observability.HealthChecker {
	return func(context.Context) observability.HealthCheckResult {
		stats := w.Stats()
		if !stats.IsRunning {
			return observability.HealthCheckResult{
				Status:  observability.HealthStatusUnhealthy,
				Message: "delivery worker is not running",
			}
		}
		return observability.HealthCheckResult{
			Status:  observability.HealthStatusHealthy,
			Message: "delivery worker running",
			Details: map[string]any{
				"sent":      stats.SentCount,
				"failed":    stats.FailedCount,
				"deferred":  stats.DeferredCount,
				"abandoned": stats.AbandonedCount,
			},
		}
	}
}
