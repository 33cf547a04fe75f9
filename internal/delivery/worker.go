package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// Queue is the part of the outbox the worker drives.
type Queue interface {
	DequeueBatch(ctx context.Context, limit int) ([]*outbox.Message, error)
	MarkSent(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, cause error) (outbox.Status, error)
	Defer(ctx context.Context, id uuid.UUID, delay time.Duration, reason string) error
	MarkAbandoned(ctx context.Context, id uuid.UUID, reason string) error
}

// Route tells the worker where and how to deliver one message type.
type Route struct {
	Destination string
	Transport   *RetryingTransport
}

// WorkerConfig holds configuration for the delivery worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Concurrency bounds in-flight deliveries per cycle.
	Concurrency int
	// RateLimit caps deliveries per second across the process; zero disables it.
	RateLimit float64
	RateBurst int
	// DeferDelay postpones messages whose destination breaker is open.
	DeferDelay time.Duration
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    50,
		Concurrency:  4,
		RateLimit:    10,
		RateBurst:    5,
		DeferDelay:   60 * time.Second,
	}
}

// Worker polls the outbox and hands due messages to their route's transport.
type Worker struct {
	queue   Queue
	routes  map[outbox.MessageType]Route
	config  WorkerConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics observability.Metrics
	now     func() time.Time

	wg       sync.WaitGroup
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex

	statsMu sync.Mutex
	stats   WorkerStats
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithWorkerLogger sets the logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithWorkerMetrics sets the metrics sink.
func WithWorkerMetrics(m observability.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithWorkerClock overrides time.Now for claim lease checks. It must match
// the clock the outbox stamps leases with.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates a delivery worker.
func NewWorker(queue Queue, routes map[outbox.MessageType]Route, config WorkerConfig, opts ...WorkerOption) *Worker {
	defaults := DefaultWorkerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.DeferDelay <= 0 {
		config.DeferDelay = defaults.DeferDelay
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	w := &Worker{
		queue:    queue,
		routes:   routes,
		config:   config,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	stop := make(chan struct{})
	w.stopChan = stop
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx, stop)

	w.logger.Info("delivery worker started",
		"poll_interval", w.config.PollInterval,
		"batch_size", w.config.BatchSize,
		"concurrency", w.config.Concurrency,
	)
	return nil
}

// Stop waits for the current cycle to finish and stops the loop.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("delivery worker stopped")
}

// MinClaimLease is the shortest outbox claim lease under which a full batch
// finishes sending before any of its claims lapse.
func (w *Worker) MinClaimLease() time.Duration {
	var perMessage time.Duration
	for _, route := range w.routes {
		if route.Transport == nil {
			continue
		}
		if d := route.Transport.MaxSendDuration(); d > perMessage {
			perMessage = d
		}
	}
	rounds := (w.config.BatchSize + w.config.Concurrency - 1) / w.config.Concurrency
	lease := time.Duration(rounds) * perMessage
	if w.config.RateLimit > 0 {
		lease += time.Duration(float64(w.config.BatchSize) / w.config.RateLimit * float64(time.Second))
	}
	return lease
}

// IsRunning returns true if the worker loop is running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context, stop <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("delivery cycle failed", "error", err)
			}
		}
	}
}

// CycleResult counts the outcomes of one cycle.
type CycleResult struct {
	Claimed   int
	Sent      int
	Retrying  int
	Failed    int
	Deferred  int
	Abandoned int
	// Expired counts messages left alone because their claim would lapse
	// before a send could finish; they are picked up again once it does.
	Expired int
	Skipped int
}

type result int

const (
	resultSkipped result = iota
	resultSent
	resultRetrying
	resultFailed
	resultDeferred
	resultAbandoned
	resultExpired
)

// RunOnce runs a single delivery cycle synchronously.
func (w *Worker) RunOnce(ctx context.Context) (CycleResult, error) {
	msgs, err := w.queue.DequeueBatch(ctx, w.config.BatchSize)
	if err != nil {
		w.recordError(err)
		return CycleResult{}, err
	}
	w.recordCycle()

	res := CycleResult{Claimed: len(msgs)}
	if len(msgs) == 0 {
		return res, nil
	}

	results := make([]result, len(msgs))
	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup
	for i, msg := range msgs {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, msg *outbox.Message) {
			defer func() {
				<-sem
				wg.Done()
			}()
			results[i] = w.deliver(ctx, msg)
		}(i, msg)
	}
	wg.Wait()

	for _, r := range results {
		switch r {
		case resultSent:
			res.Sent++
		case resultRetrying:
			res.Retrying++
		case resultFailed:
			res.Failed++
		case resultDeferred:
			res.Deferred++
		case resultAbandoned:
			res.Abandoned++
		case resultExpired:
			res.Expired++
		default:
			res.Skipped++
		}
	}
	return res, nil
}

func (w *Worker) deliver(ctx context.Context, msg *outbox.Message) result {
	if msg.Status != outbox.StatusPending {
		return resultSkipped
	}
	ctx = observability.WithRequestID(ctx, msg.RequestID)
	log := w.logger.With("message_id", msg.ID, "type", msg.Type, "kind", msg.Kind)

	route, ok := w.routes[msg.Type]
	if !ok || route.Transport == nil {
		reason := fmt.Sprintf("no delivery route for %s messages", msg.Type)
		return w.abandon(ctx, log, msg, reason)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		// Shutting down; the claim lease will expire and release the message.
		return resultSkipped
	}

	// Another worker may claim the message once the lease lapses, so a send
	// must never be able to outlast it.
	if msg.LockedUntil != nil {
		if deadline := w.now().Add(route.Transport.MaxSendDuration()); deadline.After(*msg.LockedUntil) {
			log.WarnContext(ctx, "claim lease too short to finish delivery, leaving message for its next claim",
				"locked_until", *msg.LockedUntil)
			w.metrics.Counter(observability.MetricDeliveryLeaseExpired, 1, observability.T("type", string(msg.Type)))
			return resultExpired
		}
	}

	err := route.Transport.Send(ctx, route.Destination, PayloadFromMessage(msg))
	if err != nil && ctx.Err() != nil {
		return resultSkipped
	}
	switch {
	case err == nil:
		changed, markErr := w.queue.MarkSent(ctx, msg.ID)
		if markErr != nil {
			log.ErrorContext(ctx, "failed to mark notification sent", "error", markErr)
			w.recordError(markErr)
			return resultSkipped
		}
		if !changed {
			log.WarnContext(ctx, "notification was already terminal when its delivery finished")
			return resultSkipped
		}
		w.recordSent()
		return resultSent

	case errors.Is(err, domain.ErrBreakerOpen):
		if markErr := w.queue.Defer(ctx, msg.ID, w.config.DeferDelay, err.Error()); markErr != nil {
			log.ErrorContext(ctx, "failed to defer notification", "error", markErr)
			w.recordError(markErr)
			return resultSkipped
		}
		log.InfoContext(ctx, "destination unavailable, notification deferred", "delay", w.config.DeferDelay)
		w.recordDeferred()
		return resultDeferred

	case Retryable(err):
		status, markErr := w.queue.MarkFailed(ctx, msg.ID, err)
		if markErr != nil {
			log.ErrorContext(ctx, "failed to record delivery failure", "error", markErr)
			w.recordError(markErr)
			return resultSkipped
		}
		w.recordFailure(err)
		if status == outbox.StatusFailed {
			log.ErrorContext(ctx, "notification delivery exhausted",
				"error", fmt.Errorf("%w: %w", domain.ErrTerminalDelivery, err))
			return resultFailed
		}
		return resultRetrying

	default:
		return w.abandon(ctx, log, msg, err.Error())
	}
}

func (w *Worker) abandon(ctx context.Context, log *slog.Logger, msg *outbox.Message, reason string) result {
	if err := w.queue.MarkAbandoned(ctx, msg.ID, reason); err != nil {
		log.ErrorContext(ctx, "failed to abandon notification", "error", err)
		w.recordError(err)
		return resultSkipped
	}
	w.recordAbandoned(reason)
	return resultAbandoned
}

// WorkerStats is a running summary since the worker was created.
type WorkerStats struct {
	IsRunning      bool       `json:"is_running"`
	SentCount      uint64     `json:"sent_count"`
	FailedCount    uint64     `json:"failed_count"`
	DeferredCount  uint64     `json:"deferred_count"`
	AbandonedCount uint64     `json:"abandoned_count"`
	LastError      string     `json:"last_error,omitempty"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
	LastCycleAt    *time.Time `json:"last_cycle_at,omitempty"`
}

// Stats returns current worker statistics.
func (w *Worker) Stats() WorkerStats {
	w.statsMu.Lock()
	stats := w.stats
	w.statsMu.Unlock()
	stats.IsRunning = w.IsRunning()
	return stats
}

func (w *Worker) recordSent() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.SentCount++
}

func (w *Worker) recordFailure(err error) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.FailedCount++
	w.setLastError(err.Error())
}

func (w *Worker) recordDeferred() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.DeferredCount++
}

func (w *Worker) recordAbandoned(reason string) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.stats.AbandonedCount++
	w.setLastError(reason)
}

func (w *Worker) recordError(err error) {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	w.setLastError(err.Error())
}

func (w *Worker) recordCycle() {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	now := time.Now()
	w.stats.LastCycleAt = &now
}

// setLastError must be called with statsMu held.
func (w *Worker) setLastError(msg string) {
	now := time.Now()
	w.stats.LastError = msg
	w.stats.LastErrorAt = &now
}
