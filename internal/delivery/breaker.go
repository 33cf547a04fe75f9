package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/felixgeelhaar/clinicflow/internal/shared/domain"
	"github.com/felixgeelhaar/clinicflow/pkg/observability"
)

// BreakerConfig configures every per-origin breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed breaker.
	FailureThreshold uint32
	// SuccessThreshold is the number of consecutive half-open successes that
	// closes the breaker again. It also bounds the half-open trial calls.
	SuccessThreshold uint32
	// Cooldown is how long an open breaker rejects calls.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}

// BreakerStatus is a snapshot of one origin's breaker.
type BreakerStatus struct {
	Origin               string `json:"origin"`
	State                string `json:"state"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
}

// Breakers lazily creates one circuit breaker per destination origin.
type Breakers struct {
	config  BreakerConfig
	base    *url.URL
	logger  *slog.Logger
	metrics observability.Metrics

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
}

// BreakersOption configures Breakers.
type BreakersOption func(*Breakers)

// WithBreakerLogger sets the logger for state transitions.
func WithBreakerLogger(logger *slog.Logger) BreakersOption {
	return func(b *Breakers) { b.logger = logger }
}

// WithBreakerMetrics sets the metrics sink for state transitions.
func WithBreakerMetrics(m observability.Metrics) BreakersOption {
	return func(b *Breakers) { b.metrics = m }
}

// NewBreakers creates a registry. baseURL resolves relative destinations;
// when empty, only absolute destinations are accepted.
func NewBreakers(config BreakerConfig, baseURL string, opts ...BreakersOption) (*Breakers, error) {
	defaults := DefaultBreakerConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}

	b := &Breakers{
		config:   config,
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
	}
	base, err := ParseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	b.base = base
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Cooldown returns how long an open breaker stays open.
func (b *Breakers) Cooldown() time.Duration {
	return b.config.Cooldown
}

// Origin resolves destination to its scheme://host key.
func (b *Breakers) Origin(destination string) (string, error) {
	u, err := ResolveURL(b.base, destination)
	if err != nil {
		return "", err
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// ResolveURL parses destination, resolving it against base when relative.
// The result always has a scheme and a host.
func ResolveURL(base *url.URL, destination string) (*url.URL, error) {
	if strings.TrimSpace(destination) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidDestination)
	}
	u, err := url.Parse(destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidDestination, destination, err)
	}
	if !u.IsAbs() {
		if base == nil {
			return nil, fmt.Errorf("%w: %q is relative and no base URL is configured", ErrInvalidDestination, destination)
		}
		u = base.ResolveReference(u)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidDestination, destination)
	}
	return u, nil
}

// ParseBaseURL parses an optional base URL for relative destinations.
func ParseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("provider base URL %q must be absolute", raw)
	}
	return base, nil
}

// Execute runs call through the breaker of destination's origin. While the
// breaker is open the call is not made and the error wraps
// domain.ErrBreakerOpen.
func (b *Breakers) Execute(destination string, call func() error) error {
	origin, err := b.Origin(destination)
	if err != nil {
		return err
	}

	_, err = b.get(origin).Execute(func() (struct{}, error) {
		return struct{}{}, call()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", origin, domain.ErrBreakerOpen)
	}
	return err
}

// Statuses returns a snapshot of every known breaker, sorted by origin.
func (b *Breakers) Statuses() []BreakerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	statuses := make([]BreakerStatus, 0, len(b.breakers))
	for origin, cb := range b.breakers {
		counts := cb.Counts()
		statuses = append(statuses, BreakerStatus{
			Origin:               origin,
			State:                cb.State().String(),
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Origin < statuses[j].Origin })
	return statuses
}

// get returns the breaker for origin, creating it if needed.
func (b *Breakers) get(origin string) *gobreaker.CircuitBreaker[struct{}] {
	b.mu.RLock()
	cb, ok := b.breakers[origin]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[origin]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        origin,
		MaxRequests: b.config.SuccessThreshold,
		Timeout:     b.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.config.FailureThreshold
		},
		// Rejections that no retry can fix say nothing about the origin's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit breaker state changed",
				"origin", name,
				"from", from.String(),
				"to", to.String(),
			)
			b.metrics.Counter(observability.MetricBreakerTransitions, 1,
				observability.T("origin", name), observability.T("to", to.String()))
			b.metrics.Gauge(observability.MetricBreakerState, stateValue(to),
				observability.T("origin", name))
		},
	})
	b.breakers[origin] = cb
	return cb
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
