package fetch

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// BreakerConfig holds configuration for the fetch circuit breaker
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Name        string        `yaml:"name"`
	MaxRequests uint32        `yaml:"max_requests"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests have been seen
	FailureThreshold float64 `yaml:"failure_threshold"`
	MinRequests      uint32  `yaml:"min_requests"`
}

// DefaultBreakerConfig returns a conservative breaker configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		Name:             "network",
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// BreakerFetcher stops calling the wrapped fetcher while the upstream is
// failing and returns CIRCUIT_OPEN instead.
type BreakerFetcher struct {
	next   types.Fetcher
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreakerFetcher wraps next in a circuit breaker
func NewBreakerFetcher(next types.Fetcher, cfg BreakerConfig, logger *zap.Logger) *BreakerFetcher {
	if cfg.Name == "" {
		cfg.Name = "network"
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 1
	}
	if cfg.FailureThreshold <= 0 || cfg.FailureThreshold > 1 {
		cfg.FailureThreshold = 0.8
	}
	logger = utils.OrNop(logger).Named("breaker")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: upstreamHealthy,
	})

	return &BreakerFetcher{next: next, cb: cb, logger: logger}
}

// upstreamHealthy treats caller cancellation and client errors such as 404
// as healthy responses; only transport failures and retryable statuses count
// against the upstream.
func upstreamHealthy(err error) bool {
	if err == nil {
		return true
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.HasCode(err, errors.ErrCodeHTTPStatus) && !errors.IsRetryable(err) {
		return true
	}
	if errors.HasCode(err, errors.ErrCodeInvalidArgument) {
		return true
	}
	return false
}

// Fetch calls the wrapped fetcher unless the breaker is open
func (b *BreakerFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Fetch(ctx, locator)
	})
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			b.logger.Debug("rejected", zap.String("locator", locator), zap.Error(err))
			return nil, errors.Wrap(err, errors.ErrCodeCircuitOpen, "upstream circuit is open").
				WithComponent("breaker").
				WithContext("breaker", b.cb.Name()).
				WithContext("locator", locator).
				WithRetryable(false)
		}
		return nil, err
	}
	return out.([]byte), nil
}

// State returns the breaker state as a string: closed, half-open or open
func (b *BreakerFetcher) State() string {
	return b.cb.State().String()
}
