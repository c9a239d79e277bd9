package fetch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/retry"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// RetryFetcher retries transient failures of the wrapped fetcher with
// exponential backoff.
type RetryFetcher struct {
	next    types.Fetcher
	retryer *retry.Retryer
}

// NewRetryFetcher wraps next. Retries are logged at debug level.
func NewRetryFetcher(next types.Fetcher, cfg retry.Config, logger *zap.Logger) *RetryFetcher {
	logger = utils.OrNop(logger).Named("retry")
	onRetry := cfg.OnRetry
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying fetch", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}
	}
	return &RetryFetcher{next: next, retryer: retry.New(cfg)}
}

// Fetch calls the wrapped fetcher until it succeeds, fails permanently or
// runs out of attempts.
func (r *RetryFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	var data []byte
	err := r.retryer.Do(ctx, func(ctx context.Context) error {
		b, err := r.next.Fetch(ctx, locator)
		if err != nil {
			return err
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
