package tiercache

import (
	"context"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/fetch"
	"github.com/tiercache/tiercache/pkg/retry"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// Network is the fetcher built from the network section of the
// configuration: http and https through resty, s3 through the AWS SDK when
// enabled. Each scheme gets its own retry and circuit breaker chain.
type Network struct {
	router   *fetch.Router
	http     *fetch.HTTPFetcher
	breakers map[string]*fetch.BreakerFetcher
}

// NewFetcher builds the network fetcher described by cfg
func NewFetcher(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*Network, error) {
	logger = utils.OrNop(logger)
	n := &Network{
		router:   fetch.NewRouter(),
		breakers: make(map[string]*fetch.BreakerFetcher),
	}

	n.http = fetch.NewHTTPFetcher(fetch.HTTPConfig{
		Timeout:     cfg.Network.Timeout,
		UserAgent:   cfg.Network.UserAgent,
		MaxBodySize: cfg.MaxBodyBytes(),
	}, logger)
	n.router.Handle(n.wrap("http", n.http, cfg, logger), "http", "https")

	if cfg.Network.S3.Enabled {
		client, err := fetch.NewS3Client(ctx, fetch.S3Config{
			Region:         cfg.Network.S3.Region,
			Endpoint:       cfg.Network.S3.Endpoint,
			ForcePathStyle: cfg.Network.S3.ForcePathStyle,
			// retries happen in the RetryFetcher
			MaxRetries: 1,
		})
		if err != nil {
			_ = n.http.Close()
			return nil, err
		}
		n.router.Handle(n.wrap("s3", fetch.NewS3Fetcher(client, logger), cfg, logger), "s3")
	}

	return n, nil
}

// wrap puts retries inside the breaker, so the breaker counts one failure
// per exhausted request rather than one per attempt.
func (n *Network) wrap(name string, f types.Fetcher, cfg *config.Configuration, logger *zap.Logger) types.Fetcher {
	if rc := cfg.Network.Retry; rc.MaxAttempts > 1 {
		r := retry.DefaultConfig()
		r.MaxAttempts = rc.MaxAttempts
		if rc.InitialDelay > 0 {
			r.InitialDelay = rc.InitialDelay
		}
		if rc.MaxDelay > 0 {
			r.MaxDelay = rc.MaxDelay
		}
		if rc.Multiplier > 0 {
			r.Multiplier = rc.Multiplier
		}
		r.Jitter = rc.Jitter
		f = fetch.NewRetryFetcher(f, r, logger)
	}

	if cb := cfg.Network.CircuitBreaker; cb.Enabled {
		b := fetch.NewBreakerFetcher(f, fetch.BreakerConfig{
			Enabled:          true,
			Name:             name,
			MaxRequests:      cb.MaxRequests,
			Interval:         cb.Interval,
			Timeout:          cb.Timeout,
			FailureThreshold: cb.FailureThreshold,
			MinRequests:      cb.MinRequests,
		}, logger)
		n.breakers[name] = b
		f = b
	}
	return f
}

// Fetch implements types.Fetcher
func (n *Network) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return n.router.Fetch(ctx, locator)
}

// BreakerStates returns the circuit breaker state per scheme group
func (n *Network) BreakerStates() map[string]string {
	states := make(map[string]string, len(n.breakers))
	for name, b := range n.breakers {
		states[name] = b.State()
	}
	return states
}

// Close releases the HTTP client
func (n *Network) Close() error {
	return n.http.Close()
}
