// Package fetch provides the network side of the cache: fetchers that turn a
// resource locator into raw bytes, plus decorators adding retries and a
// circuit breaker.
package fetch

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/utils"
)

// HTTPConfig configures an HTTPFetcher
type HTTPConfig struct {
	Timeout   time.Duration     `yaml:"timeout"`
	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers"`
	// MaxBodySize rejects responses larger than this many bytes; 0 means no limit
	MaxBodySize int64 `yaml:"max_body_size"`
}

// HTTPFetcher downloads http and https locators with a shared resty client
type HTTPFetcher struct {
	client *resty.Client
	config HTTPConfig
	logger *zap.Logger
}

// NewHTTPFetcher creates a fetcher. The client is owned by the fetcher and
// released by Close.
func NewHTTPFetcher(cfg HTTPConfig, logger *zap.Logger) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "tiercache"
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent)
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}

	return &HTTPFetcher{
		client: client,
		config: cfg,
		logger: utils.OrNop(logger).Named("http"),
	}
}

// Fetch performs a GET and returns the body of a 2xx response. Non-2xx
// responses become HTTP_STATUS errors, retryable for 5xx and 429.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(locator)
	if err != nil {
		return nil, classifyTransportError(ctx, err, locator)
	}
	defer resp.RawResponse.Body.Close()

	status := resp.StatusCode()
	if status < 200 || status > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.RawResponse.Body, 4096))
		return nil, statusError(status, locator)
	}

	body := io.Reader(resp.RawResponse.Body)
	if f.config.MaxBodySize > 0 {
		body = io.LimitReader(body, f.config.MaxBodySize+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, classifyTransportError(ctx, err, locator)
	}
	if f.config.MaxBodySize > 0 && int64(len(data)) > f.config.MaxBodySize {
		return nil, errors.Newf(errors.ErrCodeHTTPStatus, "response exceeds %s", utils.FormatBytes(f.config.MaxBodySize)).
			WithComponent("http").WithContext("locator", locator).WithRetryable(false)
	}

	f.logger.Debug("fetched", zap.String("locator", locator), zap.Int("status", status), zap.Int("bytes", len(data)))
	return data, nil
}

// Close releases idle connections
func (f *HTTPFetcher) Close() error {
	return f.client.Close()
}

func statusError(status int, locator string) error {
	retryable := status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
	return errors.Newf(errors.ErrCodeHTTPStatus, "unexpected status %d %s", status, http.StatusText(status)).
		WithComponent("http").
		WithOperation("Fetch").
		WithContext("locator", locator).
		WithDetail("status", status).
		WithRetryable(retryable)
}

// classifyTransportError returns the caller's context error untouched so
// cancellation is not mistaken for a network failure. The client's own
// request timeout is a CONNECTION_TIMEOUT.
func classifyTransportError(ctx context.Context, err error, locator string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	code := errors.ErrCodeNetworkError
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		code = errors.ErrCodeConnectionTimeout
	}
	return errors.Wrap(err, code, fmt.Sprintf("request to %s failed", locator)).
		WithComponent("http").
		WithOperation("Fetch").
		WithContext("locator", locator)
}
