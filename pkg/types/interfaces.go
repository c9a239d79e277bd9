package types

import (
	"context"
	"io"
	"time"
)

// Fetcher downloads the raw bytes behind a resource locator
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// FetcherFunc adapts a plain function to the Fetcher interface
type FetcherFunc func(ctx context.Context, locator string) ([]byte, error)

// Fetch calls f(ctx, locator)
func (f FetcherFunc) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f(ctx, locator)
}

// Decoder turns raw bytes into a structured value. Implementations must be
// safe for concurrent use and may bound the number of concurrent decodes.
type Decoder[V any] interface {
	Decode(ctx context.Context, data []byte) (V, error)
	DecodeReader(ctx context.Context, r io.Reader) (V, error)
}

// Encoder turns a structured value back into bytes. Used only when a value
// is written to disk without its original bytes.
type Encoder[V any] interface {
	Encode(value V) ([]byte, error)
}

// CapacityPolicy maps an available memory budget to a memory cache size
type CapacityPolicy interface {
	MaxBytes(available uint64) int64
}

// CapacityPolicyFunc adapts a plain function to the CapacityPolicy interface
type CapacityPolicyFunc func(available uint64) int64

// MaxBytes calls f(available)
func (f CapacityPolicyFunc) MaxBytes(available uint64) int64 {
	return f(available)
}

// MetricsCollector defines the metrics collection interface
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(source Source, size int64)
	RecordCacheMiss(tier string)
	RecordEviction(tier string, count int)
	RecordCoalesced(count int)
	RecordError(operation string, err error)
	UpdateCacheSize(tier string, size int64)
}

// NopMetrics discards everything
type NopMetrics struct{}

func (NopMetrics) RecordOperation(string, time.Duration, int64, bool) {}
func (NopMetrics) RecordCacheHit(Source, int64)                        {}
func (NopMetrics) RecordCacheMiss(string)                              {}
func (NopMetrics) RecordEviction(string, int)                          {}
func (NopMetrics) RecordCoalesced(int)                                 {}
func (NopMetrics) RecordError(string, error)                           {}
func (NopMetrics) UpdateCacheSize(string, int64)                       {}
