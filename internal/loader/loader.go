// Package loader implements the access-policy state machine that decides
// which cache tiers a request consults, coalesces concurrent network
// fetches per key and writes fetched results back into both tiers.
package loader

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/cache"
	"github.com/tiercache/tiercache/internal/memo"
	"github.com/tiercache/tiercache/internal/workqueue"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// ErrNotFound matches (via errors.Is) the error returned when a
// CACHE_ONLY load misses both tiers.
var ErrNotFound error = &errors.TierCacheError{Code: errors.ErrCodeNotFound, Message: "not cached"}

// IsNotFound reports whether err is a cache-only miss
func IsNotFound(err error) bool {
	return errors.HasCode(err, errors.ErrCodeNotFound)
}

// Options wires a Loader to its tiers and collaborators. Memo, Equal,
// Logger and Metrics are optional.
type Options[V any] struct {
	Memory      *cache.MemoryCache[V]
	Disk        *cache.DiskCache
	Memo        *memo.Memoizer[types.Result[V]]
	Fetcher     types.Fetcher
	Decoder     types.Decoder[V]
	NetworkPool *workqueue.Pool
	CachePool   *workqueue.Pool
	Equal       func(a, b V) bool
	Logger      *zap.Logger
	Metrics     types.MetricsCollector
}

// Stats counts load outcomes
type Stats struct {
	MemoryHits uint64 `json:"memory_hits"`
	DiskHits   uint64 `json:"disk_hits"`
	Fetches    uint64 `json:"fetches"`
	NotFound   uint64 `json:"not_found"`
	Failures   uint64 `json:"failures"`
	Coalesced  uint64 `json:"coalesced"`
	Memo       memo.Stats
}

// Loader coordinates the memory tier, the disk tier and the network
type Loader[V any] struct {
	memory  *cache.MemoryCache[V]
	disk    *cache.DiskCache
	memo    *memo.Memoizer[types.Result[V]]
	fetcher types.Fetcher
	decoder types.Decoder[V]
	network *workqueue.Pool
	workers *workqueue.Pool
	equal   func(a, b types.Result[V]) bool
	logger  *zap.Logger
	metrics types.MetricsCollector

	memoryHits atomic.Uint64
	diskHits   atomic.Uint64
	fetches    atomic.Uint64
	notFound   atomic.Uint64
	failures   atomic.Uint64
	coalesced  atomic.Uint64
}

// New creates a loader and hooks it into the memory cache's removal
// notifications so evicted values are dropped from the in-flight registry.
func New[V any](opts Options[V]) (*Loader[V], error) {
	switch {
	case opts.Memory == nil:
		return nil, missing("memory cache")
	case opts.Disk == nil:
		return nil, missing("disk cache")
	case opts.Fetcher == nil:
		return nil, missing("fetcher")
	case opts.Decoder == nil:
		return nil, missing("decoder")
	case opts.NetworkPool == nil:
		return nil, missing("network pool")
	case opts.CachePool == nil:
		return nil, missing("cache pool")
	}

	if opts.Memo == nil {
		opts.Memo = memo.New[types.Result[V]]()
	}
	if opts.Metrics == nil {
		opts.Metrics = types.NopMetrics{}
	}
	valueEqual := opts.Equal
	if valueEqual == nil {
		valueEqual = utils.SameValue[V]
	}

	l := &Loader[V]{
		memory:  opts.Memory,
		disk:    opts.Disk,
		memo:    opts.Memo,
		fetcher: opts.Fetcher,
		decoder: opts.Decoder,
		network: opts.NetworkPool,
		workers: opts.CachePool,
		equal: func(a, b types.Result[V]) bool {
			return valueEqual(a.Value, b.Value)
		},
		logger:  utils.OrNop(opts.Logger).Named("loader"),
		metrics: opts.Metrics,
	}

	l.memory.AddRemovalListener(func(evicted bool, key types.CacheKey, value V) {
		l.memo.ForgetIf(key, types.Result[V]{Key: key, Value: value}, l.equal)
		if evicted {
			l.metrics.RecordEviction("memory", 1)
		}
	})
	return l, nil
}

func missing(what string) error {
	return errors.Newf(errors.ErrCodeMissingConfig, "loader requires a %s", what).WithComponent("loader")
}

// Load resolves key according to policy:
//
//	NORMAL, PRE_FETCH  memory, then disk, then one shared network fetch
//	CACHE_ONLY         memory, then disk; a miss returns ErrNotFound
//	REFRESH            drops key from every tier, then fetches
//
// Fetch and decode failures are returned as FETCH_FAILED and DECODE_FAILED
// errors and leave both tiers untouched.
func (l *Loader[V]) Load(ctx context.Context, key types.CacheKey, locator string, policy types.AccessPolicy) (types.Result[V], error) {
	if err := validate(key, locator, policy); err != nil {
		return types.Result[V]{}, err
	}

	start := time.Now()
	res, err := l.load(ctx, key, locator, policy)
	l.metrics.RecordOperation("load", time.Since(start), 0, err == nil)
	if err != nil && !IsNotFound(err) {
		l.failures.Add(1)
		l.metrics.RecordError("load", err)
	}
	return res, err
}

func validate(key types.CacheKey, locator string, policy types.AccessPolicy) error {
	if !policy.Valid() {
		return errors.Newf(errors.ErrCodeInvalidPolicy, "unknown access policy %d", int(policy)).
			WithComponent("loader")
	}
	if key == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "cache key is required").WithComponent("loader")
	}
	if locator == "" && policy != types.PolicyCacheOnly {
		return errors.NewError(errors.ErrCodeInvalidArgument, "resource locator is required").
			WithComponent("loader").WithContext("key", key.String())
	}
	return nil
}

func (l *Loader[V]) load(ctx context.Context, key types.CacheKey, locator string, policy types.AccessPolicy) (types.Result[V], error) {
	if policy == types.PolicyRefresh {
		l.invalidate(key)
	} else {
		if res, ok := l.fromMemory(key); ok {
			return res, nil
		}
		if res, ok := l.fromDisk(ctx, key); ok {
			return res, nil
		}
		if policy == types.PolicyCacheOnly {
			l.notFound.Add(1)
			return types.Result[V]{}, errors.NewError(errors.ErrCodeNotFound, "not cached").
				WithComponent("loader").WithContext("key", key.String())
		}
	}

	// A completed computation whose value has since left memory must not be
	// served again.
	if prev, ok := l.memo.Peek(key); ok && !l.memory.Contains(key) {
		l.memo.ForgetIf(key, prev, l.equal)
	}

	l.network.Promote(key.String())

	res, shared, err := l.memo.ExecuteShared(ctx, key, func(ctx context.Context) (types.Result[V], error) {
		return l.fetchAndDecode(ctx, key, locator, policy)
	})
	if shared {
		l.coalesced.Add(1)
		l.metrics.RecordCoalesced(1)
	}
	return res, err
}

func (l *Loader[V]) fromMemory(key types.CacheKey) (types.Result[V], bool) {
	v, ok := l.memory.Get(key)
	if !ok {
		l.metrics.RecordCacheMiss("memory")
		return types.Result[V]{}, false
	}
	l.memoryHits.Add(1)
	l.metrics.RecordCacheHit(types.SourceMemory, 0)
	return types.Result[V]{Key: key, Value: v, Source: types.SourceMemory}, true
}

func (l *Loader[V]) fromDisk(ctx context.Context, key types.CacheKey) (types.Result[V], bool) {
	v, ok := cache.GetDecoded(ctx, l.disk, key, l.decoder)
	if !ok {
		l.metrics.RecordCacheMiss("disk")
		return types.Result[V]{}, false
	}
	winner, _ := l.memory.PutIfAbsent(key, v)
	l.diskHits.Add(1)
	l.metrics.RecordCacheHit(types.SourceDisk, 0)
	return types.Result[V]{Key: key, Value: winner, Source: types.SourceDisk}, true
}

// invalidate removes key from memory, the registry and disk ahead of a
// refresh so racing readers cannot be served the old value.
func (l *Loader[V]) invalidate(key types.CacheKey) {
	l.memory.Remove(key)
	l.memo.Forget(key)
	l.disk.Remove(key)
}

// fetchAndDecode runs as the single shared computation for key
func (l *Loader[V]) fetchAndDecode(ctx context.Context, key types.CacheKey, locator string, policy types.AccessPolicy) (types.Result[V], error) {
	reqID := uuid.NewString()
	logger := l.logger.With(zap.String("request_id", reqID), zap.String("key", key.String()))

	// Another caller may have filled a tier between our lookup and winning
	// registration.
	if policy != types.PolicyRefresh {
		if res, ok := l.fromMemory(key); ok {
			return res, nil
		}
		if res, ok := l.fromDisk(ctx, key); ok {
			logger.Debug("served from disk after re-check")
			return res, nil
		}
	}

	start := time.Now()
	data, err := l.fetch(ctx, key, locator)
	if err != nil {
		logger.Warn("fetch failed", zap.String("locator", locator), zap.Error(err))
		return types.Result[V]{}, err
	}
	l.fetches.Add(1)
	l.metrics.RecordOperation("fetch", time.Since(start), int64(len(data)), true)

	value, err := l.decoder.Decode(ctx, data)
	if err != nil {
		logger.Warn("decode failed", zap.Int("bytes", len(data)), zap.Error(err))
		return types.Result[V]{}, errors.Wrap(err, errors.ErrCodeDecodeFailed, "failed to decode fetched bytes").
			WithComponent("loader").WithOperation("Decode").
			WithContext("key", key.String()).
			WithContext("request_id", reqID)
	}

	if !l.disk.Put(key, data) {
		logger.Warn("failed to persist fetched bytes")
	}
	l.memory.Put(key, value)
	l.metrics.RecordCacheHit(types.SourceNetwork, int64(len(data)))

	logger.Debug("fetched", zap.Int("bytes", len(data)), zap.Duration("elapsed", time.Since(start)))
	return types.Result[V]{Key: key, Value: value, Source: types.SourceNetwork}, nil
}

// fetch runs the download on the network pool, keyed so a queued fetch can
// be promoted by later requests.
func (l *Loader[V]) fetch(ctx context.Context, key types.CacheKey, locator string) ([]byte, error) {
	var data []byte
	task := l.network.Submit(key.String(), func(poolCtx context.Context) error {
		fetchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()

		b, err := l.fetcher.Fetch(fetchCtx, locator)
		if err != nil {
			return err
		}
		data = b
		return nil
	})

	if err := task.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			l.network.Cancel(task)
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, errors.ErrCodeFetchFailed, "failed to fetch resource").
			WithComponent("loader").WithOperation("Fetch").
			WithContext("key", key.String()).
			WithContext("locator", locator)
	}
	return data, nil
}

// Stats returns load statistics
func (l *Loader[V]) Stats() Stats {
	return Stats{
		MemoryHits: l.memoryHits.Load(),
		DiskHits:   l.diskHits.Load(),
		Fetches:    l.fetches.Load(),
		NotFound:   l.notFound.Load(),
		Failures:   l.failures.Load(),
		Coalesced:  l.coalesced.Load(),
		Memo:       l.memo.Stats(),
	}
}
