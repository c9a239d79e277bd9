package tiercache

import (
	"context"
	stderrors "errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tiercache/tiercache/internal/cache"
	"github.com/tiercache/tiercache/internal/capacity"
	"github.com/tiercache/tiercache/internal/config"
	"github.com/tiercache/tiercache/internal/loader"
	"github.com/tiercache/tiercache/internal/memo"
	"github.com/tiercache/tiercache/internal/workqueue"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// ErrNotFound matches (via errors.Is) a CACHE_ONLY miss
var ErrNotFound = loader.ErrNotFound

// IsNotFound reports whether err is a CACHE_ONLY miss
func IsNotFound(err error) bool {
	return loader.IsNotFound(err)
}

// ClearMode selects what ClearDisk removes
type ClearMode int

const (
	// ClearAll removes every cached file
	ClearAll ClearMode = iota
	// ClearEvictOld removes files older than the configured max age
	ClearEvictOld
)

// String returns string representation of the mode
func (m ClearMode) String() string {
	switch m {
	case ClearAll:
		return "ALL"
	case ClearEvictOld:
		return "EVICT_OLD"
	default:
		return "UNKNOWN"
	}
}

// Weigher returns the memory cost of a cached value
type Weigher[V any] func(key types.CacheKey, value V) int64

// Dependencies are the collaborators a Cache is built around. Decoder is
// required. Fetcher defaults to NewFetcher(cfg). Weigher defaults to the
// decoder's Weigh method when it has one.
type Dependencies[V any] struct {
	Fetcher types.Fetcher
	Decoder types.Decoder[V]
	// Encoder lets Put persist values supplied without their original bytes
	Encoder types.Encoder[V]
	Weigher Weigher[V]
	// Capacity overrides the memory.max_size / memory_fraction settings
	Capacity types.CapacityPolicy
	Equal    func(a, b V) bool
	Metrics  types.MetricsCollector
	Logger   *zap.Logger
	// Filesystem replaces the configured disk directories
	Filesystem billy.Filesystem
}

// Stats is a point-in-time view of every tier and pool
type Stats struct {
	Memory   types.CacheStats `json:"memory"`
	Disk     cache.DiskStats  `json:"disk"`
	Loader   loader.Stats     `json:"loader"`
	InFlight int              `json:"in_flight"`
	Network  workqueue.Stats  `json:"network_pool"`
	Workers  workqueue.Stats  `json:"cache_pool"`
}

// Cache is the public entry point: policy-driven loads over a memory tier
// and a disk tier, plus population, eviction and lifecycle operations.
type Cache[V any] struct {
	config  *config.Configuration
	memory  *cache.MemoryCache[V]
	disk    *cache.DiskCache
	memo    *memo.Memoizer[types.Result[V]]
	loader  *loader.Loader[V]
	network *workqueue.Pool
	workers *workqueue.Pool
	monitor *capacity.Monitor
	encoder types.Encoder[V]
	owned   *Network
	metrics types.MetricsCollector
	logger  *zap.Logger

	preloads sync.WaitGroup
	closed   atomic.Bool
	closeMu  sync.Mutex
}

// New builds a cache from cfg. A nil cfg uses config.NewDefault. The
// configuration is validated before anything is started.
func New[V any](cfg *config.Configuration, deps Dependencies[V]) (*Cache[V], error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Decoder == nil {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "a decoder is required").WithComponent("tiercache")
	}

	logger := utils.OrNop(deps.Logger)
	metrics := deps.Metrics
	if metrics == nil {
		metrics = types.NopMetrics{}
	}

	weigher := deps.Weigher
	if weigher == nil {
		w, ok := any(deps.Decoder).(interface {
			Weigh(types.CacheKey, V) int64
		})
		if !ok {
			return nil, errors.NewError(errors.ErrCodeMissingConfig, "a weigher is required for this decoder").
				WithComponent("tiercache")
		}
		weigher = w.Weigh
	}

	policy, err := capacityPolicy(cfg, deps.Capacity)
	if err != nil {
		return nil, err
	}

	var opts []cache.MemoryOption[V]
	if deps.Equal != nil {
		opts = append(opts, cache.WithEqual(deps.Equal))
	}
	memory, err := cache.NewMemoryCache(policy.MaxBytes(capacity.Available()), cache.Weigher[V](weigher), opts...)
	if err != nil {
		return nil, err
	}

	disk, err := cache.NewDiskCache(&cache.DiskCacheConfig{
		Directories:   cfg.Disk.Directories,
		MaxAge:        cfg.Disk.MaxAge,
		MinExpiry:     cfg.Disk.MinExpiry,
		PurgeInterval: cfg.Disk.PurgeInterval,
		Filesystem:    deps.Filesystem,
	}, logger)
	if err != nil {
		return nil, err
	}

	fetcher := deps.Fetcher
	var owned *Network
	if fetcher == nil {
		owned, err = NewFetcher(context.Background(), cfg, logger)
		if err != nil {
			_ = disk.Close(context.Background())
			return nil, err
		}
		fetcher = owned
	}

	c := &Cache[V]{
		config:  cfg,
		memory:  memory,
		disk:    disk,
		memo:    memo.New[types.Result[V]](),
		network: workqueue.New(workqueue.Config{Name: "network", Workers: cfg.NetworkWorkers()}, logger),
		workers: workqueue.New(workqueue.Config{Name: "cache", Workers: cfg.CacheWorkers()}, logger),
		encoder: deps.Encoder,
		owned:   owned,
		metrics: metrics,
		logger:  logger.Named("tiercache"),
	}

	c.loader, err = loader.New(loader.Options[V]{
		Memory:      memory,
		Disk:        disk,
		Memo:        c.memo,
		Fetcher:     fetcher,
		Decoder:     deps.Decoder,
		NetworkPool: c.network,
		CachePool:   c.workers,
		Equal:       deps.Equal,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		_ = c.shutdown(context.Background())
		return nil, err
	}

	if interval := cfg.Memory.MonitorInterval; interval > 0 {
		mc := capacity.DefaultMonitorConfig()
		mc.SampleInterval = interval
		c.monitor = capacity.NewMonitor(mc, policy, memory, logger)
		if err := c.monitor.Start(context.Background()); err != nil {
			_ = c.shutdown(context.Background())
			return nil, err
		}
	}

	c.logger.Info("cache ready",
		zap.String("memory_capacity", utils.FormatBytes(memory.Capacity())),
		zap.String("disk_root", disk.Root()),
		zap.Int("network_workers", cfg.NetworkWorkers()),
		zap.Int("cache_workers", cfg.CacheWorkers()))
	return c, nil
}

func capacityPolicy(cfg *config.Configuration, override types.CapacityPolicy) (types.CapacityPolicy, error) {
	if override != nil {
		return override, nil
	}
	size, err := cfg.MemoryMaxBytes()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid memory.max_size").WithComponent("tiercache")
	}
	if size > 0 {
		return capacity.FixedPolicy{Bytes: size}, nil
	}
	return capacity.FractionPolicy{Fraction: cfg.Memory.MemoryFraction}, nil
}

// Get loads locator under policy. PRE_FETCH is rejected here; use Preload.
// A CACHE_ONLY miss returns ErrNotFound.
func (c *Cache[V]) Get(ctx context.Context, locator string, policy types.AccessPolicy) (types.Result[V], error) {
	if err := c.check(locator, policy, "Get"); err != nil {
		return types.Result[V]{}, err
	}
	return c.loader.Load(ctx, types.KeyFor(locator), locator, policy)
}

// GetAsync starts a load and returns its handle. A memory hit completes the
// handle before GetAsync returns. PRE_FETCH is rejected here; use Preload.
func (c *Cache[V]) GetAsync(ctx context.Context, locator string, policy types.AccessPolicy) (*loader.Handle[V], error) {
	if err := c.check(locator, policy, "GetAsync"); err != nil {
		return nil, err
	}
	return c.loader.LoadAsync(ctx, types.KeyFor(locator), locator, policy), nil
}

// Preload warms both tiers for locator in the background and discards the
// value.
func (c *Cache[V]) Preload(locator string) error {
	if locator == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "resource locator is required").
			WithComponent("tiercache").WithOperation("Preload")
	}

	// registered under closeMu so shutdown cannot start waiting before Add
	c.closeMu.Lock()
	if err := c.checkOpen("Preload"); err != nil {
		c.closeMu.Unlock()
		return err
	}
	c.preloads.Add(1)
	c.closeMu.Unlock()

	h := c.loader.LoadAsync(context.Background(), types.KeyFor(locator), locator, types.PolicyPreFetch)
	go func() {
		defer c.preloads.Done()
		<-h.Done()
		if _, err := h.Result(); err != nil {
			c.logger.Debug("preload failed", zap.String("locator", locator), zap.Error(err))
		}
	}()
	return nil
}

// PreloadAll warms every locator, at most limit at a time (the network pool
// size when limit <= 0), and waits for all of them. It returns the first
// failure.
func (c *Cache[V]) PreloadAll(ctx context.Context, locators []string, limit int) error {
	if err := c.checkOpen("PreloadAll"); err != nil {
		return err
	}
	if limit <= 0 {
		limit = c.config.NetworkWorkers()
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, locator := range locators {
		g.Go(func() error {
			if locator == "" {
				return errors.NewError(errors.ErrCodeInvalidArgument, "resource locator is required").
					WithComponent("tiercache").WithOperation("PreloadAll")
			}
			_, err := c.loader.Load(ctx, types.KeyFor(locator), locator, types.PolicyPreFetch)
			return err
		})
	}
	return g.Wait()
}

// Put installs value for locator in memory and on disk without a network
// call. raw should be the value's original bytes; when nil, the configured
// Encoder re-encodes value, and without one only the memory tier is
// populated. A disk write failure is logged, not returned.
func (c *Cache[V]) Put(ctx context.Context, locator string, value V, raw []byte) error {
	if err := c.checkOpen("Put"); err != nil {
		return err
	}
	if locator == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "resource locator is required").
			WithComponent("tiercache").WithOperation("Put")
	}
	if isNil(value) {
		return errors.NewError(errors.ErrCodeInvalidArgument, "value cannot be nil").
			WithComponent("tiercache").WithOperation("Put").WithContext("locator", locator)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := types.KeyFor(locator)
	var stored bool
	switch {
	case raw != nil:
		stored = c.disk.Put(key, raw)
	case c.encoder != nil:
		stored = cache.PutEncoded(c.disk, key, value, c.encoder)
	default:
		stored = true
	}
	if !stored {
		c.logger.Warn("put: disk write failed", zap.String("locator", locator))
	}

	c.forgetCompleted(key)
	c.memory.Put(key, value)
	return nil
}

// Evict removes locator from the memory tier and drops its completed
// computation. The disk copy is kept.
func (c *Cache[V]) Evict(locator string) bool {
	key := types.KeyFor(locator)
	_, ok := c.memory.Remove(key)
	c.forgetCompleted(key)
	return ok
}

// forgetCompleted drops a finished computation for key; one still running
// is left for its waiters.
func (c *Cache[V]) forgetCompleted(key types.CacheKey) {
	c.memo.ForgetIf(key, types.Result[V]{}, func(a, b types.Result[V]) bool { return true })
}

// ClearMemory empties the memory tier
func (c *Cache[V]) ClearMemory() {
	c.memory.Clear()
}

// ClearDisk synchronously clears the disk tier and returns the number of
// files removed.
func (c *Cache[V]) ClearDisk(mode ClearMode) (int, error) {
	switch mode {
	case ClearAll:
		return c.disk.Clear(), nil
	case ClearEvictOld:
		return c.disk.Purge(c.config.Disk.MaxAge), nil
	default:
		return 0, invalidMode(mode)
	}
}

// ScheduleClearDisk is ClearDisk on the disk tier's background worker
func (c *Cache[V]) ScheduleClearDisk(mode ClearMode) error {
	switch mode {
	case ClearAll:
		c.disk.ScheduleClear()
	case ClearEvictOld:
		c.disk.SchedulePurge(c.config.Disk.MaxAge)
	default:
		return invalidMode(mode)
	}
	return nil
}

func invalidMode(mode ClearMode) error {
	return errors.Newf(errors.ErrCodeInvalidArgument, "unknown clear mode %d", int(mode)).WithComponent("tiercache")
}

// Network returns the fetcher New built from the configuration, nil when
// the caller supplied one.
func (c *Cache[V]) Network() *Network {
	return c.owned
}

// WaitDisk blocks until scheduled disk work has finished
func (c *Cache[V]) WaitDisk(ctx context.Context) error {
	return c.disk.Wait(ctx)
}

// ClearAll empties both tiers
func (c *Cache[V]) ClearAll() {
	c.ClearMemory()
	c.disk.Clear()
}

// Stats returns statistics for every tier and pool and refreshes the size
// gauges of the metrics collector.
func (c *Cache[V]) Stats() Stats {
	s := Stats{
		Memory:   c.memory.Stats(),
		Disk:     c.disk.Stats(),
		Loader:   c.loader.Stats(),
		InFlight: c.memo.Stats().Pending,
		Network:  c.network.Stats(),
		Workers:  c.workers.Stats(),
	}
	c.metrics.UpdateCacheSize("memory", s.Memory.Size)
	c.metrics.UpdateCacheSize("disk", s.Disk.Size)
	return s
}

// Close stops background work and shuts both pools down. Loads still
// queued fail with COMPONENT_STOPPED.
func (c *Cache[V]) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.shutdown(ctx)
}

func (c *Cache[V]) shutdown(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	start := time.Now()
	if c.monitor != nil {
		c.monitor.Stop()
	}

	var errs []error
	if err := c.workers.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.network.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.preloads.Wait()
	if err := c.disk.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.owned != nil {
		if err := c.owned.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("cache closed", zap.Duration("elapsed", time.Since(start)))
	return stderrors.Join(errs...)
}

func (c *Cache[V]) checkOpen(op string) error {
	if c.closed.Load() {
		return errors.NewError(errors.ErrCodeComponentStopped, "cache is closed").
			WithComponent("tiercache").WithOperation(op)
	}
	return nil
}

func (c *Cache[V]) check(locator string, policy types.AccessPolicy, op string) error {
	if err := c.checkOpen(op); err != nil {
		return err
	}
	if policy == types.PolicyPreFetch {
		return errors.NewError(errors.ErrCodeInvalidPolicy, "PRE_FETCH discards its value; use Preload").
			WithComponent("tiercache").WithOperation(op)
	}
	if locator == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "resource locator is required").
			WithComponent("tiercache").WithOperation(op)
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return rv.IsNil()
	}
	return false
}
