package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/tiercache/tiercache/internal/workqueue"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

const (
	// MinExpiry is the floor applied to every purge age
	MinExpiry = 6 * time.Hour

	// DefaultMaxAge is used by the background sweep when no age is configured
	DefaultMaxAge = 24 * time.Hour

	tempPrefix = ".tmp-"
)

// DiskCacheConfig represents disk cache configuration
type DiskCacheConfig struct {
	// Directories is an ordered preference list; the first usable one wins
	Directories []string `yaml:"directories"`

	// MaxAge is the age used by the background sweep
	MaxAge time.Duration `yaml:"max_age"`

	// MinExpiry raises the purge floor above MinExpiry; lower values are clamped
	MinExpiry time.Duration `yaml:"min_expiry"`

	// PurgeInterval enables a background sweep when positive
	PurgeInterval time.Duration `yaml:"purge_interval"`

	// Filesystem bypasses directory selection when set
	Filesystem billy.Filesystem `yaml:"-"`
}

// DiskStats represents disk cache statistics
type DiskStats struct {
	Root        string `json:"root"`
	Entries     int    `json:"entries"`
	Size        int64  `json:"size"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Writes      uint64 `json:"writes"`
	WriteErrors uint64 `json:"write_errors"`
	Corrupted   uint64 `json:"corrupted"`
	Removed     uint64 `json:"removed"`
}

// DiskCache stores raw bytes as one file per key directly under a root
// directory. A file's modification time is its freshness. I/O failures are
// logged and reported as absent or false, never returned.
type DiskCache struct {
	fs        billy.Filesystem
	root      string
	maxAge    time.Duration
	minExpiry time.Duration
	logger    *zap.Logger

	// writeMu serialises replace-by-rename and deletions
	writeMu sync.Mutex

	worker *workqueue.Pool

	stopCh    chan struct{}
	closeOnce sync.Once
	sweepDone chan struct{}

	hits        atomic.Uint64
	misses      atomic.Uint64
	writes      atomic.Uint64
	writeErrors atomic.Uint64
	corrupted   atomic.Uint64
	removed     atomic.Uint64
}

// NewDiskCache creates a disk cache rooted at the first usable configured
// directory, or on config.Filesystem when provided.
func NewDiskCache(config *DiskCacheConfig, logger *zap.Logger) (*DiskCache, error) {
	if config == nil {
		return nil, errors.NewError(errors.ErrCodeMissingConfig, "disk cache configuration is required").
			WithComponent("disk")
	}
	logger = utils.OrNop(logger).Named("disk")

	fs := config.Filesystem
	if fs == nil {
		root, err := utils.SelectRoot(config.Directories)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "no usable cache directory").
				WithComponent("disk").
				WithDetail("directories", config.Directories)
		}
		fs = osfs.New(root)
	}

	minExpiry := config.MinExpiry
	if minExpiry < MinExpiry {
		minExpiry = MinExpiry
	}
	maxAge := config.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	d := &DiskCache{
		fs:        fs,
		root:      fs.Root(),
		maxAge:    maxAge,
		minExpiry: minExpiry,
		logger:    logger,
		worker:    workqueue.New(workqueue.Config{Name: "disk-io", Workers: 1}, logger),
		stopCh:    make(chan struct{}),
	}

	if config.PurgeInterval > 0 {
		d.sweepDone = make(chan struct{})
		go d.sweep(config.PurgeInterval)
	}

	logger.Info("disk cache ready", zap.String("root", d.root), zap.Duration("max_age", maxAge))
	return d, nil
}

// Root returns the cache root directory
func (d *DiskCache) Root() string {
	return d.root
}

// Path returns the location of the file for key
func (d *DiskCache) Path(key types.CacheKey) string {
	return filepath.Join(d.root, key.String())
}

// Get returns the bytes stored under key
func (d *DiskCache) Get(key types.CacheKey) ([]byte, bool) {
	name, ok := d.fileName(key)
	if !ok {
		return nil, false
	}

	f, err := d.fs.Open(name)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("failed to open cache file", zap.String("key", name), zap.Error(err))
		}
		d.misses.Add(1)
		return nil, false
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		d.logger.Warn("failed to read cache file", zap.String("key", name), zap.Error(err))
		d.misses.Add(1)
		return nil, false
	}
	d.hits.Add(1)
	return data, true
}

// GetDecoded reads the file for key and decodes it. A file that fails to
// decode is deleted and reported as absent.
func GetDecoded[V any](ctx context.Context, d *DiskCache, key types.CacheKey, decoder types.Decoder[V]) (V, bool) {
	var zero V
	name, ok := d.fileName(key)
	if !ok {
		return zero, false
	}

	info, err := d.fs.Stat(name)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("failed to stat cache file", zap.String("key", name), zap.Error(err))
		}
		d.misses.Add(1)
		return zero, false
	}

	f, err := d.fs.Open(name)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("failed to open cache file", zap.String("key", name), zap.Error(err))
		}
		d.misses.Add(1)
		return zero, false
	}

	value, err := decoder.DecodeReader(ctx, f)
	_ = f.Close()
	if err != nil {
		if ctx.Err() != nil {
			return zero, false
		}
		d.corrupted.Add(1)
		d.misses.Add(1)
		d.logger.Warn("removing undecodable cache file", zap.String("key", name), zap.Error(err))
		d.removeIfUnchanged(name, info)
		return zero, false
	}

	d.hits.Add(1)
	return value, true
}

// Contains reports whether a file exists for key
func (d *DiskCache) Contains(key types.CacheKey) bool {
	_, ok := d.ModTime(key)
	return ok
}

// ModTime returns the freshness timestamp of the file for key
func (d *DiskCache) ModTime(key types.CacheKey) (time.Time, bool) {
	name, ok := d.fileName(key)
	if !ok {
		return time.Time{}, false
	}
	info, err := d.fs.Stat(name)
	if err != nil || !info.Mode().IsRegular() {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Put stores data under key. The bytes are written to a temporary file in
// the root first and renamed into place, so readers never observe a
// partial file under the key name.
func (d *DiskCache) Put(key types.CacheKey, data []byte) bool {
	name, ok := d.fileName(key)
	if !ok {
		return false
	}

	tmp, err := d.fs.TempFile("", tempPrefix)
	if err != nil {
		d.writeFailed(name, "failed to create temp file", err)
		return false
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = d.fs.Remove(tmpName) // Ignore error on cleanup
		d.writeFailed(name, "failed to write temp file", err)
		return false
	}
	if err := tmp.Close(); err != nil {
		_ = d.fs.Remove(tmpName) // Ignore error on cleanup
		d.writeFailed(name, "failed to close temp file", err)
		return false
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := d.fs.Remove(name); err != nil && !os.IsNotExist(err) {
		_ = d.fs.Remove(tmpName) // Ignore error on cleanup
		d.writeFailed(name, "failed to remove previous file", err)
		return false
	}
	if err := d.fs.Rename(tmpName, name); err != nil {
		_ = d.fs.Remove(tmpName) // Ignore error on cleanup
		d.writeFailed(name, "failed to rename temp file", err)
		return false
	}

	d.writes.Add(1)
	return true
}

// PutEncoded encodes value and stores the result under key. Re-encoding a
// decoded value is usually lossy and larger than the original download, so
// Put with the fetched bytes is preferred whenever they are available.
func PutEncoded[V any](d *DiskCache, key types.CacheKey, value V, encoder types.Encoder[V]) bool {
	data, err := encoder.Encode(value)
	if err != nil {
		d.writeFailed(key.String(), "failed to encode value", err)
		return false
	}
	return d.Put(key, data)
}

func (d *DiskCache) writeFailed(name, msg string, err error) {
	d.writeErrors.Add(1)
	d.logger.Warn(msg, zap.String("key", name), zap.Error(err))
}

// Remove deletes the file for key. It reports whether a file was removed.
func (d *DiskCache) Remove(key types.CacheKey) bool {
	name, ok := d.fileName(key)
	if !ok {
		return false
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := d.fs.Remove(name); err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("failed to remove cache file", zap.String("key", name), zap.Error(err))
		}
		return false
	}
	d.removed.Add(1)
	return true
}

// removeIfUnchanged deletes name only while it is still the file described
// by seen. A Put that replaced it in the meantime is kept.
func (d *DiskCache) removeIfUnchanged(name string, seen os.FileInfo) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	info, err := d.fs.Stat(name)
	if err != nil || !info.ModTime().Equal(seen.ModTime()) || info.Size() != seen.Size() {
		return
	}
	if err := d.fs.Remove(name); err != nil {
		if !os.IsNotExist(err) {
			d.logger.Warn("failed to remove cache file", zap.String("key", name), zap.Error(err))
		}
		return
	}
	d.removed.Add(1)
}

// Clear deletes every regular file directly under the root and returns
// how many were removed. Subdirectories are left alone.
func (d *DiskCache) Clear() int {
	return d.removeMatching(func(os.FileInfo) bool { return true })
}

// Purge deletes files older than maxAge, or older than the expiry floor
// when maxAge is below it. It returns how many files were removed.
func (d *DiskCache) Purge(maxAge time.Duration) int {
	if maxAge < d.minExpiry {
		maxAge = d.minExpiry
	}
	cutoff := time.Now().Add(-maxAge)
	n := d.removeMatching(func(info os.FileInfo) bool {
		return info.ModTime().Before(cutoff)
	})
	d.logger.Debug("purged cache files", zap.Int("removed", n), zap.Duration("max_age", maxAge))
	return n
}

// ClearOlderThan is an alias for Purge
func (d *DiskCache) ClearOlderThan(maxAge time.Duration) int {
	return d.Purge(maxAge)
}

func (d *DiskCache) removeMatching(match func(os.FileInfo) bool) int {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	infos, err := d.fs.ReadDir(".")
	if err != nil {
		d.logger.Warn("failed to list cache directory", zap.String("root", d.root), zap.Error(err))
		return 0
	}

	removed := 0
	for _, info := range infos {
		if !info.Mode().IsRegular() || !match(info) {
			continue
		}
		if err := d.fs.Remove(info.Name()); err != nil {
			if !os.IsNotExist(err) {
				d.logger.Warn("failed to remove cache file", zap.String("key", info.Name()), zap.Error(err))
			}
			continue
		}
		removed++
	}
	d.removed.Add(uint64(removed))
	return removed
}

// ScheduleClear runs Clear on the background disk worker
func (d *DiskCache) ScheduleClear() {
	d.worker.Submit("clear", func(ctx context.Context) error {
		d.Clear()
		return nil
	})
}

// SchedulePurge runs Purge(maxAge) on the background disk worker
func (d *DiskCache) SchedulePurge(maxAge time.Duration) {
	d.worker.Submit("purge", func(ctx context.Context) error {
		d.Purge(maxAge)
		return nil
	})
}

// Wait blocks until every scheduled operation submitted before the call
// has finished, or ctx is done.
func (d *DiskCache) Wait(ctx context.Context) error {
	barrier := d.worker.Submit("barrier", func(ctx context.Context) error { return nil })
	return barrier.Wait(ctx)
}

// Len returns the number of cached files
func (d *DiskCache) Len() int {
	n, _ := d.scan()
	return n
}

// Size returns the total size of cached files in bytes
func (d *DiskCache) Size() int64 {
	_, size := d.scan()
	return size
}

func (d *DiskCache) scan() (int, int64) {
	infos, err := d.fs.ReadDir(".")
	if err != nil {
		return 0, 0
	}
	var n int
	var size int64
	for _, info := range infos {
		if !info.Mode().IsRegular() || strings.HasPrefix(info.Name(), tempPrefix) {
			continue
		}
		n++
		size += info.Size()
	}
	return n, size
}

// Stats returns disk cache statistics
func (d *DiskCache) Stats() DiskStats {
	n, size := d.scan()
	return DiskStats{
		Root:        d.root,
		Entries:     n,
		Size:        size,
		Hits:        d.hits.Load(),
		Misses:      d.misses.Load(),
		Writes:      d.writes.Load(),
		WriteErrors: d.writeErrors.Load(),
		Corrupted:   d.corrupted.Load(),
		Removed:     d.removed.Load(),
	}
}

// Close stops the background worker and the expiry sweep
func (d *DiskCache) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		close(d.stopCh)
		if d.sweepDone != nil {
			<-d.sweepDone
		}
		err = d.worker.Shutdown(ctx)
	})
	return err
}

// sweep periodically purges files older than the configured max age
func (d *DiskCache) sweep(interval time.Duration) {
	defer close(d.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.Purge(d.maxAge)
		}
	}
}

func (d *DiskCache) fileName(key types.CacheKey) (string, bool) {
	name := key.String()
	if err := utils.ValidateFileName(name); err != nil || strings.HasPrefix(name, tempPrefix) {
		d.logger.Warn("rejecting invalid cache key", zap.String("key", name))
		return "", false
	}
	return name, true
}
