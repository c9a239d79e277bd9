package loader

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tiercache/tiercache/internal/workqueue"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// ErrPending is returned by Handle.Result while the load is still running
var ErrPending = stderrors.New("load still pending")

// Handle is one caller's view of an asynchronous load. Canceling a handle
// only affects that caller; a fetch shared with other callers keeps going.
type Handle[V any] struct {
	id     string
	key    types.CacheKey
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result types.Result[V]
	err    error

	mu   sync.Mutex
	pool *workqueue.Pool
	task *workqueue.Task
}

func newHandle[V any](ctx context.Context, key types.CacheKey) *Handle[V] {
	hctx, cancel := context.WithCancel(ctx)
	return &Handle[V]{
		id:     uuid.NewString(),
		key:    key,
		ctx:    hctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns a unique identifier for this handle, used in logs
func (h *Handle[V]) ID() string {
	return h.id
}

// Key returns the cache key being loaded
func (h *Handle[V]) Key() types.CacheKey {
	return h.key
}

// Done is closed when the load completes, fails or is canceled
func (h *Handle[V]) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the load completes or ctx is done. Giving up on the
// wait does not cancel the handle.
func (h *Handle[V]) Wait(ctx context.Context) (types.Result[V], error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return types.Result[V]{}, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrPending
func (h *Handle[V]) Result() (types.Result[V], error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return types.Result[V]{}, ErrPending
	}
}

// Cancel abandons this caller's interest in the load
func (h *Handle[V]) Cancel() {
	h.cancel()

	h.mu.Lock()
	pool, task := h.pool, h.task
	h.mu.Unlock()
	if pool != nil && task != nil {
		pool.Cancel(task)
	}

	h.complete(types.Result[V]{}, errors.Wrap(context.Canceled, errors.ErrCodeOperationCanceled, "load canceled").
		WithComponent("loader").WithContext("key", h.key.String()))
}

func (h *Handle[V]) attach(pool *workqueue.Pool, task *workqueue.Task) {
	h.mu.Lock()
	h.pool, h.task = pool, task
	h.mu.Unlock()
}

func (h *Handle[V]) complete(res types.Result[V], err error) {
	h.once.Do(func() {
		h.result, h.err = res, err
		close(h.done)
		h.cancel()
	})
}

// LoadAsync starts Load on the cache pool and returns immediately. A memory
// hit completes the handle before LoadAsync returns.
func (l *Loader[V]) LoadAsync(ctx context.Context, key types.CacheKey, locator string, policy types.AccessPolicy) *Handle[V] {
	h := newHandle[V](ctx, key)

	if err := validate(key, locator, policy); err != nil {
		h.complete(types.Result[V]{}, err)
		return h
	}

	if policy != types.PolicyRefresh {
		if res, ok := l.fromMemory(key); ok {
			h.complete(res, nil)
			return h
		}
	}

	task := l.workers.Submit(key.String(), func(context.Context) error {
		res, err := l.Load(h.ctx, key, locator, policy)
		h.complete(res, err)
		return err
	})
	h.attach(l.workers, task)

	// Covers tasks dropped before they ran: canceled, or failed by shutdown.
	go func() {
		<-task.Done()
		if err := task.Err(); err != nil {
			h.complete(types.Result[V]{}, err)
		}
	}()
	return h
}
