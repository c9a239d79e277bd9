// Package memo coalesces concurrent computations per key. The first caller
// for a key starts the computation; everyone else arriving before it finishes
// waits for and shares its result. Successful results stay registered so
// later callers get them without recomputing; failures are dropped so the
// next caller starts fresh.
package memo

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
	"github.com/tiercache/tiercache/pkg/utils"
)

// Func computes the value for a key
type Func[V any] func(ctx context.Context) (V, error)

type call[V any] struct {
	done chan struct{}
	val  V
	err  error

	// guarded by Memoizer.mu
	cancel  context.CancelFunc
	waiters int
}

func (c *call[V]) completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stats describes registry activity
type Stats struct {
	Entries    int    `json:"entries"`
	Pending    int    `json:"pending"`
	Executions uint64 `json:"executions"`
	Coalesced  uint64 `json:"coalesced"`
	Failures   uint64 `json:"failures"`
}

// Memoizer is a registry of in-flight and completed computations keyed by
// cache key. The zero value is not usable; call New.
type Memoizer[V any] struct {
	mu    sync.Mutex
	calls map[types.CacheKey]*call[V]

	executions atomic.Uint64
	coalesced  atomic.Uint64
	failures   atomic.Uint64
}

// New creates an empty registry
func New[V any]() *Memoizer[V] {
	return &Memoizer[V]{calls: make(map[types.CacheKey]*call[V])}
}

// Execute returns the result of fn for key, running it only if no
// computation for key is registered.
func (m *Memoizer[V]) Execute(ctx context.Context, key types.CacheKey, fn Func[V]) (V, error) {
	v, _, err := m.ExecuteShared(ctx, key, fn)
	return v, err
}

// ExecuteShared is Execute that also reports whether the result came from
// a computation started by another caller.
//
// The computation runs on its own goroutine under a context that keeps the
// first caller's values but not its cancellation. A caller whose ctx ends
// stops waiting and gets ctx.Err(); the computation is canceled and
// unregistered only once every caller waiting on it has gone.
func (m *Memoizer[V]) ExecuteShared(ctx context.Context, key types.CacheKey, fn Func[V]) (V, bool, error) {
	m.mu.Lock()
	c, shared := m.calls[key]
	if shared {
		c.waiters++
		m.mu.Unlock()
		m.coalesced.Add(1)
	} else {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call[V]{done: make(chan struct{}), cancel: cancel, waiters: 1}
		m.calls[key] = c
		m.mu.Unlock()

		m.executions.Add(1)
		go m.run(runCtx, key, c, fn)
	}

	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		m.leave(key, c)
		var zero V
		return zero, shared, ctx.Err()
	}
}

// leave drops one waiter from c, canceling and unregistering it when no
// one is left to receive its result.
func (m *Memoizer[V]) leave(key types.CacheKey, c *call[V]) {
	m.mu.Lock()
	c.waiters--
	abandoned := c.waiters == 0 && !c.completed()
	if abandoned && m.calls[key] == c {
		delete(m.calls, key)
	}
	m.mu.Unlock()

	if abandoned {
		c.cancel()
	}
}

func (m *Memoizer[V]) run(ctx context.Context, key types.CacheKey, c *call[V], fn Func[V]) {
	defer func() {
		if r := recover(); r != nil {
			var zero V
			c.val = zero
			c.err = errors.NewError(errors.ErrCodePanicRecovered, fmt.Sprintf("computation panicked: %v", r)).
				WithComponent("memo").
				WithContext("key", key.String())
		}
		if c.err != nil {
			m.failures.Add(1)
			m.mu.Lock()
			if m.calls[key] == c {
				delete(m.calls, key)
			}
			m.mu.Unlock()
		}
		close(c.done)
		c.cancel()
	}()

	c.val, c.err = fn(ctx)
}

// Peek returns the value of a completed, successful computation for key
// without blocking.
func (m *Memoizer[V]) Peek(key types.CacheKey) (V, bool) {
	m.mu.Lock()
	c, ok := m.calls[key]
	m.mu.Unlock()

	if !ok || !c.completed() || c.err != nil {
		var zero V
		return zero, false
	}
	return c.val, true
}

// Pending reports whether a computation for key is registered and running
func (m *Memoizer[V]) Pending(key types.CacheKey) bool {
	m.mu.Lock()
	c, ok := m.calls[key]
	m.mu.Unlock()
	return ok && !c.completed()
}

// Forget drops any registered computation for key. Callers already waiting
// on it still receive its result.
func (m *Memoizer[V]) Forget(key types.CacheKey) {
	m.mu.Lock()
	delete(m.calls, key)
	m.mu.Unlock()
}

// ForgetIf drops the completed computation for key only if its value equals
// value according to eq, so a newer computation is never clobbered. A nil
// eq compares with ==.
func (m *Memoizer[V]) ForgetIf(key types.CacheKey, value V, eq func(a, b V) bool) bool {
	if eq == nil {
		eq = utils.SameValue[V]
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[key]
	if !ok || !c.completed() || c.err != nil || !eq(c.val, value) {
		return false
	}
	delete(m.calls, key)
	return true
}

// Len returns the number of registered computations, pending or completed
func (m *Memoizer[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Stats returns registry statistics
func (m *Memoizer[V]) Stats() Stats {
	m.mu.Lock()
	entries := len(m.calls)
	pending := 0
	for _, c := range m.calls {
		if !c.completed() {
			pending++
		}
	}
	m.mu.Unlock()

	return Stats{
		Entries:    entries,
		Pending:    pending,
		Executions: m.executions.Load(),
		Coalesced:  m.coalesced.Load(),
		Failures:   m.failures.Load(),
	}
}
