// Package workqueue provides fixed-size worker pools over a deque. Queued
// tasks can be moved to the head of the queue, so the most recently
// requested work runs next.
package workqueue

import (
	"container/list"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/utils"
)

// Func is a unit of work. ctx is canceled when the pool shuts down.
type Func func(ctx context.Context) error

type taskState int32

const (
	stateQueued taskState = iota
	stateRunning
	stateDone
)

// Task is a handle to submitted work
type Task struct {
	key   string
	fn    Func
	elem  *list.Element
	state atomic.Int32
	done  chan struct{}
	err   error
}

// Key returns the key the task was submitted with
func (t *Task) Key() string {
	return t.key
}

// Done is closed once the task finished, failed, or was canceled
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task error. Only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or ctx is done. Giving up on the
// wait does not cancel the task.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error) {
	t.err = err
	t.state.Store(int32(stateDone))
	close(t.done)
}

// Config configures a Pool
type Config struct {
	Name    string `yaml:"name"`
	Workers int    `yaml:"workers"`
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Promoted  uint64 `json:"promoted"`
	Canceled  uint64 `json:"canceled"`
}

// Pool runs tasks on a fixed set of workers, taking from the head of a deque
type Pool struct {
	name    string
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	running int
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed atomic.Uint64
	failed    atomic.Uint64
	promoted  atomic.Uint64
	canceled  atomic.Uint64
}

// New creates and starts a pool. Workers <= 0 defaults to runtime.NumCPU().
func New(config Config, logger *zap.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.Name == "" {
		config.Name = "pool"
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    config.Name,
		workers: config.Workers,
		logger:  utils.OrNop(logger).Named(config.Name),
		queue:   list.New(),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit appends a task to the tail of the queue
func (p *Pool) Submit(key string, fn Func) *Task {
	return p.enqueue(key, fn, false)
}

// SubmitFront pushes a task to the head of the queue
func (p *Pool) SubmitFront(key string, fn Func) *Task {
	return p.enqueue(key, fn, true)
}

func (p *Pool) enqueue(key string, fn Func, front bool) *Task {
	t := &Task{key: key, fn: fn, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		t.finish(stoppedError(p.name))
		return t
	}
	if front {
		t.elem = p.queue.PushFront(t)
	} else {
		t.elem = p.queue.PushBack(t)
	}
	p.mu.Unlock()

	p.cond.Signal()
	return t
}

// Promote moves the most recently queued, not yet started task with key to
// the head of the queue. It reports whether such a task was found.
func (p *Pool) Promote(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for e := p.queue.Back(); e != nil; e = e.Prev() {
		if e.Value.(*Task).key == key {
			p.queue.MoveToFront(e)
			p.promoted.Add(1)
			return true
		}
	}
	return false
}

// Cancel removes a task that has not started yet. Its Done channel closes
// with an OPERATION_CANCELED error. Running or finished tasks are not
// affected and Cancel returns false.
func (p *Pool) Cancel(t *Task) bool {
	p.mu.Lock()
	if t.elem == nil || taskState(t.state.Load()) != stateQueued {
		p.mu.Unlock()
		return false
	}
	p.queue.Remove(t.elem)
	t.elem = nil
	p.mu.Unlock()

	p.canceled.Add(1)
	t.finish(errors.NewError(errors.ErrCodeOperationCanceled, "task canceled before start").
		WithComponent(p.name).WithContext("key", t.key))
	return true
}

// Len returns the number of queued, not yet started tasks
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Stats returns pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued, running := p.queue.Len(), p.running
	p.mu.Unlock()

	return Stats{
		Workers:   p.workers,
		Queued:    queued,
		Running:   running,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Promoted:  p.promoted.Load(),
		Canceled:  p.canceled.Load(),
	}
}

// Shutdown stops accepting work, fails every queued task with
// COMPONENT_STOPPED, cancels the context of running tasks and waits for the
// workers to exit or ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var pending []*Task
	for e := p.queue.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Task)
		t.elem = nil
		pending = append(pending, t)
	}
	p.queue.Init()
	p.mu.Unlock()

	p.cancel()
	p.cond.Broadcast()

	for _, t := range pending {
		t.finish(stoppedError(p.name))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("pool stopped", zap.Int("dropped", len(pending)))
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationTimeout, "pool shutdown timed out").
			WithComponent(p.name)
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.queue.Len() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		t := p.queue.Remove(p.queue.Front()).(*Task)
		t.elem = nil
		t.state.Store(int32(stateRunning))
		p.running++
		p.mu.Unlock()

		err := p.run(t)

		p.mu.Lock()
		p.running--
		p.mu.Unlock()

		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		t.finish(err)
	}
}

func (p *Pool) run(t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.String("key", t.key), zap.Any("panic", r))
			err = errors.NewError(errors.ErrCodePanicRecovered, fmt.Sprintf("task panicked: %v", r)).
				WithComponent(p.name).WithContext("key", t.key)
		}
	}()
	return t.fn(p.ctx)
}

func stoppedError(name string) error {
	return errors.NewError(errors.ErrCodeComponentStopped, "pool is shut down").WithComponent(name)
}
