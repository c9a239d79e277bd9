package workqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/pkg/errors"
)

// blockedPool returns a single-worker pool whose worker is parked until
// release is called, so queue order can be arranged deterministically.
func blockedPool(t *testing.T) (*Pool, func()) {
	t.Helper()
	p := New(Config{Name: "test", Workers: 1}, nil)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	gate := make(chan struct{})
	started := make(chan struct{})
	p.Submit("gate", func(ctx context.Context) error {
		close(started)
		<-gate
		return nil
	})
	<-started
	return p, func() { close(gate) }
}

type orderRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *orderRecorder) task(key string) Func {
	return func(ctx context.Context) error {
		r.mu.Lock()
		r.order = append(r.order, key)
		r.mu.Unlock()
		return nil
	}
}

func TestPool_RunsTasksFIFO(t *testing.T) {
	p, release := blockedPool(t)
	rec := &orderRecorder{}

	var tasks []*Task
	for _, k := range []string{"a", "b", "c"} {
		tasks = append(tasks, p.Submit(k, rec.task(k)))
	}
	assert.Equal(t, 3, p.Len())
	release()

	for _, task := range tasks {
		require.NoError(t, task.Wait(context.Background()))
	}
	assert.Equal(t, []string{"a", "b", "c"}, rec.order)
}

func TestPool_PromoteMovesToFront(t *testing.T) {
	p, release := blockedPool(t)
	rec := &orderRecorder{}

	a := p.Submit("a", rec.task("a"))
	b := p.Submit("b", rec.task("b"))
	c := p.Submit("c", rec.task("c"))

	assert.True(t, p.Promote("c"))
	assert.False(t, p.Promote("missing"))
	release()

	for _, task := range []*Task{a, b, c} {
		require.NoError(t, task.Wait(context.Background()))
	}
	assert.Equal(t, []string{"c", "a", "b"}, rec.order)
	assert.Equal(t, uint64(1), p.Stats().Promoted)
}

func TestPool_SubmitFront(t *testing.T) {
	p, release := blockedPool(t)
	rec := &orderRecorder{}

	a := p.Submit("a", rec.task("a"))
	b := p.SubmitFront("b", rec.task("b"))
	release()

	require.NoError(t, a.Wait(context.Background()))
	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, []string{"b", "a"}, rec.order)
}

func TestPool_Cancel(t *testing.T) {
	p, release := blockedPool(t)
	rec := &orderRecorder{}

	a := p.Submit("a", rec.task("a"))
	b := p.Submit("b", rec.task("b"))

	assert.True(t, p.Cancel(a))
	assert.False(t, p.Cancel(a), "second cancel is a no-op")

	err := a.Wait(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled), "got %v", err)

	release()
	require.NoError(t, b.Wait(context.Background()))
	assert.False(t, p.Cancel(b), "finished task cannot be canceled")
	assert.Equal(t, []string{"b"}, rec.order)
}

func TestPool_TaskErrorAndPanic(t *testing.T) {
	p := New(Config{Name: "test", Workers: 2}, nil)
	defer func() { _ = p.Shutdown(context.Background()) }()

	failing := p.Submit("fail", func(ctx context.Context) error {
		return errors.NewError(errors.ErrCodeFetchFailed, "boom")
	})
	panicking := p.Submit("panic", func(ctx context.Context) error {
		panic("kaboom")
	})

	err := failing.Wait(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodeFetchFailed))

	err = panicking.Wait(context.Background())
	assert.True(t, errors.HasCode(err, errors.ErrCodePanicRecovered), "got %v", err)

	// The pool survives a panicking task.
	ok := p.Submit("after", func(ctx context.Context) error { return nil })
	assert.NoError(t, ok.Wait(context.Background()))
	assert.Equal(t, uint64(2), p.Stats().Failed)
}

func TestPool_ShutdownFailsQueuedAndCancelsRunning(t *testing.T) {
	p := New(Config{Name: "test", Workers: 1}, nil)

	started := make(chan struct{})
	running := p.Submit("running", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	queued := p.Submit("queued", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	assert.ErrorIs(t, running.Err(), context.Canceled)
	assert.True(t, errors.HasCode(queued.Err(), errors.ErrCodeComponentStopped))

	late := p.Submit("late", func(ctx context.Context) error { return nil })
	select {
	case <-late.Done():
		assert.True(t, errors.HasCode(late.Err(), errors.ErrCodeComponentStopped))
	default:
		t.Fatal("task submitted after shutdown should complete immediately")
	}

	assert.NoError(t, p.Shutdown(ctx), "shutdown is idempotent")
}

func TestTask_WaitRespectsContext(t *testing.T) {
	p, release := blockedPool(t)
	defer release()

	task := p.Submit("slow", func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, task.Wait(ctx), context.DeadlineExceeded)
	assert.Nil(t, task.Err(), "Err is nil while the task is pending")
}

func TestNew_DefaultsWorkers(t *testing.T) {
	p := New(Config{}, nil)
	defer func() { _ = p.Shutdown(context.Background()) }()

	assert.Greater(t, p.Stats().Workers, 0)
}
