// Package thread implements the named worker threads that threaded modules
// run their hooks and dispatched calls on: one FIFO, cooperative dispatch
// loop per worker, shared by refcount across every module assigned to it,
// and stopped only once its last module releases it.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type workerContextKey struct{}

// job is one FIFO-ordered unit of work a worker's loop executes in turn.
type job struct {
	fn   func(ctx context.Context) (any, error)
	done chan jobResult
}

type jobResult struct {
	value any
	err   error
}

// Worker is a single named goroutine draining a FIFO queue of dispatched
// calls. Module hooks and externally dispatched calls for every module
// pinned to this worker run one at a time, in submission order.
type Worker struct {
	name   string
	logger *slog.Logger

	jobs   chan job
	stop   chan struct{}
	exited chan struct{}

	mu       sync.Mutex
	refs     int
	stopOnce sync.Once
}

func newWorker(name string, logger *slog.Logger) *Worker {
	w := &Worker{
		name:   name,
		logger: logger,
		jobs:   make(chan job, 64),
		stop:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.exited)
	ctx := context.WithValue(context.Background(), workerContextKey{}, w.name)
	for {
		select {
		case j := <-w.jobs:
			v, err := j.fn(ctx)
			j.done <- jobResult{value: v, err: err}
		case <-w.stop:
			// Drain whatever was already queued before this worker's loop
			// exits, so a dispatch racing the stop signal still completes.
			for {
				select {
				case j := <-w.jobs:
					v, err := j.fn(ctx)
					j.done <- jobResult{value: v, err: err}
				default:
					return
				}
			}
		}
	}
}

// Name returns the worker's name, as passed to Manager.Acquire.
func (w *Worker) Name() string { return w.name }

// onWorker reports whether ctx carries this worker's identity, i.e. the
// caller is already executing on this worker's own loop goroutine.
func (w *Worker) onWorker(ctx context.Context) bool {
	v, _ := ctx.Value(workerContextKey{}).(string)
	return v == w.name
}

// Dispatch runs fn on this worker, in FIFO order with every other call
// dispatched to the same worker. If ctx shows the caller is already running
// on this worker (a hook calling another hook on the same module, or a
// cross-module call that stays on the same worker), fn runs synchronously
// in place instead of being enqueued, which would otherwise deadlock
// waiting for itself.
func (w *Worker) Dispatch(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if w.onWorker(ctx) {
		return fn(ctx)
	}

	j := job{fn: fn, done: make(chan jobResult, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ErrManagerClosed is returned by Acquire once the manager has been shut
// down.
var ErrManagerClosed = errors.New("thread manager is shut down")

// Manager owns every named worker a module's "threaded" flag can bind to. A
// worker is created on first Acquire and stopped once its refcount drops to
// zero in Release.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*Worker
	closed  bool
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{workers: map[string]*Worker{}}
}

// Acquire returns the named worker, creating it if this is the first
// reference, and increments its refcount. Every Acquire must be matched by
// exactly one Release.
func (m *Manager) Acquire(name string, logger *slog.Logger) (*Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	w, ok := m.workers[name]
	if !ok {
		w = newWorker(name, logger)
		m.workers[name] = w
	}
	w.mu.Lock()
	w.refs++
	w.mu.Unlock()
	return w, nil
}

// Release drops one reference to the named worker. Once its refcount
// reaches zero the worker's loop is stopped and it is dropped from the
// manager; a later Acquire of the same name starts a fresh worker.
func (m *Manager) Release(ctx context.Context, name string, drainTimeout time.Duration) error {
	m.mu.Lock()
	w, ok := m.workers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("thread manager: release of unknown worker %q", name)
	}

	w.mu.Lock()
	w.refs--
	remaining := w.refs
	w.mu.Unlock()

	if remaining > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.workers, name)
	m.mu.Unlock()

	return w.stopBounded(ctx, drainTimeout)
}

// stopBounded signals the worker's loop to drain and exit, waiting up to
// drainTimeout for it to do so.
func (w *Worker) stopBounded(ctx context.Context, drainTimeout time.Duration) error {
	var stopErr error
	w.stopOnce.Do(func() {
		close(w.stop)
		timer := time.NewTimer(drainTimeout)
		defer timer.Stop()
		select {
		case <-w.exited:
		case <-timer.C:
			stopErr = fmt.Errorf("thread manager: worker %q did not drain within %s", w.name, drainTimeout)
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
	})
	return stopErr
}

// Shutdown stops every remaining worker, bounded by drainTimeout per
// worker. Used when the application itself is exiting and modules may not
// have released their workers individually.
func (m *Manager) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	m.mu.Lock()
	m.closed = true
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = map[string]*Worker{}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			return w.stopBounded(gctx, drainTimeout)
		})
	}
	return g.Wait()
}
