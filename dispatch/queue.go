package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"go.uber.org/atomic"
)

// Queue serializes tasks onto the single coordinating context. Post never
// blocks and may be called from any goroutine.
type Queue interface {
	Post(task func())
}

// Executor runs work off the coordinating context.
type Executor interface {
	Go(work func())
}

// Loop is the production Queue: an unbounded FIFO drained by Run.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	running atomic.Bool
	log     *slog.Logger
}

// NewLoop creates a loop that runs nothing until Run is called.
func NewLoop(log *slog.Logger) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		log:  log,
	}
}

// Post enqueues task. It never blocks.
func (l *Loop) Post(task func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted tasks in order until ctx is cancelled. Only one Run
// may be active at a time.
func (l *Loop) Run(ctx context.Context) error {
	if l.running.Swap(true) {
		panic("dispatch: Loop.Run called twice")
	}
	defer l.running.Store(false)

	l.log.Debug("Coordinating loop started")
	for {
		for {
			task, ok := l.next()
			if !ok {
				break
			}
			task()
		}

		select {
		case <-ctx.Done():
			l.log.Debug("Coordinating loop stopped", "err", ctx.Err())
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do posts fn and waits until it has run on the loop. It must not be called
// from a task already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	task := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return task, true
}

// Manual is a Queue for tests: tasks only run on Drain.
type Manual struct {
	mu    sync.Mutex
	tasks []func()
}

// Post enqueues task until the next Drain.
func (m *Manual) Post(task func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
}

// Pending returns the number of queued tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Drain runs queued tasks, including ones posted while draining, until the
// queue is empty. It returns the number of tasks run.
func (m *Manual) Drain() int {
	n := 0
	for {
		m.mu.Lock()
		if len(m.tasks) == 0 {
			m.mu.Unlock()
			return n
		}
		task := m.tasks[0]
		m.tasks = m.tasks[1:]
		m.mu.Unlock()

		task()
		n++
	}
}

// Goroutines runs every piece of work on its own goroutine.
type Goroutines struct{}

func (Goroutines) Go(work func()) {
	go work()
}

// Inline runs work synchronously on the caller.
type Inline struct{}

func (Inline) Go(work func()) {
	work()
}
