package tick

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the task queue capacity of a Loop.
const DefaultQueueSize = 1024

// ErrStopped is returned when a task is posted to a stopped loop.
var ErrStopped = errors.New("tick loop stopped")

// Loop is the host main loop: a single goroutine running posted tasks in order.
// Timers scheduled with After fire on the same goroutine, so tasks never run in parallel.
type Loop struct {
	tasks   chan func()
	stopped atomic.Bool
	done    chan struct{}
	now     func() time.Time

	mu     sync.Mutex
	timers map[uint64]*time.Timer
	nextID uint64
}

// NewLoop creates a loop with the given queue capacity.
func NewLoop(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		now:    time.Now,
		timers: make(map[uint64]*time.Timer, 16),
	}
}

// Run executes tasks until ctx is canceled (blocks).
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	slog.Info("tick loop started", "queue", cap(l.tasks))

	for {
		select {
		case <-ctx.Done():
			l.stopped.Store(true)
			l.stopTimers()
			slog.Info("tick loop stopping", "pending", len(l.tasks))
			return ctx.Err()
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Now returns the current wall-clock time.
func (l *Loop) Now() time.Time { return l.now() }

// Post queues fn for the loop goroutine.
func (l *Loop) Post(fn func()) error {
	if l.stopped.Load() {
		return ErrStopped
	}
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// After posts fn to the loop once d has elapsed. The returned func cancels it.
func (l *Loop) After(d time.Duration, fn func()) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	var cancelled atomic.Bool
	t := time.AfterFunc(d, func() {
		l.forget(id)
		if cancelled.Load() {
			return
		}
		if err := l.Post(func() {
			// Таймер мог быть отменён, пока задача стояла в очереди.
			if !cancelled.Load() {
				fn()
			}
		}); err != nil {
			slog.Debug("tick: timer dropped", "error", err)
		}
	})
	l.timers[id] = t
	l.mu.Unlock()

	return func() {
		cancelled.Store(true)
		t.Stop()
		l.forget(id)
	}
}

// PendingTimers returns the number of armed timers.
func (l *Loop) PendingTimers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) forget(id uint64) {
	l.mu.Lock()
	delete(l.timers, id)
	l.mu.Unlock()
}

func (l *Loop) stopTimers() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tick: task panicked", "panic", r)
		}
	}()
	fn()
}
