package iothread

import (
	"context"
	"fmt"
	"sync"

	"github.com/billm/baaaht/ipcore/internal/logger"
	"github.com/billm/baaaht/ipcore/pkg/types"
)

// Loop is a single goroutine that runs posted tasks one at a time in FIFO
// order. Everything that owns a Channel routing table runs on it.
type Loop struct {
	mu        sync.Mutex
	tasks     []func()
	logger    *logger.Logger
	closed    bool
	highWater int
	warned    bool
	spaceCh   chan struct{}
	wakeCh    chan struct{}
	doneCh    chan struct{}
	stats     Stats
}

// Stats holds loop counters
type Stats struct {
	Posted    uint64 `json:"posted"`
	Executed  uint64 `json:"executed"`
	Throttled uint64 `json:"throttled"`
	Pending   int    `json:"pending"`
}

// String returns a string representation of the stats
func (s Stats) String() string {
	return fmt.Sprintf("Stats{Posted: %d, Executed: %d, Throttled: %d, Pending: %d}", s.Posted, s.Executed, s.Throttled, s.Pending)
}

// New starts a loop. highWater is the backlog size at which PostThrottled
// blocks. Post never blocks, so tasks posted from the loop itself or with
// Post can grow the queue past highWater; the loop logs a warning once
// when that happens.
func New(log *logger.Logger, highWater int) (*Loop, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if highWater <= 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "high water mark must be positive")
	}

	l := &Loop{
		tasks:     make([]func(), 0, highWater),
		logger:    log.With("component", "io_loop"),
		highWater: highWater,
		spaceCh:   make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}

	go l.run()

	l.logger.Debug("I/O loop started")
	return l, nil
}

// Post queues task to run on the loop. Tasks posted from within a task run
// after the current one returns.
func (l *Loop) Post(task func()) error {
	if task == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "task cannot be nil")
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "I/O loop is stopped")
	}
	l.tasks = append(l.tasks, task)
	l.stats.Posted++
	backlog := len(l.tasks)
	warn := backlog > l.highWater && !l.warned
	if warn {
		l.warned = true
	}
	l.mu.Unlock()

	if warn {
		l.logger.Warn("I/O loop backlog above high water mark", "pending", backlog, "high_water", l.highWater)
	}

	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// PostThrottled is Post for producers outside the loop, such as transport
// readers. It blocks while the backlog is at the high water mark, so a
// reader stops pulling frames off its transport until the loop catches up.
// It gives up with ErrCodeCanceled once done is closed. It must not be
// called from a task running on the loop.
func (l *Loop) PostThrottled(done <-chan struct{}, task func()) error {
	throttled := false
	for {
		l.mu.Lock()
		if l.closed || len(l.tasks) < l.highWater {
			l.mu.Unlock()
			return l.Post(task)
		}
		if !throttled {
			throttled = true
			l.stats.Throttled++
		}
		space := l.spaceCh
		l.mu.Unlock()

		select {
		case <-space:
		case <-done:
			return types.NewError(types.ErrCodeCanceled, "throttled post abandoned")
		}
	}
}

// signalSpaceLocked wakes PostThrottled callers. l.mu must be held.
func (l *Loop) signalSpaceLocked() {
	close(l.spaceCh)
	l.spaceCh = make(chan struct{})
}

// PostAndWait runs task on the loop and waits for it to finish. It must not
// be called from a task already running on the loop.
func (l *Loop) PostAndWait(ctx context.Context, task func()) error {
	if task == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "task cannot be nil")
	}
	done := make(chan struct{})
	if err := l.Post(func() {
		defer close(done)
		task()
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for I/O loop task canceled", ctx.Err())
	}
}

// Stop rejects new tasks, runs the ones already queued and waits for the
// loop goroutine to exit. It must not be called from a task on the loop.
// Calling Stop more than once is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.doneCh
		return
	}
	l.closed = true
	l.signalSpaceLocked()
	l.mu.Unlock()

	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
	<-l.doneCh
	l.logger.Debug("I/O loop stopped")
}

// Done is closed once the loop goroutine has exited
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}

// Stats returns a snapshot of the loop counters
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Pending = len(l.tasks)
	return s
}

func (l *Loop) run() {
	defer close(l.doneCh)

	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		closed := l.closed
		if len(batch) == 0 {
			l.warned = false
		} else {
			l.signalSpaceLocked()
		}
		l.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-l.wakeCh
			continue
		}

		for _, task := range batch {
			l.runTask(task)
		}

		l.mu.Lock()
		l.stats.Executed += uint64(len(batch))
		l.mu.Unlock()
	}
}

func (l *Loop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("I/O loop task panicked", "panic", r)
			panic(r)
		}
	}()
	task()
}
