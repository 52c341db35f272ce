package waiter

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/billm/baaaht/ipcore/pkg/types"
)

const (
	// DeadlineIndefinite blocks until the waiter is awoken
	DeadlineIndefinite time.Duration = -1

	// DeadlinePoll checks once without blocking
	DeadlinePoll time.Duration = 0
)

// Awakable is anything that can be registered on a handle to be told about
// signal state changes. Awake reports whether the awakable wants to stay
// registered; returning false removes it from the list that awoke it.
type Awakable interface {
	Awake(result error, context uint64) bool
}

// Waiter blocks a goroutine until one of the handles it is registered on
// reports a relevant state change. The first Awake after Init wins; later
// ones are ignored until the next Init.
type Waiter struct {
	clock clock.Clock

	mu          sync.Mutex
	initialized bool
	awoken      bool
	result      error
	context     uint64
	done        chan struct{}
}

// New creates a waiter backed by the wall clock
func New() *Waiter {
	return NewWithClock(clock.New())
}

// NewWithClock creates a waiter whose deadlines are measured with c
func NewWithClock(c clock.Clock) *Waiter {
	if c == nil {
		c = clock.New()
	}
	w := &Waiter{clock: c}
	w.Init()
	return w
}

// Init resets the waiter so it can be registered and waited on again
func (w *Waiter) Init() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.initialized = true
	w.awoken = false
	w.result = nil
	w.context = 0
	w.done = make(chan struct{})
}

// Wait blocks until Awake is called or the deadline passes. It returns the
// context value and result passed to the winning Awake. A nil result means
// the awaited signals were satisfied. On timeout it returns ErrCodeTimeout
// and leaves the waiter untouched.
func (w *Waiter) Wait(deadline time.Duration) (uint64, error) {
	return w.WaitContext(context.Background(), deadline)
}

// WaitContext is Wait that also returns early with ErrCodeCanceled when ctx is done
func (w *Waiter) WaitContext(ctx context.Context, deadline time.Duration) (uint64, error) {
	w.mu.Lock()
	if !w.initialized {
		w.mu.Unlock()
		return 0, types.NewError(types.ErrCodeFailedPrecondition, "waiter is not initialized")
	}
	done := w.done
	w.mu.Unlock()

	switch {
	case deadline == DeadlinePoll:
		select {
		case <-done:
			return w.outcome()
		default:
			return 0, types.NewError(types.ErrCodeTimeout, "wait deadline exceeded")
		}

	case deadline < 0:
		select {
		case <-done:
			return w.outcome()
		case <-ctx.Done():
			return 0, types.WrapError(types.ErrCodeCanceled, "wait canceled", ctx.Err())
		}

	default:
		timer := w.clock.Timer(deadline)
		defer timer.Stop()
		select {
		case <-done:
			return w.outcome()
		case <-timer.C:
			// An Awake racing the timer still wins
			select {
			case <-done:
				return w.outcome()
			default:
			}
			return 0, types.NewError(types.ErrCodeTimeout, "wait deadline exceeded")
		case <-ctx.Done():
			return 0, types.WrapError(types.ErrCodeCanceled, "wait canceled", ctx.Err())
		}
	}
}

func (w *Waiter) outcome() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.context, w.result
}

// Awake implements Awakable. Only the first call after Init is recorded.
func (w *Waiter) Awake(result error, context uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.initialized || w.awoken {
		return true
	}
	w.awoken = true
	w.result = result
	w.context = context
	close(w.done)
	return true
}

// Awoken reports whether Awake has been called since the last Init
func (w *Waiter) Awoken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.awoken
}
