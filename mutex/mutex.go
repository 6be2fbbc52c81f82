// Package mutex has a FIFO, context-aware mutex, for callers that must
// share one protocol session between goroutines. The protocol clients are
// not safe for concurrent use; a caller that multiplexes serializes access
// through a Mutex.
package mutex

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// ErrLockCancelled is returned by Lock when the context is done before the
// lock is acquired.
var ErrLockCancelled = errors.New("lock cancelled")

// Mutex is a mutual exclusion lock with FIFO fairness for waiters. Use New
// to make one.
type Mutex struct {
	sem *semaphore.Weighted
}

// New returns an unlocked Mutex.
func New() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock acquires the mutex, waiting behind earlier waiters, and returns the
// function that releases it. When ctx is cancelled while waiting,
// ErrLockCancelled is returned and the waiter is removed from the queue.
func (m *Mutex) Lock(ctx context.Context) (release func(), rerr error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockCancelled, err)
	}
	return func() { m.sem.Release(1) }, nil
}
