package printer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds how long an operation waits for the device.
const DefaultLockTimeout = 15 * time.Second

// SessionLock is a single-slot gate with a FIFO wait queue. Releasing the
// slot hands it straight to the oldest waiter.
type SessionLock struct {
	sem     *semaphore.Weighted
	timeout time.Duration

	mu     sync.Mutex
	holder string
}

// NewSessionLock creates a lock whose Acquire uses timeout when the caller
// passes zero.
func NewSessionLock(timeout time.Duration) *SessionLock {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &SessionLock{sem: semaphore.NewWeighted(1), timeout: timeout}
}

// Guard is the proof of holding the lock.
type Guard struct {
	lock *SessionLock
	once sync.Once
}

// Acquire waits for the slot. A waiter that is not serviced within timeout
// leaves the queue and gets ErrTimeout; a cancelled ctx returns ctx.Err().
func (l *SessionLock) Acquire(ctx context.Context, op string, timeout time.Duration) (*Guard, error) {
	if timeout <= 0 {
		timeout = l.timeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: waited %v for %s: %w", op, timeout, l.Holder(), ErrTimeout)
		}
		return nil, err
	}

	l.mu.Lock()
	l.holder = op
	l.mu.Unlock()

	return &Guard{lock: l}, nil
}

// TryAcquire takes the slot only if it is free right now.
func (l *SessionLock) TryAcquire(op string) (*Guard, bool) {
	if !l.sem.TryAcquire(1) {
		return nil, false
	}
	l.mu.Lock()
	l.holder = op
	l.mu.Unlock()
	return &Guard{lock: l}, true
}

// Holder names the operation currently holding the lock, if any.
func (l *SessionLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" {
		return "nobody"
	}
	return l.holder
}

// Release frees the slot. Releasing twice is a no-op.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.lock.mu.Lock()
		g.lock.holder = ""
		g.lock.mu.Unlock()
		g.lock.sem.Release(1)
	})
}
