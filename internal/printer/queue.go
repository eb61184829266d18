package printer

import (
	"context"
	"sync"
	"time"
)

// releaseAfterPrintDelay lets the printer drain its buffer before the queue
// count drops.
const releaseAfterPrintDelay = 500 * time.Millisecond

type idleDisconnecter interface {
	State() ConnectionState
	Disconnect(ctx context.Context) error
}

// QueueCoordinator holds the number of outstanding print jobs and gates
// disconnection on it. It knows nothing about the jobs themselves.
type QueueCoordinator struct {
	conn  idleDisconnecter
	sleep SleepFunc

	mu   sync.Mutex
	size int
}

// NewQueueCoordinator creates a coordinator that disconnects conn when idle
func NewQueueCoordinator(conn idleDisconnecter, sleep SleepFunc) *QueueCoordinator {
	if sleep == nil {
		sleep = Sleep
	}
	return &QueueCoordinator{conn: conn, sleep: sleep}
}

// UpdateQueueSize records the size reported by the job source. Negative
// values clamp to zero.
func (q *QueueCoordinator) UpdateQueueSize(n int) {
	if n < 0 {
		n = 0
	}
	q.mu.Lock()
	q.size = n
	q.mu.Unlock()
}

// Increment adds one outstanding job.
func (q *QueueCoordinator) Increment() {
	q.mu.Lock()
	q.size++
	q.mu.Unlock()
}

// Size returns the outstanding job count.
func (q *QueueCoordinator) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// DisconnectIfIdle disconnects only when no jobs are outstanding and the
// printer is connected. It reports whether a disconnect happened.
func (q *QueueCoordinator) DisconnectIfIdle(ctx context.Context) (bool, error) {
	if q.Size() > 0 {
		return false, nil
	}
	if q.conn.State().Status != StatusConnected {
		return false, nil
	}
	if err := q.conn.Disconnect(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseAfterPrint marks one job finished after a short drain delay. The
// interface claim is kept so the next job does not pay for a re-claim.
func (q *QueueCoordinator) ReleaseAfterPrint(ctx context.Context) {
	// A cancelled wait still counts the job as finished
	_ = q.sleep(ctx, releaseAfterPrintDelay)

	q.mu.Lock()
	if q.size > 0 {
		q.size--
	}
	q.mu.Unlock()
}
