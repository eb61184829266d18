package printer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thereceipt/printlink/internal/logging"
	"github.com/thereceipt/printlink/pkg/receiptformat"
)

// JobStatus is the lifecycle state of a print job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobPrinting  JobStatus = "printing"
	JobFailed    JobStatus = "failed"
	JobCompleted JobStatus = "completed"
)

// PrintJob represents a print job
type PrintJob struct {
	ID        string                 `json:"id"`
	Receipt   *receiptformat.Receipt `json:"-"`
	Raw       []byte                 `json:"-"`
	Name      string                 `json:"name,omitempty"`
	Retries   int                    `json:"retries"`
	Status    JobStatus              `json:"status"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// JobQueueOptions tunes a PrintQueue.
type JobQueueOptions struct {
	MaxRetries int           // default 3
	RetryDelay time.Duration // default 1s
	// DisconnectIdle releases the printer once the queue drains.
	DisconnectIdle bool
	OnUpdate       func(PrintJob)
	Sleep          SleepFunc
	Logger         *slog.Logger
}

// PrintQueue runs receipts through the manager one at a time with retries.
// It keeps the QueueCoordinator's outstanding count in step with its jobs.
type PrintQueue struct {
	manager *Manager
	coord   *QueueCoordinator
	opts    JobQueueOptions
	log     *slog.Logger

	mu   sync.Mutex
	jobs []*PrintJob
	wake chan struct{}
}

// NewPrintQueue creates a new print queue. Call Run to start the worker.
func NewPrintQueue(manager *Manager, opts JobQueueOptions) *PrintQueue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = manager.sleep
	}
	return &PrintQueue{
		manager: manager,
		coord:   manager.Queue(),
		opts:    opts,
		log:     logging.For(opts.Logger, logging.ComponentJobs),
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a receipt and returns the job ID.
func (q *PrintQueue) Enqueue(r *receiptformat.Receipt) string {
	return q.add(&PrintJob{Receipt: r, Name: r.Name})
}

// EnqueueRaw adds bytes already in the printer dialect.
func (q *PrintQueue) EnqueueRaw(data []byte) string {
	return q.add(&PrintJob{Raw: data, Name: "raw"})
}

func (q *PrintQueue) add(job *PrintJob) string {
	now := time.Now()
	job.ID = uuid.New().String()
	job.Status = JobQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	snapshot := *job
	q.mu.Unlock()

	q.coord.Increment()
	q.notify(snapshot)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return job.ID
}

// Run processes jobs until ctx is done.
func (q *PrintQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		case <-ticker.C:
		}
		for q.processNextJob(ctx) {
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

// processNextJob runs one queued job. It reports whether there was one.
func (q *PrintQueue) processNextJob(ctx context.Context) bool {
	q.mu.Lock()
	var job *PrintJob
	for _, j := range q.jobs {
		if j.Status == JobQueued {
			job = j
			job.Status = JobPrinting
			job.UpdatedAt = time.Now()
			break
		}
	}
	var snapshot PrintJob
	if job != nil {
		snapshot = *job
	}
	q.mu.Unlock()

	if job == nil {
		return false
	}
	q.notify(snapshot)

	err := q.printJob(ctx, job)

	q.mu.Lock()
	final := true
	if err != nil {
		job.Retries++
		job.Error = err.Error()
		if job.Retries >= q.opts.MaxRetries || !retryable(err) {
			job.Status = JobFailed
			q.log.Error("print job failed", "job", job.ID, "retries", job.Retries, "error", err)
		} else {
			job.Status = JobQueued
			final = false
			q.log.Warn("print job failed, retrying", "job", job.ID, "retry", job.Retries, "of", q.opts.MaxRetries, "error", err)
		}
	} else {
		job.Status = JobCompleted
		job.Error = ""
		q.log.Info("print job completed", "job", job.ID)
	}
	job.UpdatedAt = time.Now()
	snapshot = *job
	q.mu.Unlock()

	q.notify(snapshot)

	if !final {
		// Brief delay before retry
		_ = q.opts.Sleep(ctx, q.opts.RetryDelay)
		return true
	}

	q.coord.ReleaseAfterPrint(ctx)
	if q.opts.DisconnectIdle && q.Pending() == 0 {
		if ok, err := q.manager.DisconnectIfIdle(ctx); err != nil {
			q.log.Warn("idle disconnect failed", "error", err)
		} else if ok {
			q.log.Info("queue drained, printer released")
		}
	}
	return true
}

func (q *PrintQueue) printJob(ctx context.Context, job *PrintJob) error {
	// Ensure printer is connected
	if !q.manager.IsReadyForPrintJobs() {
		var err error
		if _, known := q.manager.LastDescriptor(); known {
			err = q.manager.Reconnect(ctx)
		} else {
			err = q.manager.Search(ctx)
		}
		if err != nil {
			return err
		}
	}

	if job.Raw != nil {
		return q.manager.PrintRaw(ctx, job.Raw)
	}
	return q.manager.Print(ctx, job.Receipt)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNotSupported),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (q *PrintQueue) notify(job PrintJob) {
	if q.opts.OnUpdate != nil {
		q.opts.OnUpdate(job)
	}
}

// Pending returns the number of queued or printing jobs.
func (q *PrintQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == JobQueued || j.Status == JobPrinting {
			n++
		}
	}
	return n
}

// GetJob returns a job by ID
func (q *PrintQueue) GetJob(jobID string) *PrintJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.ID == jobID {
			// Return a copy
			jobCopy := *job
			return &jobCopy
		}
	}

	return nil
}

// GetAllJobs returns all jobs
func (q *PrintQueue) GetAllJobs() []*PrintJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*PrintJob, len(q.jobs))
	for i, job := range q.jobs {
		jobCopy := *job
		jobs[i] = &jobCopy
	}

	return jobs
}

// ClearCompleted removes finished jobs from the queue
func (q *PrintQueue) ClearCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()

	filtered := make([]*PrintJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		if job.Status != JobCompleted && job.Status != JobFailed {
			filtered = append(filtered, job)
		}
	}

	q.jobs = filtered
}
