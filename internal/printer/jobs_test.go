package printer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type jobRecorder struct {
	mu       sync.Mutex
	statuses []JobStatus
}

func (r *jobRecorder) record(j PrintJob) {
	r.mu.Lock()
	r.statuses = append(r.statuses, j.Status)
	r.mu.Unlock()
}

func TestPrintQueueCompletesJob(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	rec := &jobRecorder{}
	q := NewPrintQueue(rig.manager, JobQueueOptions{OnUpdate: rec.record})

	id := q.Enqueue(textReceipt("hello"))
	if n := rig.manager.Queue().Size(); n != 1 {
		t.Fatalf("Expected 1 outstanding job, got %d", n)
	}
	if !q.processNextJob(context.Background()) {
		t.Fatal("Expected a job to run")
	}
	if q.processNextJob(context.Background()) {
		t.Error("Expected the queue to be empty")
	}

	job := q.GetJob(id)
	if job == nil || job.Status != JobCompleted {
		t.Fatalf("Expected completed job, got %+v", job)
	}
	if n := rig.manager.Queue().Size(); n != 0 {
		t.Errorf("Expected no outstanding jobs, got %d", n)
	}
	if len(b.output()) == 0 {
		t.Error("Expected bytes on the wire")
	}
	if !rig.sleep.has(releaseAfterPrintDelay) {
		t.Error("Expected the drain delay after printing")
	}

	want := []JobStatus{JobQueued, JobPrinting, JobCompleted}
	if len(rec.statuses) != len(want) {
		t.Fatalf("Expected updates %v, got %v", want, rec.statuses)
	}
	for i := range want {
		if rec.statuses[i] != want[i] {
			t.Errorf("Expected %s at %d, got %s", want[i], i, rec.statuses[i])
		}
	}

	// Printing keeps the claim for the next job
	if rig.manager.State().Status != StatusConnected {
		t.Error("Expected the printer to stay connected")
	}

	q.ClearCompleted()
	if len(q.GetAllJobs()) != 0 {
		t.Error("Expected completed jobs to be cleared")
	}
}

func TestPrintQueueRetriesThenFails(t *testing.T) {
	b := newFakeBackend()
	rig := newRig(t, b, PlatformDesktop, 0)

	q := NewPrintQueue(rig.manager, JobQueueOptions{MaxRetries: 2, RetryDelay: 750 * time.Millisecond})
	id := q.EnqueueRaw([]byte("raw"))

	q.processNextJob(context.Background())
	job := q.GetJob(id)
	if job.Status != JobQueued || job.Retries != 1 {
		t.Fatalf("Expected a requeued job after one failure, got %+v", job)
	}
	if !rig.sleep.has(750 * time.Millisecond) {
		t.Error("Expected the retry delay")
	}
	if n := rig.manager.Queue().Size(); n != 1 {
		t.Errorf("Expected the job to stay outstanding, got %d", n)
	}

	q.processNextJob(context.Background())
	job = q.GetJob(id)
	if job.Status != JobFailed || job.Retries != 2 {
		t.Fatalf("Expected a failed job, got %+v", job)
	}
	if job.Error == "" {
		t.Error("Expected the failure to be recorded")
	}
	if q.Pending() != 0 || rig.manager.Queue().Size() != 0 {
		t.Errorf("Expected nothing pending, got %d/%d", q.Pending(), rig.manager.Queue().Size())
	}
}

func TestPrintQueueStopsOnPermissionDenied(t *testing.T) {
	b := &promptingBackend{fakeBackend: newFakeBackend(testEpson), deny: errors.New("user said no")}
	rig := newRig(t, b, PlatformDesktop, 0)

	q := NewPrintQueue(rig.manager, JobQueueOptions{})
	id := q.Enqueue(textReceipt("x"))
	q.processNextJob(context.Background())

	if job := q.GetJob(id); job.Status != JobFailed || job.Retries != 1 {
		t.Errorf("Expected an immediate failure, got %+v", job)
	}
}

func TestPrintQueueReconnectsKnownPrinter(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)
	if err := rig.manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Expected disconnect, got %v", err)
	}

	q := NewPrintQueue(rig.manager, JobQueueOptions{DisconnectIdle: true})
	id := q.Enqueue(textReceipt("again"))
	q.processNextJob(context.Background())

	if job := q.GetJob(id); job.Status != JobCompleted {
		t.Fatalf("Expected completed after reconnect, got %+v", job)
	}
	// The drained queue hands the printer back
	if st := rig.manager.State().Status; st != StatusDisconnected {
		t.Errorf("Expected idle disconnect, got %s", st)
	}
}

func TestPrintQueueRun(t *testing.T) {
	b := newFakeBackend(testEpson)
	rig := newRig(t, b, PlatformDesktop, 0)
	rig.connect(t)

	done := make(chan struct{}, 1)
	q := NewPrintQueue(rig.manager, JobQueueOptions{OnUpdate: func(j PrintJob) {
		if j.Status == JobCompleted {
			done <- struct{}{}
		}
	}})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- q.Run(ctx) }()

	q.Enqueue(textReceipt("async"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected the worker to complete the job")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}
