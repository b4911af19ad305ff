package server

import (
	"testing"
	"time"

	"github.com/finsight-ai/finsight/internal/store"
)

func TestJobTransitionsAreMonotonic(t *testing.T) {
	r := NewJobRegistry(time.Hour)
	job := r.Create()

	// Completing a pending job is a late transition and must be ignored.
	r.Complete(job.ID, "early", "t1")
	got, _ := r.Get(job.ID)
	if got.Status != JobPending {
		t.Fatalf("pending job completed out of order: %v", got.Status)
	}

	r.SetRunning(job.ID)
	r.Complete(job.ID, "done", "t1")
	got, _ = r.Get(job.ID)
	if got.Status != JobCompleted || got.Reply != "done" {
		t.Fatalf("job = %+v", got)
	}

	// Terminal states never reverse.
	r.Fail(job.ID, "late failure")
	got, _ = r.Get(job.ID)
	if got.Status != JobCompleted {
		t.Fatalf("completed job failed afterwards: %v", got.Status)
	}
}

func TestAppendTraceStopsAtTerminal(t *testing.T) {
	r := NewJobRegistry(time.Hour)
	job := r.Create()
	r.SetRunning(job.ID)

	r.AppendTrace(job.ID, store.TraceEvent{Type: "task_started", Task: "planner"})
	r.AppendTrace(job.ID, store.TraceEvent{Type: "task_completed", Task: "planner"})
	r.Complete(job.ID, "done", "t1")
	r.AppendTrace(job.ID, store.TraceEvent{Type: "task_started", Task: "late"})

	got, _ := r.Get(job.ID)
	if len(got.Traces) != 2 {
		t.Fatalf("got %d traces, want 2", len(got.Traces))
	}
	if got.Traces[1].Type != "task_completed" {
		t.Fatalf("last trace = %+v", got.Traces[1])
	}
}

func TestJobFailure(t *testing.T) {
	r := NewJobRegistry(time.Hour)
	job := r.Create()
	r.SetRunning(job.ID)
	r.Fail(job.ID, "boom")

	got, ok := r.Get(job.ID)
	if !ok || got.Status != JobFailed || got.Error != "boom" {
		t.Fatalf("job = %+v", got)
	}
}

func TestSweepEvictsOnlyExpiredTerminalJobs(t *testing.T) {
	r := NewJobRegistry(time.Hour)

	running := r.Create()
	r.SetRunning(running.ID)

	finished := r.Create()
	r.SetRunning(finished.ID)
	r.Complete(finished.ID, "done", "t1")

	r.sweep(time.Now().Add(2 * time.Hour))

	if _, ok := r.Get(finished.ID); ok {
		t.Fatalf("expired terminal job not evicted")
	}
	if _, ok := r.Get(running.ID); !ok {
		t.Fatalf("running job must survive the sweep")
	}
}

func TestGetUnknownJob(t *testing.T) {
	r := NewJobRegistry(time.Hour)
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected miss for unknown job id")
	}
}
