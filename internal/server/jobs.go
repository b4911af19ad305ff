package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsight-ai/finsight/internal/store"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one background chat run tracked for polling clients.
type Job struct {
	ID        string             `json:"jobId"`
	Status    JobStatus          `json:"status"`
	Reply     string             `json:"reply,omitempty"`
	ThreadID  string             `json:"threadId,omitempty"`
	Error     string             `json:"error,omitempty"`
	Traces    []store.TraceEvent `json:"traces,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Terminal reports whether the job reached a final status.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// JobRegistry tracks background jobs under its own lock, independent of the
// pipeline run lock. Status transitions are monotonic: pending → running →
// {completed | failed}; late transitions are ignored. Terminal jobs are
// evicted after the retention period.
type JobRegistry struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	retention time.Duration
}

func NewJobRegistry(retention time.Duration) *JobRegistry {
	if retention <= 0 {
		retention = time.Hour
	}
	return &JobRegistry{jobs: make(map[string]*Job), retention: retention}
}

// Create registers a new pending job.
func (r *JobRegistry) Create() Job {
	now := time.Now()
	job := &Job{ID: uuid.NewString(), Status: JobPending, CreatedAt: now, UpdatedAt: now}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()
	return *job
}

func (r *JobRegistry) SetRunning(id string) {
	r.transition(id, JobPending, func(j *Job) { j.Status = JobRunning })
}

func (r *JobRegistry) Complete(id, reply, threadID string) {
	r.transition(id, JobRunning, func(j *Job) {
		j.Status = JobCompleted
		j.Reply = reply
		j.ThreadID = threadID
	})
}

// AppendTrace records a pipeline trace event on a running job so pollers can
// observe progress before the job is terminal.
func (r *JobRegistry) AppendTrace(id string, ev store.TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Terminal() {
		return
	}
	job.Traces = append(job.Traces, ev)
	job.UpdatedAt = time.Now()
}

func (r *JobRegistry) Fail(id, errMsg string) {
	r.transition(id, JobRunning, func(j *Job) {
		j.Status = JobFailed
		j.Error = errMsg
	})
}

// Get returns a snapshot of the job.
func (r *JobRegistry) Get(id string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	snap := *job
	snap.Traces = append([]store.TraceEvent(nil), job.Traces...)
	return snap, true
}

// StartJanitor periodically evicts terminal jobs older than the retention
// period, until ctx is done.
func (r *JobRegistry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

func (r *JobRegistry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, job := range r.jobs {
		if job.Terminal() && now.Sub(job.UpdatedAt) > r.retention {
			delete(r.jobs, id)
		}
	}
}

func (r *JobRegistry) transition(id string, from JobStatus, apply func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status != from {
		return
	}
	apply(job)
	job.UpdatedAt = time.Now()
}
