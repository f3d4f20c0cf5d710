package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errJobNotFound = errors.New("job not found")

// maxJobs bounds how many finished jobs are remembered.
const maxJobs = 100

type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is a long-running operation started over HTTP.
type Job struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Manifest  string    `json:"manifest,omitempty"`
	Status    JobStatus `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
	Result    any       `json:"result,omitempty"`
	Error     *APIError `json:"error,omitempty"`
}

// Jobs runs operations in the background so handlers return immediately.
type Jobs struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewJobs() *Jobs {
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{jobs: map[string]*Job{}, ctx: ctx, cancel: cancel}
}

// Start runs fn in the background and returns a snapshot of the new job.
func (j *Jobs) Start(op, manifest string, fn func(ctx context.Context) (any, error)) Job {
	job := &Job{
		ID:        uuid.NewString(),
		Operation: op,
		Manifest:  manifest,
		Status:    JobRunning,
		StartedAt: time.Now().UTC(),
	}
	j.mu.Lock()
	j.jobs[job.ID] = job
	j.prune()
	snapshot := *job
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		result, err := fn(j.ctx)
		j.mu.Lock()
		defer j.mu.Unlock()
		job.EndedAt = time.Now().UTC()
		job.Result = result
		if err != nil {
			_, job.Error = toAPIError(err)
			job.Status = JobFailed
			return
		}
		job.Status = JobSucceeded
	}()
	return snapshot
}

func (j *Jobs) Get(id string) (Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.jobs[id]
	if !ok {
		return Job{}, errJobNotFound
	}
	return *job, nil
}

// Shutdown waits for running jobs until ctx is done, then cancels them.
func (j *Jobs) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		j.cancel()
		return nil
	case <-ctx.Done():
		j.cancel()
		<-done
		return ctx.Err()
	}
}

// prune drops the oldest finished jobs beyond maxJobs. Caller holds mu.
func (j *Jobs) prune() {
	if len(j.jobs) <= maxJobs {
		return
	}
	finished := make([]*Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		if job.Status != JobRunning {
			finished = append(finished, job)
		}
	}
	sort.Slice(finished, func(a, b int) bool { return finished[a].StartedAt.Before(finished[b].StartedAt) })
	for _, job := range finished {
		if len(j.jobs) <= maxJobs {
			return
		}
		delete(j.jobs, job.ID)
	}
}
