package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yuya-takeyama/strict-repo-sync/pkg/repository"
)

// ErrAlreadyRunning is returned when a job for the same repository pair is live.
var ErrAlreadyRunning = errors.New("sync already running")

// PairKey identifies a (base, destination) repository pair.
type PairKey struct {
	Base string
	Dst  string
}

func (k PairKey) String() string {
	return k.Base + " -> " + k.Dst
}

// KeyOf derives the pair key of two repositories.
func KeyOf(base, dst repository.Repository) PairKey {
	return PairKey{Base: repository.Describe(base), Dst: repository.Describe(dst)}
}

// Job is a handle to a launched sync.
type Job struct {
	Key    PairKey
	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// Cancel requests cooperative cancellation.
func (j *Job) Cancel() { j.cancel() }

// Done is closed once the job finished.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finished and returns its outcome.
func (j *Job) Wait() (Result, error) {
	<-j.done
	return j.result, j.err
}

// Registry holds at most one live job per repository pair.
type Registry struct {
	mu   sync.Mutex
	jobs map[PairKey]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[PairKey]*Job)}
}

// Launch starts fn in the background under key. A second launch for a key
// whose job has not finished fails with ErrAlreadyRunning.
func (r *Registry) Launch(ctx context.Context, key PairKey, fn func(ctx context.Context) (Result, error)) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.jobs[key]; running {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{Key: key, cancel: cancel, done: make(chan struct{})}
	r.jobs[key] = job

	go func() {
		defer cancel()
		job.result, job.err = fn(jobCtx)

		r.mu.Lock()
		delete(r.jobs, key)
		r.mu.Unlock()
		close(job.done)
	}()

	return job, nil
}

// Running returns the live job of key, if any.
func (r *Registry) Running(key PairKey) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[key]
	return job, ok
}
