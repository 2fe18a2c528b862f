package ingest

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// JobState is the observable lifecycle of a submitted pipeline job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Job is the observable handle for one fire-and-forget pipeline run.
type Job struct {
	ID         string
	DocumentID int64

	mu     sync.Mutex
	state  JobState
	reason string
}

// State returns the job's current state and, for failed jobs, the reason.
func (j *Job) State() (JobState, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state, j.reason
}

func (j *Job) setState(s JobState, reason string) {
	j.mu.Lock()
	j.state = s
	j.reason = reason
	j.mu.Unlock()
}

// Gate is the job admission gate: a fixed number of concurrently running
// pipelines with a FIFO wait list. Submitting never blocks the caller.
type Gate struct {
	pool   *ants.Pool
	queue  chan *submission
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]*Job
}

type submission struct {
	job *Job
	fn  func() error
}

// gateQueueDepth bounds the in-memory FIFO wait list.
const gateQueueDepth = 1024

// NewGate creates an admission gate with the given number of running slots.
func NewGate(slots int, logger *zap.Logger) (*Gate, error) {
	if slots <= 0 {
		slots = 2
	}
	pool, err := ants.NewPool(slots)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	g := &Gate{
		pool:   pool,
		queue:  make(chan *submission, gateQueueDepth),
		logger: logger,
		jobs:   make(map[string]*Job),
	}
	go g.dispatch()
	return g, nil
}

// Submit enqueues a pipeline run and returns its observable job handle.
// fn's error only records the job's terminal state; it is never propagated.
func (g *Gate) Submit(documentID int64, fn func() error) (*Job, error) {
	job := &Job{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		state:      JobQueued,
	}

	select {
	case g.queue <- &submission{job: job, fn: fn}:
	default:
		return nil, fmt.Errorf("admission queue full (%d pending)", gateQueueDepth)
	}

	g.mu.Lock()
	g.jobs[job.ID] = job
	g.mu.Unlock()

	return job, nil
}

// Job looks up a previously submitted job by ID.
func (g *Gate) Job(id string) (*Job, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[id]
	return j, ok
}

// dispatch feeds queued submissions into the pool in FIFO order. The pool's
// blocking Submit is the slot wait: the dispatcher stalls until a running
// pipeline finishes.
func (g *Gate) dispatch() {
	for sub := range g.queue {
		job, fn := sub.job, sub.fn
		err := g.pool.Submit(func() {
			job.setState(JobRunning, "")
			if err := fn(); err != nil {
				job.setState(JobFailed, err.Error())
				return
			}
			job.setState(JobSucceeded, "")
		})
		if err != nil {
			g.logger.Error("admission gate submit failed",
				zap.String("job_id", job.ID), zap.Error(err))
			job.setState(JobFailed, err.Error())
		}
	}
}

// Close drains the gate. Queued jobs that have not started are abandoned.
func (g *Gate) Close() {
	close(g.queue)
	g.pool.Release()
}
