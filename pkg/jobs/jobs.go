// Package jobs runs submitted knowledge-graph updates on a fixed pool of
// background workers and keeps their status for polling.
//
// Submissions are not deduplicated: submitting the same payload twice runs it
// twice.
//
// Example:
//
//	q := jobs.New(b.Handle, jobs.Config{Workers: 2})
//	defer q.Close()
//
//	id, err := q.Submit(payload)
//	...
//	st, err := q.Status(id)
//	if st.State == jobs.Success { ... }
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/orneryd/graphbuilder/pkg/logging"
)

// Errors returned by Queue.
var (
	ErrNotFound  = errors.New("job not found")
	ErrQueueFull = errors.New("job queue is full")
	ErrClosed    = errors.New("job queue is closed")
)

// State is the lifecycle state of a job.
type State string

const (
	Pending State = "PENDING"
	Started State = "STARTED"
	Success State = "SUCCESS"
	Failure State = "FAILURE"
)

// Done reports whether s is terminal.
func (s State) Done() bool { return s == Success || s == Failure }

var jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "graphbuilder_jobs_total",
	Help: "Finished jobs by terminal state",
}, []string{"state"})

// Handler does the work of one job. The returned value becomes the job's
// result.
type Handler func(ctx context.Context, payload any) (any, error)

// Status is a snapshot of one job.
type Status struct {
	ID       string    `json:"task_id"`
	State    State     `json:"state"`
	Result   any       `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Created  time.Time `json:"created"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
}

// Config configures a Queue.
type Config struct {
	// Workers is the number of jobs run at once (default 2).
	Workers int
	// QueueSize bounds the number of pending jobs (default 100).
	QueueSize int
	// Timeout bounds each job. Zero means no limit.
	Timeout time.Duration
	// Retention is how long a finished job stays pollable (default 1h).
	Retention time.Duration
	// MaxFinished caps the number of finished jobs kept (default 1000).
	// The oldest are forgotten first.
	MaxFinished int
	Logger      *zap.Logger
}

// Stats counts jobs per state.
type Stats struct {
	Pending int `json:"pending"`
	Started int `json:"started"`
	Success int `json:"success"`
	Failure int `json:"failure"`
}

type job struct {
	payload any
	status  Status
}

// Queue is an in-process job queue. All methods are safe for concurrent use.
type Queue struct {
	handler Handler
	config  Config
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pending chan *job

	mu       sync.Mutex
	jobs     map[string]*job
	finished []string // ids in finish order
	closed   bool
	now      func() time.Time
}

// New starts cfg.Workers workers running handler.
func New(handler Handler, cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.MaxFinished <= 0 {
		cfg.MaxFinished = 1000
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		handler: handler,
		config:  cfg,
		logger:  logging.OrNop(cfg.Logger).Named("jobs"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(chan *job, cfg.QueueSize),
		jobs:    make(map[string]*job),
		now:     time.Now,
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit queues payload and returns the new job id.
func (q *Queue) Submit(payload any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	q.pruneLocked()

	j := &job{
		payload: payload,
		status: Status{
			ID:      uuid.NewString(),
			State:   Pending,
			Created: q.now(),
		},
	}
	select {
	case q.pending <- j:
	default:
		return "", ErrQueueFull
	}
	q.jobs[j.status.ID] = j
	q.logger.Debug("job submitted", zap.String("id", j.status.ID))
	return j.status.ID, nil
}

// Status returns a snapshot of job id.
func (q *Queue) Status(id string) (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()

	j, ok := q.jobs[id]
	if !ok {
		return Status{}, ErrNotFound
	}
	return j.status, nil
}

// Stats returns the number of jobs in each state.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pruneLocked()

	var s Stats
	for _, j := range q.jobs {
		switch j.status.State {
		case Pending:
			s.Pending++
		case Started:
			s.Started++
		case Success:
			s.Success++
		case Failure:
			s.Failure++
		}
	}
	return s
}

// Close stops accepting jobs, cancels running ones and waits for the workers
// to return. Jobs still pending stay PENDING.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.pending:
			q.run(j)
		}
	}
}

func (q *Queue) run(j *job) {
	q.mu.Lock()
	j.status.State = Started
	j.status.Started = q.now()
	id := j.status.ID
	q.mu.Unlock()

	ctx := q.ctx
	if q.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.Timeout)
		defer cancel()
	}

	result, err := q.call(ctx, j.payload)

	q.mu.Lock()
	defer q.mu.Unlock()
	j.status.Finished = q.now()
	if err != nil {
		j.status.State = Failure
		j.status.Error = err.Error()
		q.logger.Warn("job failed", zap.String("id", id), zap.Error(err))
	} else {
		j.status.State = Success
		j.status.Result = result
		q.logger.Info("job finished", zap.String("id", id),
			zap.Duration("took", j.status.Finished.Sub(j.status.Started)))
	}
	jobsTotal.WithLabelValues(string(j.status.State)).Inc()
	q.finished = append(q.finished, id)
	q.pruneLocked()
}

// pruneLocked forgets finished jobs past the retention window or beyond the
// MaxFinished cap. q.mu must be held.
func (q *Queue) pruneLocked() {
	now := q.now()
	n := 0
	for ; n < len(q.finished); n++ {
		id := q.finished[n]
		over := len(q.finished)-n > q.config.MaxFinished
		if !over && now.Sub(q.jobs[id].status.Finished) <= q.config.Retention {
			break
		}
		delete(q.jobs, id)
	}
	if n > 0 {
		q.finished = q.finished[n:]
		q.logger.Debug("forgot finished jobs", zap.Int("count", n))
	}
}

func (q *Queue) call(ctx context.Context, payload any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.handler(ctx, payload)
}
