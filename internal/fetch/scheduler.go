package fetch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Job is a unit of work submitted by a ClientState.
type Job struct {
	Priority Priority
	// Token groups jobs of one client; jobs of the same priority are served
	// round-robin between tokens.
	Token string
	Run   func(ctx context.Context)
}

// tokenQueue is a FIFO of jobs for one priority class, served round-robin
// between tokens.
type tokenQueue struct {
	order []string
	jobs  map[string][]Job
}

func (q *tokenQueue) push(job Job) {
	if q.jobs == nil {
		q.jobs = make(map[string][]Job)
	}
	if _, ok := q.jobs[job.Token]; !ok {
		q.order = append(q.order, job.Token)
	}
	q.jobs[job.Token] = append(q.jobs[job.Token], job)
}

func (q *tokenQueue) pop() (Job, bool) {
	if len(q.order) == 0 {
		return Job{}, false
	}
	token := q.order[0]
	q.order = q.order[1:]
	pending := q.jobs[token]
	job := pending[0]
	if len(pending) > 1 {
		q.jobs[token] = pending[1:]
		q.order = append(q.order, token)
	} else {
		delete(q.jobs, token)
	}
	return job, true
}

// Scheduler runs jobs on a fixed pool of workers, highest priority first.
type Scheduler struct {
	ctx    context.Context
	logger zerolog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queues [numPriorities]tokenQueue
	queued int
	closed bool

	wg sync.WaitGroup
}

// NewScheduler starts a scheduler with the given number of workers. Jobs
// receive ctx; cancelling it asks running jobs to stop.
func NewScheduler(ctx context.Context, workers int) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	s := &Scheduler{
		ctx:    ctx,
		logger: log.With().Str("component", "scheduler").Logger(),
	}
	s.cond = sync.NewCond(&s.mu)

	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.worker()
	}
	return s
}

// Submit queues a job. Priorities out of range are clamped.
func (s *Scheduler) Submit(job Job) error {
	if !job.Priority.valid() {
		if job.Priority < PriorityMaximum {
			job.Priority = PriorityMaximum
		} else {
			job.Priority = PriorityMinimum
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	s.queues[job.Priority].push(job)
	s.queued++
	s.cond.Signal()
	return nil
}

// Queued returns the number of jobs waiting for a worker.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

// Close stops accepting jobs, lets the workers drain the queue and waits for
// them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) next() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for i := range s.queues {
			if job, ok := s.queues[i].pop(); ok {
				s.queued--
				return job, true
			}
		}
		if s.closed {
			return Job{}, false
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		job, ok := s.next()
		if !ok {
			return
		}
		s.run(job)
	}
}

func (s *Scheduler) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("token", job.Token).Msg("scheduled job panicked")
		}
	}()
	job.Run(s.ctx)
}
