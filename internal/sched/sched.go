// Package sched provides the deferred-job scheduler the cache engine uses
// to run Sync() off the calling goroutine.
package sched

import "sync"

// Job is a unit of deferred work.
type Job interface {
	DoIt()
}

// JobFunc adapts a function to Job.
type JobFunc func()

func (f JobFunc) DoIt() { f() }

// Scheduler runs jobs on worker goroutines.
type Scheduler interface {
	// Schedule enqueues job for execution on a worker goroutine. It never
	// blocks the caller on the job's own execution.
	Schedule(job Job)

	// Close stops accepting new jobs and waits for in-flight jobs to finish.
	Close()
}

// Pool is a fixed-size goroutine-pool Scheduler.
type Pool struct {
	jobs chan Job
	wg   sync.WaitGroup
}

// NewPool creates a Pool with workers goroutines, each pulling from a shared
// job queue of depth queueDepth.
func NewPool(workers, queueDepth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1
	}

	p := &Pool{jobs: make(chan Job, queueDepth)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job.DoIt()
	}
}

// Schedule enqueues job, blocking only if the queue is full.
func (p *Pool) Schedule(job Job) {
	p.jobs <- job
}

// Close drains the queue and waits for all workers to exit.
func (p *Pool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
