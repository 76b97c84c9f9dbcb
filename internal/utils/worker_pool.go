package utils

import (
	"sync"
)

// Job represents a task to be executed by a worker.
type Job struct {
	Task func()
}

// WorkerPool manages a fixed pool of workers with a bounded queue. Submission never blocks:
// a saturated or stopped pool refuses the job.
type WorkerPool struct {
	workers   int
	jobQueue  chan Job
	waitGroup sync.WaitGroup
	mu        sync.RWMutex
	stopped   bool
}

// NewWorkerPool creates a new WorkerPool with the specified number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	pool := &WorkerPool{
		workers:  workers,
		jobQueue: make(chan Job, workers),
	}

	pool.waitGroup.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.worker()
	}

	return pool
}

// worker processes jobs from the jobQueue.
func (wp *WorkerPool) worker() {
	defer wp.waitGroup.Done()
	for job := range wp.jobQueue {
		job.Task()
	}
}

// TrySubmit queues task and reports whether it was accepted.
func (wp *WorkerPool) TrySubmit(task func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}
	select {
	case wp.jobQueue <- Job{Task: task}:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. It is safe to call
// more than once.
func (wp *WorkerPool) Shutdown() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		wp.waitGroup.Wait()
		return
	}
	wp.stopped = true
	close(wp.jobQueue)
	wp.mu.Unlock()
	wp.waitGroup.Wait()
}
