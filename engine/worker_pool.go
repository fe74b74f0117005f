package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// JobHandler fetches one job.
type JobHandler func(context.Context, FetchJob) error

// JobError pairs a failed job with the error its handler returned.
type JobError struct {
	Job FetchJob
	Err error
}

func (e *JobError) Error() string {
	return e.Job.Output + ": " + e.Err.Error()
}

func (e *JobError) Unwrap() error { return e.Err }

// WorkerPool runs the jobs received on a JobChannel on a resizable set of
// goroutines. A failing or panicking handler does not stop the pool; its
// error is collected and returned by Wait.
type WorkerPool struct {
	jobs    JobChannel
	handler JobHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	quits    []chan struct{}
	failures []error

	done atomic.Int64
}

// NewWorkerPool creates a pool without workers; SetWorkerCount starts them.
func NewWorkerPool(ctx context.Context, jobs JobChannel, handler JobHandler) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		jobs:    jobs,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetWorkerCount grows or shrinks the pool. Removed workers finish the job
// they are running first.
func (p *WorkerPool) SetWorkerCount(count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.quits) < count {
		quit := make(chan struct{})
		p.quits = append(p.quits, quit)
		p.wg.Add(1)
		go p.work(quit)
	}
	for len(p.quits) > max(count, 0) {
		last := len(p.quits) - 1
		close(p.quits[last])
		p.quits = p.quits[:last]
	}
}

// WorkerCount returns the number of workers the pool is sized to.
func (p *WorkerPool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.quits)
}

// Completed returns how many jobs finished without error.
func (p *WorkerPool) Completed() int {
	return int(p.done.Load())
}

func (p *WorkerPool) work(quit <-chan struct{}) {
	defer p.wg.Done()
	for {
		// a pending job never wins over quit or cancellation
		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		default:
		}

		select {
		case <-quit:
			return
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(job)
		}
	}
}

func (p *WorkerPool) run(job FetchJob) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return p.handler(p.ctx, job)
	}()

	if err == nil {
		p.done.Add(1)
		return
	}
	p.mu.Lock()
	p.failures = append(p.failures, &JobError{Job: job, Err: err})
	p.mu.Unlock()
}

// Wait blocks until every worker has exited, which happens once the job
// channel is closed and drained, and returns the joined job failures.
func (p *WorkerPool) Wait() error {
	p.wg.Wait()
	p.cancel()
	return p.Err()
}

// Err returns the failures recorded so far.
func (p *WorkerPool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.failures...)
}

// Stop cancels the context handed to running jobs and waits for all workers
// to exit.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
}
