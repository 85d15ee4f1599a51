package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Job represents a unit of work to be executed
type Job interface {
	Execute(ctx context.Context) Result
}

// Result represents the result of a job execution
type Result interface {
	GetError() error
}

// FailedResult stands in for a job that panicked or never ran
type FailedResult struct {
	Err error
}

func (r *FailedResult) GetError() error {
	return r.Err
}

type task struct {
	seq int
	job Job
}

// Pool runs jobs on a fixed number of workers and reports results in submission order
type Pool struct {
	workers int
	queue   chan task
	wg      sync.WaitGroup

	mu      sync.Mutex
	results []Result

	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool creates a new worker pool with the specified number of workers.
// Jobs see ctx; cancelling it stops the pool like Shutdown.
func NewPool(ctx context.Context, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Pool{
		workers: workers,
		queue:   make(chan task, workers*2),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the workers
func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t, ok := <-p.queue:
			if !ok || p.ctx.Err() != nil {
				return
			}
			p.record(t.seq, p.execute(t.job))
		}
	}
}

// execute runs one job, turning a panic into a failed result so one bad job cannot stop the batch
func (p *Pool) execute(job Job) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = &FailedResult{Err: fmt.Errorf("job panicked: %v", r)}
		}
	}()
	return job.Execute(p.ctx)
}

func (p *Pool) record(seq int, r Result) {
	if r == nil {
		r = &FailedResult{Err: errors.New("job returned no result")}
	}
	p.mu.Lock()
	p.results[seq] = r
	p.mu.Unlock()
}

// Submit queues a job. A job submitted after cancellation is reported as failed by Wait.
// It must not be called after Wait.
func (p *Pool) Submit(job Job) {
	p.mu.Lock()
	seq := len(p.results)
	p.results = append(p.results, nil)
	p.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}
	select {
	case <-p.ctx.Done():
	case p.queue <- task{seq: seq, job: job}:
	}
}

// Wait waits for all submitted jobs and returns one result per Submit, in submission order
func (p *Pool) Wait() []Result {
	close(p.queue)
	p.wg.Wait()
	return p.finish()
}

// Shutdown stops the pool immediately, discarding pending jobs
func (p *Pool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pool) finish() []Result {
	cause := p.ctx.Err()
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.results {
		if r == nil {
			p.results[i] = &FailedResult{Err: fmt.Errorf("job not run: %w", cause)}
		}
	}
	return p.results
}
