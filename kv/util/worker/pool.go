package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// ErrPoolClosed is returned by Run after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Job is one unit of work for a Pool.
type Job struct {
	ID  string
	Run func(ctx context.Context) error
}

// Result is the outcome of a Job.
type Result struct {
	ID       string
	Err      error
	Duration time.Duration
	Worker   int
}

// PoolStats is a point in time view of a Pool.
type PoolStats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

type poolTask struct {
	ctx    context.Context
	job    Job
	result *Result
	done   *sync.WaitGroup
}

// Pool is a fixed set of goroutines executing jobs. The number of jobs running at once never exceeds the number
// of workers.
type Pool struct {
	name    string
	workers int
	tasks   chan *poolTask
	wg      sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64

	closeCh chan struct{}
	closed  atomic.Bool
	mu      sync.RWMutex
}

func NewPool(name string, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		name:    name,
		workers: workers,
		tasks:   make(chan *poolTask, workers),
		closeCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			return
		case t := <-p.tasks:
			p.process(id, t)
		}
	}
}

func (p *Pool) process(id int, t *poolTask) {
	p.active.Inc()
	defer p.active.Dec()
	defer t.done.Done()

	start := time.Now()
	t.result.ID = t.job.ID
	t.result.Worker = id
	defer func() {
		if r := recover(); r != nil {
			t.result.Err = errors.Errorf("panic in job %s: %v", t.job.ID, r)
		}
		t.result.Duration = time.Since(start)
		if t.result.Err != nil {
			p.failed.Inc()
		} else {
			p.completed.Inc()
		}
	}()

	if err := t.ctx.Err(); err != nil {
		t.result.Err = err
		return
	}
	t.result.Err = t.job.Run(t.ctx)
}

// Run executes jobs on the pool and waits for all of them. Results are in the same order as jobs. A job that could
// not be started because ctx ended reports ctx.Err().
func (p *Pool) Run(ctx context.Context, jobs []Job) ([]Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	results := make([]Result, len(jobs))
	var done sync.WaitGroup
	for i := range jobs {
		done.Add(1)
		t := &poolTask{ctx: ctx, job: jobs[i], result: &results[i], done: &done}
		select {
		case p.tasks <- t:
		case <-ctx.Done():
			results[i] = Result{ID: jobs[i].ID, Err: ctx.Err(), Worker: -1}
			done.Done()
		}
	}
	done.Wait()
	return results, nil
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) Workers() int {
	return p.workers
}

// Shutdown stops the workers after in-flight Run calls return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Swap(true) {
		return
	}
	close(p.closeCh)
	p.wg.Wait()
}

func (s PoolStats) String() string {
	return fmt.Sprintf("%s: workers=%d active=%d completed=%d failed=%d", s.Name, s.Workers, s.Active, s.Completed, s.Failed)
}
