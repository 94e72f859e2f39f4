// Package pool runs tasks on a fixed set of workers. Work is submitted through
// a Batch, which is a fork/join handle: Go forks, Wait joins. A task running on
// a worker may itself open a Batch and wait on it. Such nested tasks go to the
// foreground queue, which workers drain first, or run inline on the calling
// worker when no worker is idle. That way a nested Wait never blocks on a task
// that no worker is free to run, and the pool never runs more than its
// configured number of tasks at once.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/aceeric/ocisync/impl/metrics"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ErrClosed is returned when a task is submitted to a closed pool
var ErrClosed = errors.New("pool is closed")

// Task is a unit of work. The context passed to the task marks it as running on
// a worker of the pool, so a task must pass the context it receives to any
// Batch it opens.
type Task func(ctx context.Context) error

// workerKey marks a context as belonging to a task running on a worker. The
// value is the pool.
type workerKey struct{}

type job struct {
	ctx  context.Context
	task Task
	done func(error)
}

// Pool is a fixed set of workers consuming a foreground and a background FIFO.
type Pool struct {
	mu        sync.Mutex
	cond      *sync.Cond
	fg        []job
	bg        []job
	workers   int
	idle      int
	busy      int
	highWater int
	closed    bool
	wg        sync.WaitGroup
}

// New starts a pool with the passed number of workers. If workers is less than
// one, then twice the number of CPUs is used.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 2 * runtime.NumCPU()
	}
	p := &Pool{workers: workers}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for range workers {
		go p.work()
	}
	log.Debugf("started worker pool with %d workers", workers)
	return p
}

// Workers returns the number of workers
func (p *Pool) Workers() int {
	if p == nil {
		return 0
	}
	return p.workers
}

// HighWater returns the largest number of tasks that ran at the same time
func (p *Pool) HighWater() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.highWater
}

// Close stops accepting tasks from outside the pool, waits for both queues to
// drain, and joins the workers. Close is safe to call more than once.
func (p *Pool) Close() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// work is the worker loop. Foreground jobs are preferred. A worker exits only
// when the pool is closed and both queues are empty.
func (p *Pool) work() {
	defer p.wg.Done()
	p.mu.Lock()
	for {
		var j job
		switch {
		case len(p.fg) > 0:
			j, p.fg = p.fg[0], p.fg[1:]
		case len(p.bg) > 0:
			j, p.bg = p.bg[0], p.bg[1:]
		case p.closed:
			p.mu.Unlock()
			return
		default:
			p.idle++
			p.cond.Wait()
			p.idle--
			continue
		}
		p.started()
		p.mu.Unlock()
		j.done(j.task(context.WithValue(j.ctx, workerKey{}, p)))
		p.mu.Lock()
		p.finished()
	}
}

// started and finished track busy workers and must be called with the lock held
func (p *Pool) started() {
	p.busy++
	p.highWater = max(p.highWater, p.busy)
	metrics.SetWorkersBusy(float64(p.busy))
}

func (p *Pool) finished() {
	p.busy--
	metrics.SetWorkersBusy(float64(p.busy))
}

// submit queues the job or, if the caller is a worker and no worker is free to
// take a foreground job, returns false so the caller runs the job inline.
func (p *Pool) submit(j job) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	onWorker := j.ctx.Value(workerKey{}) == p
	// tasks being drained may still fork
	if p.closed && !onWorker {
		return false, ErrClosed
	}
	if onWorker {
		// each queued foreground job has an idle worker to run it
		if p.idle-len(p.fg) <= 0 {
			return false, nil
		}
		p.fg = append(p.fg, j)
	} else {
		p.bg = append(p.bg, j)
	}
	p.cond.Signal()
	return true, nil
}

// Batch is a fork/join handle over a pool. The zero value is not usable: get
// one from NewBatch.
type Batch struct {
	pool *Pool
	wg   sync.WaitGroup
	mu   sync.Mutex
	err  error
}

// NewBatch returns a Batch that submits to the pool. A batch from a nil pool
// runs each task inline in Go.
func (p *Pool) NewBatch() *Batch {
	return &Batch{pool: p}
}

// Go submits the task. Tasks submitted from outside the pool go to the
// background queue. Tasks submitted from a task running on the pool go to the
// foreground queue, or run inline before Go returns if no worker is idle. The
// only error returned is ErrClosed. Task errors are returned by Wait.
func (b *Batch) Go(ctx context.Context, task Task) error {
	b.wg.Add(1)
	if b.pool == nil {
		b.done(task(ctx))
		return nil
	}
	queued, err := b.pool.submit(job{ctx: ctx, task: task, done: b.done})
	switch {
	case err != nil:
		b.wg.Done()
		return err
	case !queued:
		b.done(task(ctx))
	}
	return nil
}

func (b *Batch) done(err error) {
	if err != nil {
		b.mu.Lock()
		b.err = multierr.Append(b.err, err)
		b.mu.Unlock()
	}
	b.wg.Done()
}

// Wait blocks until every task submitted to the batch has finished and returns
// their errors combined. Use multierr.Errors to split them.
func (b *Batch) Wait() error {
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
