// Package workpool runs blocking work on a fixed number of workers, serving
// the lowest priority value first.
package workpool

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned for work submitted to, or still queued in, a closed pool.
var ErrClosed = errors.New("worker pool closed")

type state int

const (
	queued state = iota
	running
	abandoned
)

type item struct {
	priority int64
	seq      uint64
	ctx      context.Context
	fn       func(context.Context) error
	state    state
	done     chan error
}

type queue []*item

func (q queue) Len() int { return len(q) }
func (q queue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x any)   { *q = append(*q, x.(*item)) }
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// Pool is a bounded priority worker pool. Equal priorities run in
// submission order.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	q       queue
	seq     uint64
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// New starts a pool with the given number of workers (at least one).
func New(workers int) *Pool {
	p := NewPaused(workers)
	p.Start()
	return p
}

// NewPaused returns a pool that queues work but runs nothing until Start.
func NewPaused(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Start lets the workers take queued work. It is a no-op on a running pool.
func (p *Pool) Start() {
	p.mu.Lock()
	p.started = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for (!p.started || len(p.q) == 0) && !p.closed {
			p.cond.Wait()
		}
		if len(p.q) == 0 {
			p.mu.Unlock()
			return
		}
		it := heap.Pop(&p.q).(*item)
		if it.state == abandoned {
			p.mu.Unlock()
			continue
		}
		it.state = running
		p.mu.Unlock()

		it.done <- it.fn(it.ctx)
	}
}

// Job is work submitted to a pool.
type Job struct {
	p   *Pool
	it  *item
	err error
}

// Submit queues fn without waiting for it. Use Wait for the result.
func (p *Pool) Submit(ctx context.Context, priority int64, fn func(context.Context) error) *Job {
	if err := ctx.Err(); err != nil {
		return &Job{err: err}
	}
	it := &item{priority: priority, ctx: ctx, fn: fn, done: make(chan error, 1)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return &Job{err: ErrClosed}
	}
	p.seq++
	it.seq = p.seq
	heap.Push(&p.q, it)
	p.cond.Signal()
	p.mu.Unlock()
	return &Job{p: p, it: it}
}

// Wait returns the error of the job's fn. If the job's context ends while fn
// is still queued, fn never runs and the context's error is returned. Once
// fn runs, Wait waits for it.
func (j *Job) Wait() error {
	if j.it == nil {
		return j.err
	}
	it := j.it
	select {
	case err := <-it.done:
		return err
	case <-it.ctx.Done():
	}
	j.p.mu.Lock()
	if it.state == queued {
		it.state = abandoned
		j.p.mu.Unlock()
		return it.ctx.Err()
	}
	j.p.mu.Unlock()
	return <-it.done
}

// Do runs fn on a worker and returns its error. fn receives ctx and should
// honour it.
func (p *Pool) Do(ctx context.Context, priority int64, fn func(context.Context) error) error {
	return p.Submit(ctx, priority, fn).Wait()
}

// Close drops queued work, waits for running work and stops the workers.
// Callers blocked in Do for dropped work get ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, it := range p.q {
		if it.state == queued {
			it.state = abandoned
			it.done <- ErrClosed
		}
	}
	p.q = nil
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Pending returns the number of queued items.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, it := range p.q {
		if it.state == queued {
			n++
		}
	}
	return n
}
