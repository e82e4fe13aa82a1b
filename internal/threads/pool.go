// Package threads runs tasks on fixed-size worker pools. Each task borrows a
// request handle for its duration and returns an integer status: zero or a
// positive byte count on success, a negative errno on failure.
package threads

import (
	"sync"
	"syscall"

	"github.com/objectfuse/objectfuse/internal/request"
)

// Task is the unit of work. The request handle is owned by the task until it
// returns.
type Task func(r *request.Request) int

// StatusInterrupted is returned by handles posted to a terminated pool.
const StatusInterrupted = -int(syscall.EINTR)

// Handle tracks a posted task.
type Handle struct {
	done   chan struct{}
	status int
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) complete(status int) {
	h.status = status
	close(h.done)
}

// Wait blocks until the task returns and yields its status.
func (h *Handle) Wait() int {
	<-h.done
	return h.status
}

type queued struct {
	fn     Task
	handle *Handle
}

// Pool is one named queue with a fixed worker set. Tasks dispatch in FIFO
// submission order; completion order is unconstrained.
type Pool struct {
	name     string
	requests *request.Pool

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []queued
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts workers goroutines serving the queue, each borrowing
// request handles from requests.
func NewPool(name string, workers int, requests *request.Pool) *Pool {
	if workers <= 0 {
		workers = 8
	}

	p := &Pool{
		name:     name,
		requests: requests,
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Name returns the queue name.
func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}

		if len(p.queue) == 0 {
			// closed and drained
			p.mu.Unlock()
			return
		}

		item := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		req := p.requests.Get()
		status := item.fn(req)
		p.requests.Put(req)

		item.handle.complete(status)
	}
}

// Post enqueues a task and returns its handle. After Terminate the handle is
// already completed with StatusInterrupted.
func (p *Pool) Post(fn Task) *Handle {
	h := newHandle()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.complete(StatusInterrupted)
		return h
	}

	p.queue = append(p.queue, queued{fn: fn, handle: h})
	p.mu.Unlock()

	p.cond.Signal()

	return h
}

// Call runs a task and blocks for its status.
func (p *Pool) Call(fn Task) int {
	return p.Post(fn).Wait()
}

// CallAsync enqueues a task, discarding its status.
func (p *Pool) CallAsync(fn Task) {
	p.Post(fn)
}

// Terminate drains the queue: pending tasks complete, new posts are
// interrupted, workers join.
func (p *Pool) Terminate() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cond.Broadcast()
	p.wg.Wait()
}
