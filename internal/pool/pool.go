// Package pool provides bounded-concurrency admission control for worker
// processes. Callers run their work on their own goroutine; the pool only
// decides when each caller may begin.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/zjrosen/ocmcp/internal/log"
)

// DefaultMaxConcurrent is the default number of workers allowed to run at once.
const DefaultMaxConcurrent = 5

// ErrPoolClosed is returned when admission is attempted on a closed pool.
var ErrPoolClosed = fmt.Errorf("process pool is closed")

// waiter is one queued admission request.
type waiter struct {
	ready   chan struct{}
	granted bool
}

// Pool is a FIFO admission gate.
//
// Work is admitted immediately while running < limit; otherwise the caller
// parks in a queue and is released in arrival order as slots free. Failures
// release the slot like successes and never disturb the queue.
type Pool struct {
	mu      sync.Mutex
	limit   int
	running int
	queue   []*waiter
	closed  bool
}

// Status is a point-in-time view of pool occupancy.
type Status struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"maxConcurrent"`
}

// New creates a pool admitting up to maxConcurrent callers at once.
// Values below 1 take the default.
func New(maxConcurrent int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Pool{limit: maxConcurrent}
}

// Acquire blocks until the caller holds a slot, the context is cancelled,
// or the pool closes. On success the returned release function must be
// called exactly once; it is safe to call from any goroutine.
func (p *Pool) Acquire(ctx context.Context) (release func(), err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.running < p.limit && len(p.queue) == 0 {
		p.running++
		p.mu.Unlock()
		return p.releaseFunc(), nil
	}

	w := &waiter{ready: make(chan struct{})}
	p.queue = append(p.queue, w)
	queued := len(p.queue)
	p.mu.Unlock()

	log.Debug(log.CatPool, "Admission queued", "queued", queued)

	select {
	case <-w.ready:
		p.mu.Lock()
		granted := w.granted
		p.mu.Unlock()
		if !granted {
			return nil, ErrPoolClosed
		}
		return p.releaseFunc(), nil
	case <-ctx.Done():
		p.mu.Lock()
		if w.granted {
			// The grant raced the cancellation; hand the slot back.
			p.releaseLocked()
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.removeWaiterLocked(w)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Execute admits fn through the pool and runs it on the calling goroutine.
// fn's error propagates to the caller; the slot is released either way.
func (p *Pool) Execute(ctx context.Context, fn func() error) error {
	release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// GetStatus reports current occupancy.
func (p *Pool) GetStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{Running: p.running, Queued: len(p.queue), MaxConcurrent: p.limit}
}

// SetPoolSize changes the concurrency limit. Raising it admits queued
// callers immediately; lowering it never preempts running work, the pool
// simply stops admitting until occupancy falls under the new limit.
func (p *Pool) SetPoolSize(n int) {
	if n < 1 {
		return
	}
	p.mu.Lock()
	old := p.limit
	p.limit = n
	p.admitLocked()
	p.mu.Unlock()

	if old != n {
		log.Info(log.CatPool, "Pool size changed", "from", old, "to", n)
	}
}

// Close rejects all queued callers with ErrPoolClosed and refuses new
// admissions. Running work is unaffected. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, w := range p.queue {
		close(w.ready)
	}
	p.queue = nil
}

// releaseFunc wraps releaseLocked in a sync.Once so double release from a
// confused caller cannot corrupt the count.
func (p *Pool) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.releaseLocked()
			p.mu.Unlock()
		})
	}
}

func (p *Pool) releaseLocked() {
	p.running--
	p.admitLocked()
}

// admitLocked grants slots to queue heads while capacity allows.
func (p *Pool) admitLocked() {
	for !p.closed && p.running < p.limit && len(p.queue) > 0 {
		w := p.queue[0]
		p.queue = p.queue[1:]
		p.running++
		w.granted = true
		close(w.ready)
	}
}

func (p *Pool) removeWaiterLocked(target *waiter) {
	for i, w := range p.queue {
		if w == target {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}
