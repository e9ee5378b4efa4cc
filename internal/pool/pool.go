// Package pool implements the priority worker pool: a fixed-size set of
// goroutines draining a min-heap of pending jobs ordered by
// (priority, submission order), with an approximate pending-count probe
// used by the chunking fetcher as its sole backpressure signal.
//
// The heap idiom is grounded on the teacher's crawl frontier
// (container/heap priority queue guarded by a mutex); goroutine lifecycle
// is handed to sourcegraph/conc so a panicking job can't silently wedge
// the pool.
package pool

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc/pool"
)

// Job is one unit of work submitted to the Pool. Run is invoked by a
// worker goroutine; its return value is delivered on the Pool's
// completion channel.
type Job struct {
	Priority int
	Run      func() any
}

type pqItem struct {
	job   Job
	seq   uint64
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].job.Priority != pq[j].job.Priority {
		return pq[i].job.Priority < pq[j].job.Priority
	}
	return pq[i].seq < pq[j].seq // ties broken by submission order
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// Pool is a fixed-size worker pool whose pending jobs are dispatched in
// priority order. Shutdown is non-blocking: in-flight work finishes but
// queued work is dropped.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pq       priorityQueue
	seq      uint64
	closed   bool
	pending  atomic.Int64
	results  chan any
	conc     *pool.Pool
}

// New creates a Pool with maxWorkers goroutines draining the heap.
func New(maxWorkers int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &Pool{
		results: make(chan any, maxWorkers*4),
		conc:    pool.New().WithMaxGoroutines(maxWorkers),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < maxWorkers; i++ {
		p.conc.Go(p.worker)
	}
	return p
}

// Submit enqueues a job at the given priority. Safe for concurrent use,
// though in this engine only the scheduler goroutine ever calls it.
func (p *Pool) Submit(priority int, run func() any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.seq++
	heap.Push(&p.pq, &pqItem{job: Job{Priority: priority, Run: run}, seq: p.seq})
	p.pending.Add(1)
	p.cond.Signal()
}

// Pending returns the approximate number of jobs not yet started. This is
// the engine's only backpressure signal.
func (p *Pool) Pending() int {
	return int(p.pending.Load())
}

// Results returns the channel completions are delivered on. The caller
// (the scheduler goroutine) must be the only reader.
func (p *Pool) Results() <-chan any {
	return p.results
}

// Shutdown stops accepting new work and unblocks idle workers without
// waiting for queued-but-unstarted jobs to run.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.pq = nil
	p.pending.Store(0)
	p.cond.Broadcast()
	p.mu.Unlock()
	go func() {
		p.conc.Wait()
		close(p.results)
	}()
}

func (p *Pool) worker() {
	for {
		job, ok := p.dequeue()
		if !ok {
			return
		}
		p.pending.Add(-1)
		result := job.Run()
		p.results <- result
	}
}

func (p *Pool) dequeue() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pq.Len() == 0 {
		if p.closed {
			return Job{}, false
		}
		p.cond.Wait()
	}
	item := heap.Pop(&p.pq).(*pqItem)
	return item.job, true
}
