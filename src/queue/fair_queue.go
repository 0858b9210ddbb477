package queue

import (
	"time"

	"github.com/trellis-network/trellis/src/common"
)

//FairQueue is a bounded, weighted round-robin dispatcher over per-source
//FIFOs. Producers push (request, source) pairs; one consumer pops them one
//at a time or in batches. Each source queue is served for up to its priority
//before the cursor advances, so a burst on a low-priority source cannot
//starve the others. Weight is applied by counter, not timing, keeping pops
//O(1) amortised.
//
//FairQueue is not safe for concurrent use; the owning component guards it
//with its own mutex.
type FairQueue[R any, S comparable] struct {
	//MaxSize returns the FIFO capacity for a source. Consulted once, when
	//the source's FIFO is created.
	MaxSize func(S) int

	//Priority returns the round-robin weight for a source. Consulted once,
	//when the source's FIFO is created.
	Priority func(S) int

	//Alive reports whether a source should survive PeriodicCleanup. Nil
	//keeps every source forever.
	Alive func(S) bool

	queues map[S]*fifo[R]
	order  []S
	cursor int
	count  int

	lastCleanup time.Time
}

type fifo[R any] struct {
	requests []R
	priority int
	maxSize  int
}

func (f *fifo[R]) push(r R) bool {
	if len(f.requests) >= f.maxSize {
		return false
	}
	f.requests = append(f.requests, r)
	return true
}

func (f *fifo[R]) pop() R {
	r := f.requests[0]
	f.requests = f.requests[1:]
	return r
}

//Item is one popped (request, source) pair
type Item[R any, S comparable] struct {
	Request R
	Source  S
}

func NewFairQueue[R any, S comparable](maxSize func(S) int, priority func(S) int) *FairQueue[R, S] {
	return &FairQueue[R, S]{
		MaxSize:  maxSize,
		Priority: priority,
		queues:   make(map[S]*fifo[R]),
	}
}

//Push appends a request to its source FIFO, creating the FIFO on first use.
//Returns false when the FIFO is at capacity and the request was dropped.
func (q *FairQueue[R, S]) Push(r R, s S) bool {
	f, ok := q.queues[s]
	if !ok {
		f = &fifo[R]{
			maxSize:  q.MaxSize(s),
			priority: q.Priority(s),
		}
		q.queues[s] = f
		q.order = append(q.order, s)
	}
	return f.push(r)
}

//Empty reports whether no source holds a request
func (q *FairQueue[R, S]) Empty() bool {
	for _, f := range q.queues {
		if len(f.requests) > 0 {
			return false
		}
	}
	return true
}

//Size returns the number of queued requests for one source
func (q *FairQueue[R, S]) Size(s S) int {
	if f, ok := q.queues[s]; ok {
		return len(f.requests)
	}
	return 0
}

//TotalSize returns the number of queued requests across all sources
func (q *FairQueue[R, S]) TotalSize() int {
	total := 0
	for _, f := range q.queues {
		total += len(f.requests)
	}
	return total
}

//QueuesSize returns the number of per-source FIFOs
func (q *FairQueue[R, S]) QueuesSize() int {
	return len(q.queues)
}

//Clear drops every FIFO
func (q *FairQueue[R, S]) Clear() {
	q.queues = make(map[S]*fifo[R])
	q.order = nil
	q.cursor = 0
	q.count = 0
}

//Next pops the next request according to the round-robin weighting. The
//queue must not be empty; callers check Empty first.
func (q *FairQueue[R, S]) Next() (R, S) {
	if q.Empty() {
		panic("fair queue: Next called on empty queue")
	}

	if q.shouldSeek() {
		q.seekNext()
	}

	s := q.order[q.cursor]
	f := q.queues[s]

	q.count++
	return f.pop(), s
}

//PopFrom pops the next request of one specific source, bypassing the
//round-robin weighting. Returns false when that source is empty.
func (q *FairQueue[R, S]) PopFrom(s S) (R, bool) {
	f, ok := q.queues[s]
	if !ok || len(f.requests) == 0 {
		var zero R
		return zero, false
	}
	return f.pop(), true
}

//NextBatch pops up to max requests
func (q *FairQueue[R, S]) NextBatch(max int) []Item[R, S] {
	var result []Item[R, S]
	for !q.Empty() && len(result) < max {
		r, s := q.Next()
		result = append(result, Item[R, S]{Request: r, Source: s})
	}
	return result
}

func (q *FairQueue[R, S]) shouldSeek() bool {
	if q.cursor >= len(q.order) {
		return true
	}
	f := q.queues[q.order[q.cursor]]
	if len(f.requests) == 0 {
		return true
	}
	//Allow up to `priority` requests to be served before moving on
	if q.count >= f.priority {
		return true
	}
	return false
}

func (q *FairQueue[R, S]) seekNext() {
	q.count = 0
	for {
		q.cursor++
		if q.cursor >= len(q.order) {
			q.cursor = 0
		}
		if len(q.queues[q.order[q.cursor]].requests) > 0 {
			return
		}
	}
}

//PeriodicCleanup erases FIFOs whose source is no longer alive. It runs at
//most once per interval and invalidates the round-robin cursor when it does.
//Returns true when a sweep actually ran.
func (q *FairQueue[R, S]) PeriodicCleanup(interval time.Duration) bool {
	if time.Since(q.lastCleanup) < interval {
		return false
	}
	q.lastCleanup = time.Now()
	q.cleanup()
	return true
}

func (q *FairQueue[R, S]) cleanup() {
	if q.Alive == nil {
		return
	}

	//Invalidate the cursor; seekNext restarts from the beginning
	q.cursor = len(q.order)
	q.count = 0

	order := q.order[:0]
	for _, s := range q.order {
		if q.Alive(s) {
			order = append(order, s)
		} else {
			delete(q.queues, s)
		}
	}
	q.order = order
}

//ContainerInfo implements common.ContainerInfoProvider
func (q *FairQueue[R, S]) ContainerInfo() common.ContainerInfo {
	return common.ContainerInfo{
		Name: "fair_queue",
		Children: []common.ContainerInfo{
			{Name: "queues", Count: q.QueuesSize()},
			{Name: "total_size", Count: q.TotalSize()},
		},
	}
}
