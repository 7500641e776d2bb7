package ratelimit

import (
	"container/heap"
	"sync"

	"conductor/internal/domain"
)

// Priority orders queued requests when the queue runs in priority mode.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Mode selects the queue ordering discipline.
type Mode string

const (
	ModeFIFO     Mode = "fifo"
	ModePriority Mode = "priority"
)

// Request is one queued dispatch waiting for rate-limiter admission.
type Request struct {
	ActionID domain.ActionID
	AgentID  string
	Priority Priority

	attempts int
	seq      uint64 // insertion order, tie-breaker within a priority
}

// Attempts returns how many times this request has been re-enqueued.
func (r *Request) Attempts() int { return r.attempts }

// Queue orders pending requests FIFO or by priority. Higher-priority
// requests dequeue ahead of lower-priority ones submitted earlier. The
// queue drains only as fast as the rate limiter admits.
type Queue struct {
	mu         sync.Mutex
	mode       Mode
	maxRequeue int
	items      requestHeap
	nextSeq    uint64
}

// NewQueue creates a queue. maxRequeue bounds how many times a failed
// dispatch may be re-enqueued before it is dropped as permanently failed.
func NewQueue(mode Mode, maxRequeue int) *Queue {
	return &Queue{mode: mode, maxRequeue: maxRequeue}
}

// Enqueue adds a request to the queue.
func (q *Queue) Enqueue(req *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(req)
}

// Dequeue removes and returns the next request, or nil when empty.
func (q *Queue) Dequeue() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Request)
}

// Requeue puts a failed dispatch back on the queue. It returns false when
// the request has exhausted its re-enqueue budget and was dropped.
func (q *Queue) Requeue(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	req.attempts++
	if req.attempts > q.maxRequeue {
		return false
	}
	q.push(req)
	return true
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) push(req *Request) {
	req.seq = q.nextSeq
	q.nextSeq++
	if q.mode != ModePriority {
		req.Priority = PriorityMedium // FIFO: flatten priorities, seq decides
	}
	heap.Push(&q.items, req)
}

// requestHeap orders by priority descending, then insertion order.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*Request)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
