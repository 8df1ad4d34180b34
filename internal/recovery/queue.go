// internal/recovery/queue.go
package recovery

import (
	"sort"
	"sync"
	"time"
)

// Item is one mint awaiting recovery.
type Item struct {
	Mint          string
	Priority      int
	Attempts      int
	LastAttemptAt time.Time
	AddedAt       time.Time
}

// Queue is the priority queue feeding the recovery workers. Items move from
// queued to in-flight when a worker takes a batch and leave on completion or
// after exhausting their retries.
type Queue struct {
	mu       sync.Mutex
	queue    []Item
	queued   map[string]bool
	inFlight map[string]Item
}

// NewQueue builds an empty queue.
func NewQueue() *Queue {
	return &Queue{
		queued:   make(map[string]bool),
		inFlight: make(map[string]Item),
	}
}

// Enqueue adds one item unless its mint is already queued or in flight.
// Returns whether the item was accepted.
func (q *Queue) Enqueue(mint string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued[mint] {
		return false
	}
	if _, busy := q.inFlight[mint]; busy {
		return false
	}

	q.queue = append(q.queue, Item{
		Mint:     mint,
		Priority: priority,
		AddedAt:  time.Now(),
	})
	q.queued[mint] = true
	return true
}

// NextBatch removes up to n items, highest priority first (stable among
// equals), and marks them in flight.
func (q *Queue) NextBatch(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.queue) == 0 {
		return nil
	}

	sort.SliceStable(q.queue, func(i, j int) bool {
		return q.queue[i].Priority > q.queue[j].Priority
	})

	if n > len(q.queue) {
		n = len(q.queue)
	}
	batch := make([]Item, n)
	copy(batch, q.queue[:n])
	q.queue = q.queue[n:]

	now := time.Now()
	for i := range batch {
		batch[i].Attempts++
		batch[i].LastAttemptAt = now
		delete(q.queued, batch[i].Mint)
		q.inFlight[batch[i].Mint] = batch[i]
	}
	return batch
}

// Done removes a completed item from the in-flight set.
func (q *Queue) Done(mint string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, mint)
}

// Failed records a failed attempt. The item re-queues at its old priority
// until it has been attempted maxRetries times, then it is dropped.
// Returns whether the item will be retried.
func (q *Queue) Failed(mint string, maxRetries int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.inFlight[mint]
	delete(q.inFlight, mint)
	if !ok || it.Attempts >= maxRetries {
		return false
	}

	q.queue = append(q.queue, it)
	q.queued[mint] = true
	return true
}

// Len returns the number of queued (not in-flight) items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// InFlight returns the number of items being worked on.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}
