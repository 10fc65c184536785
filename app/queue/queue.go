package queue

import (
	"sync"
)

// Queue is an unbounded FIFO intake buffer between submission and execution.
// Enqueue never blocks the submitter; Dequeue blocks the calling worker until
// a job id is available or the queue is closed. Each id is delivered to
// exactly one worker.
//
// The queue is unbounded on purpose: submission backpressure is handled
// upstream by the web layer (rate limit and memory-pressure check) instead of
// rejecting on depth here.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ids    []string
	closed bool
}

// NewQueue creates an empty open queue
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue places a job id at the tail. Returns false if the queue is closed.
func (q *Queue) Enqueue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.ids = append(q.ids, id)
	q.cond.Signal()
	return true
}

// Dequeue blocks until a job id is available or the queue is closed.
// The second return is false when the queue is closed and drained,
// signaling the worker to terminate.
func (q *Queue) Dequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.ids) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

// Close marks the queue closed and wakes all blocked workers.
// Already queued ids are still delivered before Dequeue starts returning false.
// Safe to call multiple times.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the current queue depth
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Position returns the 1-based position of the id in the queue, 0 if not queued
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, v := range q.ids {
		if v == id {
			return i + 1
		}
	}
	return 0
}
