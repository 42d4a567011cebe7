package mapbox

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent bounds in-flight requests to the remote API
const DefaultMaxConcurrent = 5

// requestQueue admits at most max concurrent requests. The weighted
// semaphore serves waiters in FIFO order.
type requestQueue struct {
	sem     *semaphore.Weighted
	max     int64
	active  atomic.Int64
	waiting atomic.Int64
}

func newRequestQueue(max int) *requestQueue {
	if max < 1 {
		max = DefaultMaxConcurrent
	}
	return &requestQueue{sem: semaphore.NewWeighted(int64(max)), max: int64(max)}
}

// Acquire blocks until a slot is free or ctx is done
func (q *requestQueue) Acquire(ctx context.Context) error {
	q.waiting.Add(1)
	err := q.sem.Acquire(ctx, 1)
	q.waiting.Add(-1)
	if err != nil {
		return err
	}
	q.active.Add(1)
	return nil
}

// Release frees a slot taken by Acquire
func (q *requestQueue) Release() {
	q.active.Add(-1)
	q.sem.Release(1)
}

// QueueStats is a snapshot of the request queue
type QueueStats struct {
	Active  int64 `json:"active"`
	Waiting int64 `json:"waiting"`
	Max     int64 `json:"max"`
}

func (q *requestQueue) Stats() QueueStats {
	return QueueStats{Active: q.active.Load(), Waiting: q.waiting.Load(), Max: q.max}
}
