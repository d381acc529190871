// Package queue holds the two job queues the scheduler drains: a
// coalescing, one-slot-per-connection queue for interim jobs, and a
// strict FIFO for final jobs.
package queue

import (
	"sync"

	"github.com/lokutor-ai/lokutor-stream/pkg/job"
)

// Coalescing is a mapping from conn_id to a single pending interim Job.
// put replaces (never appends) an existing entry for the same connection;
// PopOldest removes and returns the entry with the smallest CreatedAt,
// breaking ties by Seq (insertion order).
type Coalescing struct {
	mu      sync.Mutex
	entries map[string]job.Job
}

// NewCoalescing returns an empty coalescing queue.
func NewCoalescing() *Coalescing {
	return &Coalescing{entries: make(map[string]job.Job)}
}

// Put inserts j, silently replacing and dropping any prior job queued for
// the same connection; interims are stateless snapshots, so only the
// newest matters. Reports replaced=true when a not-yet-dispatched job was
// overwritten, so callers can record it as coalesced.
func (q *Coalescing) Put(j job.Job) (replaced bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, replaced = q.entries[j.ConnID]
	q.entries[j.ConnID] = j
	return replaced
}

// PopOldest removes and returns the queued job with the smallest
// CreatedAt (ties broken by Seq). Returns ok=false if the queue is empty.
func (q *Coalescing) PopOldest() (j job.Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var bestConn string
	found := false
	for conn, cand := range q.entries {
		if !found || job.Less(cand, j) {
			j = cand
			bestConn = conn
			found = true
		}
	}
	if !found {
		return job.Job{}, false
	}
	delete(q.entries, bestConn)
	return j, true
}

// Len reports the number of connections with a pending interim.
func (q *Coalescing) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Drop removes any pending interim for connID without returning it. Used
// when a connection closes and its scheduled work should not run.
func (q *Coalescing) Drop(connID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, connID)
}
