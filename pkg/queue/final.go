package queue

import (
	"sync"

	"github.com/lokutor-ai/lokutor-stream/pkg/job"
)

// Final is a strictly FIFO queue of final jobs. Finals are never
// coalesced or dropped.
type Final struct {
	mu    sync.Mutex
	items []job.Job
}

// NewFinal returns an empty final queue.
func NewFinal() *Final {
	return &Final{}
}

// Push appends j to the back of the queue.
func (q *Final) Push(j job.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, j)
}

// Pop removes and returns the job at the front of the queue. Returns
// ok=false if the queue is empty.
func (q *Final) Pop() (j job.Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return job.Job{}, false
	}
	j = q.items[0]
	q.items = q.items[1:]
	return j, true
}

// Len reports the number of queued final jobs.
func (q *Final) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
