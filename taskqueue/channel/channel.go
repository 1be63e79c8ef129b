package channel

import (
	"sync"

	"github.com/osjudge/osjudge/taskqueue"
	"github.com/osjudge/osjudge/types"
)

var _ taskqueue.Queue = &Queue{}

const initSize = 16

// Queue implements an unbounded taskqueue guarded by a mutex
// and signalled through a go channel
type Queue struct {
	mu    sync.Mutex
	jobs  []types.Job
	ready chan struct{}
}

// New creates new empty Queue
func New() *Queue {
	return &Queue{
		jobs:  make([]types.Job, 0, initSize),
		ready: make(chan struct{}, 1),
	}
}

// Enqueue puts job into the tail of the queue
func (q *Queue) Enqueue(j types.Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	// coalesce notifications, one pending signal is enough for a single consumer
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the head of the queue
func (q *Queue) Dequeue() (types.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return types.Job{}, false
	}
	j := q.jobs[0]
	q.jobs[0] = types.Job{}
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// release the drained backing array
		q.jobs = make([]types.Job, 0, initSize)
	}
	return j, true
}

// Ready returns the underlying notification channel
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of pending jobs
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
