package taskqueue

import "github.com/osjudge/osjudge/types"

// Sender interface is used to put jobs into the queue
type Sender interface {
	// Enqueue appends the job to the tail, it never blocks and never rejects
	Enqueue(types.Job)
}

// Receiver interface is used by the single consumer to take jobs from the queue
type Receiver interface {
	// Dequeue removes the head job, ok is false when the queue is empty
	Dequeue() (job types.Job, ok bool)

	// Ready returns a channel that receives a value after an enqueue,
	// so the consumer could wait between polls without spinning
	Ready() <-chan struct{}
}

// Queue provides a FIFO holding area for pending jobs
type Queue interface {
	Sender
	Receiver

	// Len returns the number of pending jobs
	Len() int
}
