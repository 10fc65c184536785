// Package queue implements the in-memory side of the analysis pipeline:
// the job model, the FIFO intake queue, the authoritative in-memory store
// for active and recent jobs, and the worker pool executing them.
package queue

import (
	"encoding/json"
	"time"
)

// Job is a single unit of analysis work tracked through its status lifecycle.
// The in-memory store is the authority for a job until it is persisted and
// its retention window expires.
type Job struct {
	ID          string
	Status      Status
	Request     json.RawMessage // submission payload, opaque to the queue
	Result      json.RawMessage // set only on completed
	Error       string          // set only on failed
	CreatedAt   time.Time
	StartedAt   time.Time // zero until the job is picked by a worker
	CompletedAt time.Time // zero until the job reaches a terminal state
	Persisted   bool      // set by the async writer after a successful save
}

// ExecutionTime returns the duration between start and completion,
// zero if the job has not finished yet
func (j *Job) ExecutionTime() time.Duration {
	if j.StartedAt.IsZero() || j.CompletedAt.IsZero() {
		return 0
	}
	return j.CompletedAt.Sub(j.StartedAt)
}
