// Package status answers job status queries through two tiers: the in-memory
// store first, durable storage second. Presence in memory always wins, it
// reflects the most recent mutation.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rxlab/medq/app/persistence"
	"github.com/rxlab/medq/app/queue"
)

// ErrNotFound returned when neither tier holds the job id
var ErrNotFound = errors.New("job not found")

// resolution sources
const (
	SourceMemory   = "memory"
	SourceDatabase = "database"
)

// Memory is the first tier, the in-memory job store
type Memory interface {
	Get(id string) (queue.Job, bool)
}

// Durable is the second tier, the persistence adapter read path
type Durable interface {
	Get(ctx context.Context, jobID string) (persistence.Record, error)
}

// View is the externally visible job state with its resolution source
type View struct {
	JobID         string          `json:"job_id"`
	Status        queue.Status    `json:"status"`
	Source        string          `json:"source"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     time.Time       `json:"started_at,omitzero"`
	CompletedAt   time.Time       `json:"completed_at,omitzero"`
	ExecutionTime float64         `json:"execution_time,omitempty"` // seconds
	Input         json.RawMessage `json:"input,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Resolver implements the two-tier lookup. Durable may be nil in degraded
// mode, limiting resolution to the memory tier.
type Resolver struct {
	Memory  Memory
	Durable Durable
}

// Resolve checks the memory tier first and falls back to durable storage.
// Returns ErrNotFound when neither tier holds the id; any other error is a
// transient durable lookup failure.
func (r *Resolver) Resolve(ctx context.Context, jobID string) (View, error) {
	if job, found := r.Memory.Get(jobID); found {
		return viewFromJob(job), nil
	}

	if r.Durable == nil {
		return View{}, ErrNotFound
	}

	rec, err := r.Durable.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return View{}, ErrNotFound
		}
		return View{}, fmt.Errorf("durable lookup for %s failed: %w", jobID, err)
	}
	return viewFromRecord(rec), nil
}

func viewFromJob(job queue.Job) View {
	return View{
		JobID:         job.ID,
		Status:        job.Status,
		Source:        SourceMemory,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		ExecutionTime: job.ExecutionTime().Seconds(),
		Input:         job.Request,
		Result:        job.Result,
		Error:         job.Error,
	}
}

func viewFromRecord(rec persistence.Record) View {
	return View{
		JobID:         rec.JobID,
		Status:        rec.Status,
		Source:        SourceDatabase,
		CreatedAt:     rec.CreatedAt,
		StartedAt:     rec.StartedAt,
		CompletedAt:   rec.CompletedAt,
		ExecutionTime: rec.ExecutionTime,
		Input:         rec.InputData,
		Result:        rec.ResultData,
		Error:         rec.ErrorMessage,
	}
}
