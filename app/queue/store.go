package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store is the in-memory job record store, authoritative for active and
// recent jobs. All reads and status-mutating writes are individually atomic:
// a single mutex guards the map and every method returns copies, so readers
// never observe a partially written record. The guard is never held across
// any I/O call.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// Stats holds counters for the memory tier and the queue
type Stats struct {
	TotalJobs  int `json:"total_jobs"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{jobs: make(map[string]*Job)}
}

// Put adds a new job record. Fails if the id is already present.
func (s *Store) Put(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.jobs[job.ID]; found {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = &job
	return nil
}

// Get returns a copy of the job record
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, found := s.jobs[id]
	if !found {
		return Job{}, false
	}
	return *job, true
}

// MarkProcessing transitions a queued job to processing and sets started_at.
// Rejects any other transition, the lifecycle is one-directional.
func (s *Store) MarkProcessing(id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status != StatusQueued {
		return fmt.Errorf("job %s is %s, can't move to processing", id, job.Status)
	}
	job.Status = StatusProcessing
	job.StartedAt = ts
	return nil
}

// Complete transitions a processing job to completed with its result payload
func (s *Store) Complete(id string, result json.RawMessage, ts time.Time) error {
	return s.finish(id, StatusCompleted, result, "", ts)
}

// Fail transitions a processing job to failed with an error detail
func (s *Store) Fail(id string, errMsg string, ts time.Time) error {
	return s.finish(id, StatusFailed, nil, errMsg, ts)
}

func (s *Store) finish(id string, status Status, result json.RawMessage, errMsg string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return fmt.Errorf("job %s not found", id)
	}
	if job.Status != StatusProcessing {
		return fmt.Errorf("job %s is %s, can't move to %s", id, job.Status, status)
	}
	job.Status = status
	job.Result = result
	job.Error = errMsg
	job.CompletedAt = ts
	return nil
}

// SetPersisted marks the job as durably saved. Called by the async writer
// after a successful upsert; no-op if the record already left the memory tier.
func (s *Store) SetPersisted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, found := s.jobs[id]; found {
		job.Persisted = true
	}
}

// Stats returns counters by status for all records in the memory tier
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := Stats{TotalJobs: len(s.jobs)}
	for _, job := range s.jobs {
		switch job.Status {
		case StatusQueued:
			res.Queued++
		case StatusProcessing:
			res.Processing++
		case StatusCompleted:
			res.Completed++
		case StatusFailed:
			res.Failed++
		}
	}
	return res
}

// Cleanup removes terminal jobs whose completion is older than the given age.
// With requirePersisted set, only records confirmed by the async writer are
// dropped; without it (degraded mode) age alone decides. Jobs still queued or
// processing are never eligible. Returns the number of removed records.
// Idempotent and safe to call concurrently with ongoing executions.
func (s *Store) Cleanup(olderThan time.Duration, requirePersisted bool) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if job.CompletedAt.After(cutoff) {
			continue
		}
		if requirePersisted && !job.Persisted {
			continue
		}
		delete(s.jobs, id)
		removed++
	}
	return removed
}

// Len returns the number of records currently held in memory
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
