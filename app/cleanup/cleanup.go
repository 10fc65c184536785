// Package cleanup runs scheduled retention sweeps over the in-memory job
// store and, when durable storage is available, over the database.
package cleanup

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// MemoryStore is the in-memory side of the sweep
type MemoryStore interface {
	Cleanup(olderThan time.Duration, requirePersisted bool) int
}

// DurableStore is the database side of the sweep
type DurableStore interface {
	Cleanup(ctx context.Context, days int) (int64, error)
}

// Service sweeps terminal jobs past their retention. The memory sweep keeps
// the status map bounded; the database sweep enforces the durable retention
// window. Manual sweeps via the http api reuse the same entry points.
type Service struct {
	Memory  MemoryStore
	Durable DurableStore // nil in degraded mode

	MemoryRetention time.Duration // terminal jobs younger than this are kept in memory
	RetentionDays   int           // durable retention in days, 0 disables the db sweep

	MemorySchedule   string // cron spec for the memory sweep, default @every 5m
	DatabaseSchedule string // cron spec for the db sweep, default @daily

	Degraded bool // without durable storage unpersisted terminal jobs are swept too
}

// Do schedules the sweeps and blocks until the context is canceled
func (s *Service) Do(ctx context.Context) error {
	if s.MemorySchedule == "" {
		s.MemorySchedule = "@every 5m"
	}
	if s.DatabaseSchedule == "" {
		s.DatabaseSchedule = "@daily"
	}

	c := cron.New()
	if _, err := c.AddFunc(s.MemorySchedule, func() { s.SweepMemory() }); err != nil {
		return fmt.Errorf("can't schedule memory sweep %q: %w", s.MemorySchedule, err)
	}

	if s.Durable != nil && s.RetentionDays > 0 {
		_, err := c.AddFunc(s.DatabaseSchedule, func() {
			if _, e := s.SweepDatabase(ctx); e != nil {
				log.Printf("[WARN] scheduled database sweep failed: %v", e)
			}
		})
		if err != nil {
			return fmt.Errorf("can't schedule database sweep %q: %w", s.DatabaseSchedule, err)
		}
		log.Printf("[INFO] cleanup started, memory sweep %q, database sweep %q (%dd retention)",
			s.MemorySchedule, s.DatabaseSchedule, s.RetentionDays)
	} else {
		log.Printf("[INFO] cleanup started, memory sweep %q, database sweep disabled", s.MemorySchedule)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Printf("[DEBUG] cleanup terminated")
	return ctx.Err()
}

// SweepMemory drops terminal jobs older than the memory retention. In normal
// mode only persisted jobs qualify; in degraded mode there is nothing to wait
// for and age alone decides.
func (s *Service) SweepMemory() int { return s.SweepMemoryOlderThan(s.MemoryRetention) }

// SweepMemoryOlderThan sweeps with an explicit age cutoff, used by manual
// cleanup requests overriding the configured retention
func (s *Service) SweepMemoryOlderThan(olderThan time.Duration) int {
	removed := s.Memory.Cleanup(olderThan, !s.Degraded)
	if removed > 0 {
		log.Printf("[INFO] memory sweep removed %d jobs", removed)
	}
	return removed
}

// SweepDatabase removes terminal records older than the retention window
func (s *Service) SweepDatabase(ctx context.Context) (int64, error) {
	if s.Durable == nil {
		return 0, fmt.Errorf("durable storage not available")
	}
	removed, err := s.Durable.Cleanup(ctx, s.RetentionDays)
	if err != nil {
		return 0, fmt.Errorf("database sweep failed: %w", err)
	}
	if removed > 0 {
		log.Printf("[INFO] database sweep removed %d records", removed)
	}
	return removed, nil
}
