package persistence

import (
	"context"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/rxlab/medq/app/queue"
)

// ResultStore is the sync write side of the durable store consumed by Writer
type ResultStore interface {
	Save(ctx context.Context, rec Record) error
}

// Repeater retries failed saves with backoff
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// Writer is the asynchronous persistence path. Workers hand finished jobs to
// Submit and continue immediately; a small fixed set of consumers drains the
// channel and writes through the store, retrying transient failures with
// capped backoff before giving up with a logged warning. At-least-once
// delivery to storage is the goal, not a guarantee.
type Writer struct {
	store    ResultStore
	repeater Repeater
	onSaved  func(jobID string)
	ch       chan queue.Job
	workers  int
}

// WriterParams configures the async write path
type WriterParams struct {
	QueueSize   int                // pending request buffer, default 1000
	Concurrency int                // consumer count, default 1 (preserves per-job order)
	Repeater    Repeater           // retry strategy, default backoff 3 attempts
	OnSaved     func(jobID string) // called after each confirmed save, optional
}

// NewWriter creates the async writer for the given store
func NewWriter(store ResultStore, params WriterParams) *Writer {
	size := params.QueueSize
	if size <= 0 {
		size = 1000
	}
	workers := params.Concurrency
	if workers <= 0 {
		workers = 1
	}
	rptr := params.Repeater
	if rptr == nil {
		rptr = repeater.New(&strategy.Backoff{Repeats: 3, Duration: time.Second, Factor: 3, Jitter: true})
	}
	return &Writer{
		store:    store,
		repeater: rptr,
		onSaved:  params.OnSaved,
		ch:       make(chan queue.Job, size),
		workers:  workers,
	}
}

// Submit queues a finished job for persistence without blocking the caller.
// If the buffer is full the request is dropped with a warning; the in-memory
// record remains authoritative until its retention expires.
func (w *Writer) Submit(job queue.Job) {
	select {
	case w.ch <- job:
	default:
		log.Printf("[WARN] persistence queue full, dropping write for job %s", job.ID)
	}
}

// Pending returns the number of queued write requests
func (w *Writer) Pending() int {
	return len(w.ch)
}

// Run consumes the write queue until the context is canceled, then flushes
// whatever is already buffered. Blocks until all consumers are done.
func (w *Writer) Run(ctx context.Context) {
	log.Printf("[INFO] persistence writer started, concurrency=%d buffer=%d", w.workers, cap(w.ch))
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	wg.Wait()
	log.Printf("[INFO] persistence writer stopped")
}

func (w *Writer) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case job := <-w.ch:
			w.save(ctx, job)
		}
	}
}

// flush drains already-buffered requests after shutdown started, each with
// its own bounded context and no retries
func (w *Writer) flush() {
	for {
		select {
		case job := <-w.ch:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.store.Save(ctx, MakeRecord(job)); err != nil {
				log.Printf("[WARN] failed to flush job %s on shutdown: %v", job.ID, err)
			} else if w.onSaved != nil {
				w.onSaved(job.ID)
			}
			cancel()
		default:
			return
		}
	}
}

func (w *Writer) save(ctx context.Context, job queue.Job) {
	rec := MakeRecord(job)
	err := w.repeater.Do(ctx, func() error {
		return w.store.Save(ctx, rec)
	})
	if err != nil {
		log.Printf("[WARN] giving up on persisting job %s: %v", job.ID, err)
		return
	}
	log.Printf("[DEBUG] persisted job %s (%s)", job.ID, job.Status)
	if w.onSaved != nil {
		w.onSaved(job.ID)
	}
}
