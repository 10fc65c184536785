package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxlab/medq/app/queue"
)

type fakeResultStore struct {
	mu    sync.Mutex
	saved []Record
	err   error
	block chan struct{} // if set, Save waits on it
}

func (f *fakeResultStore) Save(_ context.Context, rec Record) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeResultStore) records() []Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Record(nil), f.saved...)
}

// passRepeater invokes the function once, no retries
type passRepeater struct{ calls atomic.Int32 }

func (r *passRepeater) Do(_ context.Context, fun func() error, _ ...error) error {
	r.calls.Add(1)
	return fun()
}

func TestWriter_SavesSubmittedJobs(t *testing.T) {
	store := &fakeResultStore{}
	var savedIDs []string
	var mu sync.Mutex
	w := NewWriter(store, WriterParams{
		QueueSize: 10,
		Repeater:  &passRepeater{},
		OnSaved: func(jobID string) {
			mu.Lock()
			savedIDs = append(savedIDs, jobID)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	w.Submit(queue.Job{ID: "j1", Status: queue.StatusCompleted})
	w.Submit(queue.Job{ID: "j2", Status: queue.StatusFailed})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(savedIDs) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	recs := store.records()
	require.Len(t, recs, 2)
	assert.Equal(t, "j1", recs[0].JobID)
	assert.Equal(t, "j2", recs[1].JobID)
	mu.Lock()
	assert.Equal(t, []string{"j1", "j2"}, savedIDs)
	mu.Unlock()
}

func TestWriter_SubmitNeverBlocks(t *testing.T) {
	store := &fakeResultStore{block: make(chan struct{})}
	w := NewWriter(store, WriterParams{QueueSize: 1, Repeater: &passRepeater{}})
	// no consumer running, buffer holds one

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			w.Submit(queue.Job{ID: "j", Status: queue.StatusCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submit blocked on a full buffer")
	}
	assert.Equal(t, 1, w.Pending(), "overflow dropped, not queued")
}

func TestWriter_GivesUpAfterRetries(t *testing.T) {
	store := &fakeResultStore{err: errors.New("db down")}
	rptr := &passRepeater{}
	w := NewWriter(store, WriterParams{
		QueueSize: 10,
		Repeater:  rptr,
		OnSaved:   func(string) { t.Error("onSaved must not fire for failed saves") },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	w.Submit(queue.Job{ID: "j1", Status: queue.StatusCompleted})
	require.Eventually(t, func() bool { return rptr.calls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Empty(t, store.records())
}

func TestWriter_FlushesOnShutdown(t *testing.T) {
	store := &fakeResultStore{}
	w := NewWriter(store, WriterParams{QueueSize: 10, Repeater: &passRepeater{}})

	// buffer jobs before any consumer runs, then start with canceled context
	w.Submit(queue.Job{ID: "j1", Status: queue.StatusCompleted})
	w.Submit(queue.Job{ID: "j2", Status: queue.StatusCompleted})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	assert.Len(t, store.records(), 2, "buffered jobs flushed before exit")
	assert.Equal(t, 0, w.Pending())
}

func TestWriter_OutlivesWorkerShutdown(t *testing.T) {
	store := &fakeResultStore{}
	w := NewWriter(store, WriterParams{QueueSize: 10, Repeater: &passRepeater{}})

	// the writer runs on its own context, workers use a separate one that is
	// canceled first during shutdown
	writerCtx, writerCancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(writerCtx); close(done) }()

	jobCtx, jobCancel := context.WithCancel(context.Background())
	jobCancel() // workers are shutting down, in-flight jobs still finish
	<-jobCtx.Done()

	w.Submit(queue.Job{ID: "late", Status: queue.StatusCompleted})
	require.Eventually(t, func() bool { return len(store.records()) == 1 },
		5*time.Second, 10*time.Millisecond, "result submitted after worker cancel is saved")

	writerCancel()
	<-done
	assert.Equal(t, "late", store.records()[0].JobID)
}

func TestWriter_Defaults(t *testing.T) {
	w := NewWriter(&fakeResultStore{}, WriterParams{})
	assert.Equal(t, 1000, cap(w.ch))
	assert.Equal(t, 1, w.workers)
	assert.NotNil(t, w.repeater)
}
