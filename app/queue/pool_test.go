package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

func (f runnerFunc) Run(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

type recordingSaver struct {
	mu   sync.Mutex
	jobs []Job
}

func (s *recordingSaver) Submit(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *recordingSaver) saved() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	onError  bool
	onDone   bool
	subjects []string
}

func (n *fakeNotifier) Send(_ context.Context, subj, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subj)
	return nil
}
func (n *fakeNotifier) IsOnError() bool      { return n.onError }
func (n *fakeNotifier) IsOnCompletion() bool { return n.onDone }
func (n *fakeNotifier) MakeErrorHTML(jobID, patient, errorLog string) (string, error) {
	return fmt.Sprintf("err %s %s %s", jobID, patient, errorLog), nil
}
func (n *fakeNotifier) MakeCompletionHTML(jobID, patient string) (string, error) {
	return fmt.Sprintf("done %s %s", jobID, patient), nil
}

func (n *fakeNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.subjects...)
}

// runPool submits the given jobs, runs the pool until all of them are
// terminal and returns after the workers drained
func runPool(t *testing.T, pool *Pool, ids []string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, found := pool.Store.Get(id)
			if !found || !job.Status.Terminal() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func submitJob(t *testing.T, store *Store, q *Queue, id string, req string) {
	t.Helper()
	require.NoError(t, store.Put(Job{ID: id, Status: StatusQueued, CreatedAt: time.Now(), Request: json.RawMessage(req)}))
	require.True(t, q.Enqueue(id))
}

func TestPool_ProcessesJobs(t *testing.T) {
	store, q := NewStore(), NewQueue()
	saver := &recordingSaver{}
	pool := &Pool{
		Workers: 2,
		Queue:   q,
		Store:   store,
		Runner: runnerFunc(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"analyzed":true}`), nil
		}),
		Saver: saver,
	}

	ids := []string{"j1", "j2", "j3"}
	for _, id := range ids {
		submitJob(t, store, q, id, `{"patientInfo":{"mrn":"m-1"}}`)
	}
	runPool(t, pool, ids)

	for _, id := range ids {
		job, found := store.Get(id)
		require.True(t, found)
		assert.Equal(t, StatusCompleted, job.Status)
		assert.JSONEq(t, `{"analyzed":true}`, string(job.Result))
		assert.False(t, job.StartedAt.IsZero())
		assert.False(t, job.CompletedAt.IsZero())
	}
	assert.Len(t, saver.saved(), 3, "every finished job handed to the saver")
}

func TestPool_FailedAnalysis(t *testing.T) {
	store, q := NewStore(), NewQueue()
	saver := &recordingSaver{}
	pool := &Pool{
		Workers: 1,
		Queue:   q,
		Store:   store,
		Runner: runnerFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("pipeline exploded")
		}),
		Saver: saver,
	}

	submitJob(t, store, q, "j1", `{}`)
	runPool(t, pool, []string{"j1"})

	job, _ := store.Get("j1")
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "pipeline exploded", job.Error)

	saved := saver.saved()
	require.Len(t, saved, 1, "failed jobs persist too")
	assert.Equal(t, StatusFailed, saved[0].Status)
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	store, q := NewStore(), NewQueue()
	calls := 0
	pool := &Pool{
		Workers: 1,
		Queue:   q,
		Store:   store,
		Runner: runnerFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			calls++
			if calls == 1 {
				panic("boom")
			}
			return json.RawMessage(`{}`), nil
		}),
	}

	submitJob(t, store, q, "j1", `{}`)
	submitJob(t, store, q, "j2", `{}`)
	runPool(t, pool, []string{"j1", "j2"})

	j1, _ := store.Get("j1")
	assert.Equal(t, StatusFailed, j1.Status)
	assert.Contains(t, j1.Error, "analysis panic")

	j2, _ := store.Get("j2")
	assert.Equal(t, StatusCompleted, j2.Status, "worker survived the panic")
}

func TestPool_Notifications(t *testing.T) {
	store, q := NewStore(), NewQueue()
	notifier := &fakeNotifier{onError: true, onDone: true}
	pool := &Pool{
		Workers: 1,
		Queue:   q,
		Store:   store,
		Runner: runnerFunc(func(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
			if string(input) == `{"bad":true}` {
				return nil, errors.New("nope")
			}
			return json.RawMessage(`{}`), nil
		}),
		Notifier: notifier,
	}

	submitJob(t, store, q, "good", `{}`)
	submitJob(t, store, q, "bad", `{"bad":true}`)
	runPool(t, pool, []string{"good", "bad"})

	subjects := notifier.sent()
	require.Len(t, subjects, 2)
	assert.Contains(t, subjects, "analysis job good completed")
	assert.Contains(t, subjects, "analysis job bad failed")
}

func TestPool_NilNotifierInterface(t *testing.T) {
	store, q := NewStore(), NewQueue()
	var notifier *fakeNotifier // typed nil inside the interface
	pool := &Pool{
		Workers: 1,
		Queue:   q,
		Store:   store,
		Runner: runnerFunc(func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}),
		Notifier: notifier,
	}

	submitJob(t, store, q, "j1", `{}`)
	runPool(t, pool, []string{"j1"}) // no panic on the nil notifier
	job, _ := store.Get("j1")
	assert.Equal(t, StatusCompleted, job.Status)
}
