package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_EnqueueDequeueOrder(t *testing.T) {
	q := NewQueue()
	require.True(t, q.Enqueue("a"))
	require.True(t, q.Enqueue("b"))
	require.True(t, q.Enqueue("c"))
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"a", "b", "c"} {
		id, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, id)
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewQueue()
	done := make(chan string)
	go func() {
		id, ok := q.Dequeue()
		require.True(t, ok)
		done <- id
	}()

	select {
	case <-done:
		t.Fatal("dequeue returned before enqueue")
	case <-time.After(50 * time.Millisecond):
	}

	q.Enqueue("x")
	select {
	case id := <-done:
		assert.Equal(t, "x", id)
	case <-time.After(time.Second):
		t.Fatal("dequeue timed out")
	}
}

func TestQueue_CloseDrainsRemaining(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Close()

	assert.False(t, q.Enqueue("c"), "enqueue after close rejected")

	id, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "a", id)
	id, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b", id)

	_, ok = q.Dequeue()
	assert.False(t, ok, "drained closed queue terminates workers")
}

func TestQueue_CloseReleasesBlockedWorkers(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Dequeue()
			assert.False(t, ok)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()

	released := make(chan struct{})
	go func() { wg.Wait(); close(released) }()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("blocked workers not released on close")
	}
}

func TestQueue_ExactlyOneConsumerPerID(t *testing.T) {
	q := NewQueue()
	const n = 100
	for i := 0; i < n; i++ {
		q.Enqueue(string(rune('a' + i%26)))
	}
	q.Close()

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, ok := q.Dequeue(); !ok {
					return
				}
				mu.Lock()
				total++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, n, total, "each id delivered exactly once")
}

func TestQueue_Position(t *testing.T) {
	q := NewQueue()
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")

	assert.Equal(t, 1, q.Position("a"))
	assert.Equal(t, 3, q.Position("c"))
	assert.Equal(t, 0, q.Position("zzz"))

	_, _ = q.Dequeue()
	assert.Equal(t, 1, q.Position("b"))
}
