package syncer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for i := 1; i <= 3; i++ {
		require.True(t, q.Enqueue(retryEvent{epoch: uint64(i)}))
	}
	assert.Equal(t, 3, q.Len())

	for i := 1; i <= 3; i++ {
		ev, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, retryEvent{epoch: uint64(i)}, ev)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_SignalCoalesces(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(flushEvent{})
	q.Enqueue(flushEvent{})

	<-q.Wait()
	select {
	case <-q.Wait():
		t.Fatal("second signal should have been coalesced")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(flushEvent{}))
	_, open := <-q.Wait()
	assert.False(t, open)
}

func TestEventQueue_ConcurrentEnqueue(t *testing.T) {
	q := newEventQueue()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Enqueue(flushEvent{})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, q.Len())
}
