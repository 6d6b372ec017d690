package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsStrictlyIncreasingSeq(t *testing.T) {
	bus := NewBus(64)
	ch := bus.Subscribe("run-1", 64)
	defer bus.Unsubscribe("run-1", ch)

	for i := 0; i < 10; i++ {
		bus.Publish("run-1", Event{Type: TypeToolCall, Message: fmt.Sprintf("call %d", i)})
	}

	var last uint64
	for i := 0; i < 10; i++ {
		evt := <-ch
		assert.Greater(t, evt.Seq, last)
		last = evt.Seq
	}
}

func TestSeqCountersAreIndependentPerRun(t *testing.T) {
	bus := NewBus(64)
	bus.Publish("run-a", Event{Type: TypeStarted})
	bus.Publish("run-a", Event{Type: TypeToolCall})
	bus.Publish("run-b", Event{Type: TypeStarted})

	a := bus.ReplaySince("run-a", 0)
	b := bus.ReplaySince("run-b", 0)
	require.Len(t, a, 2)
	require.Len(t, b, 1)
	assert.Equal(t, uint64(1), b[0].Seq)
}

func TestExactlyOneTerminalEvent(t *testing.T) {
	bus := NewBus(64)
	bus.Publish("run-1", Event{Type: TypeStarted})
	bus.Publish("run-1", Event{Type: TypeCompleted})
	// Anything after the terminal summary is discarded.
	bus.Publish("run-1", Event{Type: TypeFailed})
	bus.Publish("run-1", Event{Type: TypeToolCall})

	history := bus.ReplaySince("run-1", 0)
	require.Len(t, history, 2)
	assert.Equal(t, TypeCompleted, history[1].Type)
	assert.True(t, bus.Finished("run-1"))
}

func TestStageScopedCompletionIsNotTerminal(t *testing.T) {
	bus := NewBus(64)
	bus.Publish("run-1", Event{Type: TypeCompleted, Stage: "discovery"})
	bus.Publish("run-1", Event{Type: TypeFailed, Task: "mine https://a"})
	assert.False(t, bus.Finished("run-1"))

	bus.Publish("run-1", Event{Type: TypeCompleted})
	assert.True(t, bus.Finished("run-1"))
}

func TestSlowSubscriberDropsWithoutBlockingPublisher(t *testing.T) {
	bus := NewBus(64)
	ch := bus.Subscribe("run-1", 2)
	defer bus.Unsubscribe("run-1", ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			bus.Publish("run-1", Event{Type: TypeToolCall})
		}
	}()
	<-done // would hang forever if Publish blocked on the full channel

	// The subscriber kept only its buffer; the ring kept everything.
	assert.Len(t, bus.ReplaySince("run-1", 0), 50)
}

func TestReplaySinceFiltersBySeq(t *testing.T) {
	bus := NewBus(64)
	for i := 0; i < 10; i++ {
		bus.Publish("run-1", Event{Type: TypeToolCall})
	}
	tail := bus.ReplaySince("run-1", 7)
	require.Len(t, tail, 3)
	assert.Equal(t, uint64(8), tail[0].Seq)
	assert.Equal(t, uint64(10), tail[2].Seq)
}

func TestReplayBoundedByRingCapacity(t *testing.T) {
	bus := NewBus(4)
	for i := 0; i < 10; i++ {
		bus.Publish("run-1", Event{Type: TypeToolCall})
	}
	tail := bus.ReplaySince("run-1", 0)
	require.Len(t, tail, 4)
	assert.Equal(t, uint64(7), tail[0].Seq)
	assert.Equal(t, uint64(10), tail[3].Seq)
}

func TestDropReleasesRunState(t *testing.T) {
	bus := NewBus(16)
	bus.Publish("run-1", Event{Type: TypeCompleted})
	require.True(t, bus.Finished("run-1"))

	bus.Drop("run-1")
	assert.False(t, bus.Finished("run-1"))
	assert.Empty(t, bus.ReplaySince("run-1", 0))
}

func TestSubscriberObservesSeqInOrderUnderConcurrentPublishers(t *testing.T) {
	const publishers, perPublisher = 8, 100

	bus := NewBus(2048)
	ch := bus.Subscribe("run-1", publishers*perPublisher)

	var wg sync.WaitGroup
	for g := 0; g < publishers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish("run-1", Event{Type: TypeToolCall})
			}
		}()
	}
	wg.Wait()
	bus.Unsubscribe("run-1", ch)

	var last uint64
	received := 0
	for evt := range ch {
		require.Greater(t, evt.Seq, last, "subscriber saw seq %d after %d", evt.Seq, last)
		last = evt.Seq
		received++
	}
	assert.Equal(t, publishers*perPublisher, received, "buffer was large enough, nothing may drop")
}

func TestConcurrentPublishersKeepSeqUnique(t *testing.T) {
	bus := NewBus(1024)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish("run-1", Event{Type: TypeToolCall})
			}
		}()
	}
	wg.Wait()

	history := bus.ReplaySince("run-1", 0)
	require.Len(t, history, 400)
	seen := make(map[uint64]struct{}, len(history))
	for _, evt := range history {
		_, dup := seen[evt.Seq]
		assert.False(t, dup, "seq %d assigned twice", evt.Seq)
		seen[evt.Seq] = struct{}{}
	}
}
