package events

import (
	"sync"
	"time"

	"github.com/deepscout/deepscout/internal/metrics"
)

// Sink receives every published event after seq assignment. Used to hang
// best-effort persistence off the bus without blocking producers.
type Sink interface {
	Append(evt Event)
}

// Bus is the in-memory pub/sub hub for run progress streams. One Bus serves
// the whole process; streams are keyed by run ID and each run has its own
// sequence counter.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	terminal    map[string]bool
	capacity    int
	sink        Sink
}

// NewBus creates a bus whose per-run replay rings hold capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		terminal:    make(map[string]bool),
		capacity:    capacity,
	}
}

// SetSink attaches an event sink. Must be called before runs start.
func (b *Bus) SetSink(s Sink) { b.sink = s }

// Subscribe registers a buffered subscriber channel for a run. The caller
// must drain it and call Unsubscribe when done.
func (b *Bus) Subscribe(runID string, buffer int) chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		b.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(runID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[runID]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.subscribers, runID)
		}
	}
}

// Publish assigns the next seq for the run and fans the event out without
// blocking. After a terminal event, further publishes for the run are
// discarded so exactly one terminal event ends every stream.
func (b *Bus) Publish(runID string, evt Event) {
	b.mu.Lock()
	if b.terminal[runID] {
		b.mu.Unlock()
		return
	}
	rg := b.history[runID]
	if rg == nil {
		rg = newRing(b.capacity)
		b.history[runID] = rg
	}
	rg.nextSeq++
	evt.RunID = runID
	evt.Seq = rg.nextSeq
	if evt.TS.IsZero() {
		evt.TS = time.Now()
	}
	rg.push(evt)
	if terminalEvent(evt) {
		b.terminal[runID] = true
	}
	// Fan out while still holding the lock so every subscriber channel
	// receives events in seq order even with concurrent publishers. The
	// sends cannot block, and Unsubscribe closes channels under this same
	// lock, so there is no send-on-closed race.
	dropped := 0
	for ch := range b.subscribers[runID] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber; it can recover via ReplaySince.
			dropped++
		}
	}
	b.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	if dropped > 0 {
		metrics.EventsDropped.Add(float64(dropped))
	}
	if b.sink != nil {
		b.sink.Append(evt)
	}
}

// ReplaySince returns buffered events with Seq > since, best-effort within
// ring capacity.
func (b *Bus) ReplaySince(runID string, since uint64) []Event {
	b.mu.RLock()
	rg := b.history[runID]
	b.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Finished reports whether the run's stream has emitted its terminal event.
func (b *Bus) Finished(runID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.terminal[runID]
}

// Drop releases the ring and terminal marker for a finished run.
func (b *Bus) Drop(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, runID)
	delete(b.terminal, runID)
}

// terminalEvent distinguishes the run-level terminal summary from unit- or
// stage-scoped completed/failed events, which carry a stage or task.
func terminalEvent(evt Event) bool {
	return evt.Type.Terminal() && evt.Stage == "" && evt.Task == ""
}

// ring is a fixed-capacity buffer of the most recent events for one run.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
