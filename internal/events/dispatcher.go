package events

import (
	"sync"
	"time"
)

// Sink receives published events on the coordination goroutine.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) {
	f(e)
}

// Dispatcher sequences events, keeps a bounded history, and fans out to sinks.
type Dispatcher struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	history   []Event
	nextID    int
	sinks     map[int]Sink
	order     []int
}

// NewDispatcher creates a dispatcher retaining up to maxEvents events.
func NewDispatcher(maxEvents int) *Dispatcher {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Dispatcher{
		maxEvents: maxEvents,
		history:   make([]Event, 0, maxEvents),
		sinks:     make(map[int]Sink),
	}
}

// Subscribe registers sink and returns a function removing it.
func (d *Dispatcher) Subscribe(sink Sink) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.sinks[id] = sink
	d.order = append(d.order, id)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.sinks, id)
		for i, existing := range d.order {
			if existing == id {
				d.order = append(d.order[:i], d.order[i+1:]...)
				break
			}
		}
	}
}

// Publish stamps sequence and time, records the event, then delivers it to
// sinks in subscription order.
func (d *Dispatcher) Publish(event Event) Event {
	d.mu.Lock()
	d.nextSeq++
	event.Seq = d.nextSeq
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	d.history = append(d.history, event)
	if len(d.history) > d.maxEvents {
		trim := len(d.history) - d.maxEvents
		d.history = append([]Event(nil), d.history[trim:]...)
	}
	sinks := make([]Sink, 0, len(d.order))
	for _, id := range d.order {
		sinks = append(sinks, d.sinks[id])
	}
	d.mu.Unlock()

	for _, sink := range sinks {
		sink.Handle(event)
	}
	return event
}

// Since returns retained events with sequence strictly greater than seq.
func (d *Dispatcher) Since(seq int64) []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Event, 0, len(d.history))
	for _, event := range d.history {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// ChanSink buffers events for a consumer goroutine. When the buffer is full,
// progress events are dropped; every other event waits for room.
type ChanSink struct {
	ch chan Event
}

// NewChanSink creates a sink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSink{ch: make(chan Event, buffer)}
}

// Handle implements Sink.
func (c *ChanSink) Handle(e Event) {
	if e.Droppable() {
		select {
		case c.ch <- e:
		default:
		}
		return
	}
	c.ch <- e
}

// Events returns the receive side.
func (c *ChanSink) Events() <-chan Event {
	return c.ch
}
