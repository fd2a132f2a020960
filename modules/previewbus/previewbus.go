// Package previewbus fans the latest frame (and its analysis, while a trial
// records) out to preview consumers: the live view, the websocket stream,
// metrics.
//
// Publish never blocks: a subscriber whose channel is full misses the view
// and the drop is counted. Consumers always see fresh data, never a backlog.
//
// Views are shared between subscribers. Frame data and landmark slices are
// read-only for consumers.
package previewbus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/orion-fatigue/modules/fatigue"
	"github.com/e7canasta/orion-fatigue/modules/framequeue"
)

var (
	ErrBusClosed          = errors.New("previewbus: bus is closed")
	ErrSubscriberExists   = errors.New("previewbus: subscriber already exists")
	ErrSubscriberNotFound = errors.New("previewbus: subscriber not found")
	ErrNilChannel         = errors.New("previewbus: nil channel provided")
)

// View is one frame as shown to preview consumers.
// Record is nil outside a recording trial.
type View struct {
	Frame  *framequeue.Frame
	Record *fatigue.Record
}

// SubscriberStats tracks deliveries to one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

// Stats is a snapshot of the bus.
type Stats struct {
	Published   uint64
	Subscribers map[string]SubscriberStats
}

// TotalDropped sums drops across subscribers.
func (s Stats) TotalDropped() uint64 {
	var n uint64
	for _, sub := range s.Subscribers {
		n += sub.Dropped
	}
	return n
}

type subscriber struct {
	ch      chan<- View
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Bus distributes views to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	published atomic.Uint64
	latest    atomic.Pointer[View]
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers ch under id. The channel is never closed by the bus.
func (b *Bus) Subscribe(id string, ch chan<- View) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	if _, exists := b.subs[id]; exists {
		return ErrSubscriberExists
	}
	if ch == nil {
		return ErrNilChannel
	}

	b.subs[id] = &subscriber{ch: ch}
	return nil
}

func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[id]; !exists {
		return ErrSubscriberNotFound
	}
	delete(b.subs, id)
	return nil
}

// Publish delivers v to every subscriber without blocking.
func (b *Bus) Publish(v View) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	b.latest.Store(&v)

	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
			sub.sent.Add(1)
		default:
			sub.dropped.Add(1)
		}
	}
}

// PublishFrame publishes a frame without analysis (preview mode).
func (b *Bus) PublishFrame(frame *framequeue.Frame) {
	b.Publish(View{Frame: frame})
}

// Observe implements fatigue.Observer.
func (b *Bus) Observe(frame *framequeue.Frame, rec fatigue.Record) {
	b.Publish(View{Frame: frame, Record: &rec})
}

// Latest returns the most recently published view.
func (b *Bus) Latest() (View, bool) {
	v := b.latest.Load()
	if v == nil {
		return View{}, false
	}
	return *v, true
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Published:   b.published.Load(),
		Subscribers: make(map[string]SubscriberStats, len(b.subs)),
	}
	for id, sub := range b.subs {
		s.Subscribers[id] = SubscriberStats{
			Sent:    sub.sent.Load(),
			Dropped: sub.dropped.Load(),
		}
	}
	return s
}

// Close stops delivery and drops all subscribers. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subs = nil
}
