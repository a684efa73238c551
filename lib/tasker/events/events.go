// Package events carries task run changes from the manager to observers.
package events

import (
	"sync"
	"time"
	"workspace-tasker/lib/defs"

	log "github.com/sirupsen/logrus"
)

type Kind int

const (
	// A task ran for the first time this session and now has a run record
	Create Kind = iota
	// Status, output or suspension of a run changed
	Update
	// A run record was removed
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// RunSnapshot is the state of one run at the time of the event
type RunSnapshot struct {
	TaskId    defs.TaskId
	Name      string
	Status    defs.TaskStatus
	Output    string
	ExitCode  int
	Suspended bool
	StartedAt time.Time
	EndedAt   time.Time
}

type Event struct {
	Kind Kind
	Run  RunSnapshot
	// Text appended by this event, empty unless it was an output append
	Chunk string
	At    time.Time
}

// Subscription receives every event published after it subscribed, in order,
// until Close or until the bus closes.
//
// Publish never waits on a subscriber: events queue up per subscription and a
// forwarding goroutine feeds them to C as fast as the subscriber reads.
// A subscriber that stops reading should Close, or its queue keeps growing.
type Subscription struct {
	C <-chan Event

	bus *Bus
	ch  chan Event

	// _ prefix reminder to use mutex when accessing
	_queue   []Event
	_closing bool
	mutex    sync.Mutex
	wake     chan struct{}

	// closed by Close, abandons whatever is still queued
	quit     chan struct{}
	quitOnce sync.Once
}

func newSubscription(bus *Bus, buffer int) *Subscription {
	ch := make(chan Event, buffer)
	return &Subscription{
		C:    ch,
		bus:  bus,
		ch:   ch,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

// Close stops delivery right away and closes C
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.quitOnce.Do(func() { close(s.quit) })
}

// lock: r/w
func (s *Subscription) enqueue(event Event) {
	s.mutex.Lock()
	s._queue = append(s._queue, event)
	s.mutex.Unlock()
	s.notify()
}

// finish lets the forwarder deliver what is queued and then close C
// lock: r/w
func (s *Subscription) finish() {
	s.mutex.Lock()
	s._closing = true
	s.mutex.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// forward owns ch: it is the only sender and closes it on the way out
func (s *Subscription) forward() {
	defer close(s.ch)
	for {
		s.mutex.Lock()
		batch := s._queue
		s._queue = nil
		closing := s._closing
		s.mutex.Unlock()

		for _, event := range batch {
			select {
			case s.ch <- event:
			case <-s.quit:
				return
			}
		}

		if len(batch) == 0 {
			if closing {
				return
			}
			select {
			case <-s.wake:
			case <-s.quit:
				return
			}
		}
	}
}

// Bus fans events out to subscriptions.
// Publish never blocks and never drops: every subscription gets every event.
type Bus struct {
	ctxLogger *log.Entry

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus(ctxLogger *log.Entry) *Bus {
	return &Bus{
		ctxLogger: ctxLogger,
		subs:      map[*Subscription]struct{}{},
	}
}

// Subscribe registers a new subscription, buffer is the capacity of its channel
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	sub := newSubscription(b, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	go sub.forward()
	return sub
}

func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		sub.enqueue(event)
	}
}

// Close ends every subscription once it delivered what was already published.
// Later subscriptions start closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.finish()
	}
	b.subs = map[*Subscription]struct{}{}
	b.ctxLogger.Debug("event bus closed")
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}
