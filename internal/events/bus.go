// Package events implements the process-wide event bus used to fan out
// status and sync notifications.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/starford/offsync/internal/models"
)

// Event types.
const (
	TypeStatusChanged = "status.changed"
	TypeEntitySynced  = "entity.synced"
)

// Event is a typed notification published on the bus.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// StatusChanged is published on every download status transition.
type StatusChanged struct {
	SiteID      string        `json:"site_id"`
	Component   string        `json:"component"`
	ComponentID string        `json:"component_id"`
	Status      models.Status `json:"status"`
}

// EntitySynced is published after a background sync of one entity.
type EntitySynced struct {
	SiteID   string           `json:"site_id"`
	EntityID string           `json:"entity_id"`
	Warnings []models.Warning `json:"warnings"`
}

const subscriberBuffer = 64

// Subscription is a handle to a bus subscriber. Events arrive on C until
// Release is called or the bus is closed, after which C is closed.
type Subscription struct {
	C <-chan Event

	ch    chan Event
	types map[string]struct{}
	bus   *Bus
	once  sync.Once
}

// Release unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Release() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

func (s *Subscription) wants(t string) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus fans events out to subscribers.
//
// Concurrency model: a single internal event loop (goroutine) owns the
// subscriber set. Public methods talk to the loop over channels and delivery
// to each subscriber is non-blocking: a subscriber with a full buffer misses
// the event instead of stalling the publisher.
type Bus struct {
	subscribeCh   chan *Subscription
	unsubscribeCh chan *Subscription
	publishCh     chan Event
	countReqCh    chan chan int

	dropped atomic.Int64

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBus starts a bus.
func NewBus() *Bus {
	b := &Bus{
		subscribeCh:   make(chan *Subscription),
		unsubscribeCh: make(chan *Subscription),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[*Subscription]struct{})

	for {
		select {
		case <-b.stopCh:
			for s := range subs {
				close(s.ch)
			}
			return

		case s := <-b.subscribeCh:
			subs[s] = struct{}{}

		case s := <-b.unsubscribeCh:
			if _, ok := subs[s]; ok {
				delete(subs, s)
				close(s.ch)
			}

		case ev := <-b.publishCh:
			for s := range subs {
				if !s.wants(ev.Type) {
					continue
				}
				select {
				case s.ch <- ev:
				default:
					b.dropped.Add(1)
				}
			}

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a subscriber for the given event types (all types when
// none are given). The caller owns the returned handle and must Release it.
func (b *Bus) Subscribe(types ...string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	if b.closed.Load() {
		close(ch)
		return s
	}
	select {
	case b.subscribeCh <- s:
	case <-b.stopped:
		close(ch)
	}
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- s:
	case <-b.stopped:
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Publish queues an event for fan-out.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// PublishStatus publishes a status.changed event.
func (b *Bus) PublishStatus(ev StatusChanged) {
	b.Publish(Event{Type: TypeStatusChanged, Data: ev})
}

// PublishSynced publishes an entity.synced event.
func (b *Bus) PublishSynced(ev EntitySynced) {
	b.Publish(Event{Type: TypeEntitySynced, Data: ev})
}
