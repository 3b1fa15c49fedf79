package events

import (
	"sync"
	"time"

	"github.com/cuemby/certwarden/pkg/log"
	"github.com/cuemby/certwarden/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	brokerQueue      = 100
	subscriberBuffer = 50
)

// Subscriber is a channel that receives events
type Subscriber chan *Event

type subscription struct {
	types map[EventType]bool
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Broker fans relayed cluster events out to the handlers of this node.
// Delivery is best effort: a subscriber whose buffer is full misses the event
// and catches up on the next periodic tick from persisted state.
type Broker struct {
	mu   sync.RWMutex
	subs map[Subscriber]subscription

	queue    chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subs:   make(map[Subscriber]subscription),
		queue:  make(chan *Event, brokerQueue),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("events"),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop ends distribution. Publish never blocks after Stop.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber for the given event types, or for every
// type when none are named
func (b *Broker) Subscribe(types ...EventType) Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	s := subscription{types: make(map[EventType]bool, len(types))}
	for _, t := range types {
		s.types[t] = true
	}

	b.mu.Lock()
	b.subs[sub] = s
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes and closes a subscriber. Unknown subscribers are ignored.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish queues an event for distribution
func (b *Broker) Publish(evt *Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case b.queue <- evt:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case evt := <-b.queue:
			b.deliver(evt)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) deliver(evt *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, s := range b.subs {
		if !s.wants(evt.Type) {
			continue
		}
		select {
		case sub <- evt:
		default:
			metrics.EventsDropped.WithLabelValues(string(evt.Type)).Inc()
			b.logger.Debug().Str("event_id", evt.ID).Str("type", string(evt.Type)).Msg("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
