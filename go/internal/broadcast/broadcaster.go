package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estatebid/go/internal/events"
	"github.com/mcdev12/estatebid/go/internal/models"
)

// Broadcaster fans room events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and is expected to
// resynchronise from a room snapshot.
type Broadcaster struct {
	mu     sync.RWMutex
	rooms  map[models.PropertyID]map[*Subscription]struct{}
	all    map[*Subscription]struct{}
	buffer int

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	ID         string
	PropertyID models.PropertyID // empty for firehose subscriptions

	ch      chan *events.Event
	b       *Broadcaster
	once    sync.Once
	dropped atomic.Uint64
	q       *queue // set for subscriptions that must not drop
}

// queue holds events for a queued subscription until its pump hands them to
// the reader.
type queue struct {
	mu     sync.Mutex
	items  []*events.Event
	notify chan struct{}
	quit   chan struct{}
}

func newQueue() *queue {
	return &queue{
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

func (q *queue) push(event *events.Event) {
	q.mu.Lock()
	q.items = append(q.items, event)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) take() []*events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats is a point in time view of the broadcaster.
type Stats struct {
	Rooms         int    `json:"rooms"`
	Subscriptions int    `json:"subscriptions"`
	Published     uint64 `json:"published"`
	Dropped       uint64 `json:"dropped"`
}

// New creates a broadcaster whose subscriptions buffer up to buffer events.
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		rooms:  make(map[models.PropertyID]map[*Subscription]struct{}),
		all:    make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers for events of a single room.
func (b *Broadcaster) Subscribe(propertyID models.PropertyID) *Subscription {
	sub := b.newSubscription(propertyID)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[propertyID] == nil {
		b.rooms[propertyID] = make(map[*Subscription]struct{})
	}
	b.rooms[propertyID][sub] = struct{}{}

	log.Debug().
		Str("subscription_id", sub.ID).
		Str("property_id", string(propertyID)).
		Int("room_subscriptions", len(b.rooms[propertyID])).
		Msg("subscription registered")
	return sub
}

// SubscribeAll registers for events of every room.
func (b *Broadcaster) SubscribeAll() *Subscription {
	sub := b.newSubscription("")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.all[sub] = struct{}{}
	return sub
}

// SubscribeAllQueued registers for events of every room without ever dropping:
// events wait in memory until the reader catches up. Use it for a single
// reader that must see every event, such as the bus relay.
func (b *Broadcaster) SubscribeAllQueued() *Subscription {
	sub := b.newSubscription("")
	sub.q = newQueue()
	go sub.pump()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.all[sub] = struct{}{}
	return sub
}

func (b *Broadcaster) newSubscription(propertyID models.PropertyID) *Subscription {
	return &Subscription{
		ID:         uuid.New().String(),
		PropertyID: propertyID,
		ch:         make(chan *events.Event, b.buffer),
		b:          b,
	}
}

// Publish delivers an event to the room's subscribers and to every firehose
// subscriber.
func (b *Broadcaster) Publish(event *events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.published.Add(1)
	for sub := range b.rooms[event.PropertyID] {
		sub.offer(event)
	}
	for sub := range b.all {
		sub.offer(event)
	}
}

// Stats returns subscription counts and delivery totals.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := len(b.all)
	for _, room := range b.rooms {
		subs += len(room)
	}
	return Stats{
		Rooms:         len(b.rooms),
		Subscriptions: subs,
		Published:     b.published.Load(),
		Dropped:       b.dropped.Load(),
	}
}

// SubscriberCount returns the number of subscriptions for one room.
func (b *Broadcaster) SubscriberCount(propertyID models.PropertyID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[propertyID])
}

func (s *Subscription) offer(event *events.Event) {
	if s.q != nil {
		s.q.push(event)
		return
	}
	select {
	case s.ch <- event:
	default:
		s.dropped.Add(1)
		s.b.dropped.Add(1)
		log.Warn().
			Str("subscription_id", s.ID).
			Str("property_id", string(event.PropertyID)).
			Str("event_type", string(event.Type)).
			Msg("subscriber buffer full, dropping event")
	}
}

// pump moves queued events onto the delivery channel in publish order.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		batch := s.q.take()
		for _, event := range batch {
			select {
			case s.ch <- event:
			case <-s.q.quit:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-s.q.notify:
		case <-s.q.quit:
			return
		}
	}
}

// Backlog returns how many events are waiting in a queued subscription.
func (s *Subscription) Backlog() int {
	if s.q == nil {
		return len(s.ch)
	}
	return s.q.len() + len(s.ch)
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan *events.Event { return s.ch }

// Dropped returns how many events this subscription missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.b
		b.mu.Lock()
		defer b.mu.Unlock()

		if s.PropertyID == "" {
			delete(b.all, s)
		} else if room, ok := b.rooms[s.PropertyID]; ok {
			delete(room, s)
			if len(room) == 0 {
				delete(b.rooms, s.PropertyID)
			}
		}
		if s.q != nil {
			close(s.q.quit)
			return
		}
		close(s.ch)
	})
}
