// Package event is the in-process change-notification bus the read-side
// projections subscribe to. Notifications are advisory: subscribers refetch
// from the store, so a dropped notification degrades freshness, not
// correctness.
package event

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Topic is a watched collection name.
type Topic string

const (
	TopicTransitionLogs Topic = "checkInOutLogs"
	TopicActivities     Topic = "childActivities"
	TopicChildren       Topic = "children"
)

// Event announces that a document in Topic changed. ChildID is empty for
// changes not scoped to one child.
type Event struct {
	Topic     Topic
	ChildID   string
	Timestamp time.Time
}

const subscriberQueueSize = 16

type subscriberID int

type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic]map[subscriberID]chan Event
	lastID      subscriberID

	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

func NewBus(reg prometheus.Registerer) *Bus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Bus{
		subscribers: make(map[Topic]map[subscriberID]chan Event),
		published: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "presence_events_published_total",
			Help: "Change notifications published per topic.",
		}, []string{"topic"}),
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "presence_events_dropped_total",
			Help: "Change notifications dropped due to a slow subscriber.",
		}, []string{"topic"}),
	}
}

// Subscribe registers for events on topic. The returned cancel func must be
// called to release the subscription; after cancel the channel is closed.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	ch := make(chan Event, subscriberQueueSize)

	b.mu.Lock()
	b.lastID++
	id := b.lastID
	if b.subscribers[topic] == nil {
		b.subscribers[topic] = make(map[subscriberID]chan Event)
	}
	b.subscribers[topic][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.subscribers[topic]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
		}
	}
	return ch, cancel
}

// Publish fans evt out to all subscribers of its topic without blocking.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.published.WithLabelValues(string(evt.Topic)).Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers[evt.Topic] {
		select {
		case ch <- evt:
		default:
			b.dropped.WithLabelValues(string(evt.Topic)).Inc()
		}
	}
}
