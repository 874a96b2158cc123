package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/serialmon/internal/logging"
)

// Event represents a notification broadcast to subscribers (pub/sub pattern)
type Event struct {
	Topic     string    // Event topic: "toggle.serial.state", "data_stream::serial", etc.
	Data      any       // Optional payload data
	Timestamp time.Time // When the event was published
	Source    string    // Origin: "tui", "http", "system", etc.
}

// EventHandler processes an event (no return value - fire and forget)
type EventHandler func(Event)

// SubscriptionID uniquely identifies an event subscription
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler EventHandler
}

var (
	eventSubscriptions   = make(map[string][]subscription)
	prefixSubscriptions  = make(map[string][]subscription)
	eventSubscriptionsMu sync.RWMutex

	nextSubscriptionID uint64
)

// SubscribeEvent registers a handler for an exact event topic.
func SubscribeEvent(topic string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&nextSubscriptionID, 1))

	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	eventSubscriptions[topic] = append(eventSubscriptions[topic], subscription{id: id, handler: handler})

	L_debug("bus: event subscribed", "topic", topic, "subscriptionID", id)
	return id
}

// SubscribePrefix registers a handler for every topic starting with prefix,
// e.g. "data_stream::" or "toggle.".
func SubscribePrefix(prefix string, handler EventHandler) SubscriptionID {
	id := SubscriptionID(atomic.AddUint64(&nextSubscriptionID, 1))

	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	prefixSubscriptions[prefix] = append(prefixSubscriptions[prefix], subscription{id: id, handler: handler})

	L_debug("bus: prefix subscribed", "prefix", prefix, "subscriptionID", id)
	return id
}

// UnsubscribeEvent removes a subscription by its ID.
// Returns true if the subscription was found and removed.
func UnsubscribeEvent(id SubscriptionID) bool {
	eventSubscriptionsMu.Lock()
	defer eventSubscriptionsMu.Unlock()

	return removeSubscription(eventSubscriptions, id) || removeSubscription(prefixSubscriptions, id)
}

func removeSubscription(m map[string][]subscription, id SubscriptionID) bool {
	for key, subs := range m {
		for i, sub := range subs {
			if sub.id != id {
				continue
			}
			m[key] = append(subs[:i:i], subs[i+1:]...)
			if len(m[key]) == 0 {
				delete(m, key)
			}
			return true
		}
	}
	return false
}

// PublishEvent broadcasts an event to all subscribers of the topic.
// Handlers are called asynchronously in separate goroutines.
func PublishEvent(topic string, data any) {
	PublishEventWithSource(topic, data, "system")
}

// PublishEventWithSource broadcasts an event with source information.
func PublishEventWithSource(topic string, data any, source string) {
	event := Event{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
	}

	subs := matchingSubscriptions(topic)
	if len(subs) == 0 {
		L_trace("bus: event published (no subscribers)", "topic", topic)
		return
	}

	for _, sub := range subs {
		go func(s subscription) {
			defer func() {
				if r := recover(); r != nil {
					L_error("bus: event handler panic", "topic", topic, "subscriptionID", s.id, "panic", r)
				}
			}()
			s.handler(event)
		}(sub)
	}
}

// matchingSubscriptions copies the handlers for a topic so they run without the lock held
func matchingSubscriptions(topic string) []subscription {
	eventSubscriptionsMu.RLock()
	defer eventSubscriptionsMu.RUnlock()

	out := make([]subscription, 0, len(eventSubscriptions[topic]))
	out = append(out, eventSubscriptions[topic]...)
	for prefix, subs := range prefixSubscriptions {
		if strings.HasPrefix(topic, prefix) {
			out = append(out, subs...)
		}
	}
	return out
}

// ListEventTopics returns all topics with active subscriptions
func ListEventTopics() []string {
	eventSubscriptionsMu.RLock()
	defer eventSubscriptionsMu.RUnlock()

	topics := make([]string, 0, len(eventSubscriptions))
	for topic := range eventSubscriptions {
		topics = append(topics, topic)
	}
	return topics
}

// CountEventSubscribers returns the number of exact-topic subscribers for a topic
func CountEventSubscribers(topic string) int {
	eventSubscriptionsMu.RLock()
	defer eventSubscriptionsMu.RUnlock()

	return len(eventSubscriptions[topic])
}
