// Package router provides an in-process commit notification bus. The fast
// path publishes one notification per committed trace record; subscribers
// (the live watch endpoint, tests) observe the pipeline's progress without
// polling the stores.
package router

import (
	"sync"
	"time"

	"github.com/blueplane/blueplane/pkg/types"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	RecordCommitted NotificationType = iota
	SessionStarted
	SessionEnded
)

// Notification represents one pipeline progress event.
type Notification struct {
	Type      NotificationType
	SessionID string
	Sequence  uint64
	EventType types.EventType
	Timestamp int64
}

// Notifier provides an in-process pub/sub bus for commit visibility.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
}

// NewNotifier creates a new notifier instance.
func NewNotifier(bufferSize int) *Notifier {
	return &Notifier{
		bufferSize: bufferSize,
	}
}

// Publish sends a notification to all subscribers.
// Non-blocking: if a subscriber's channel is full, the notification is dropped.
func (n *Notifier) Publish(notif Notification) {
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if n.matchesFilter(sub, notif.SessionID) {
			select {
			case sub.Ch <- notif:
			default:
				// Channel full - drop notification, do NOT block
			}
		}
		return true
	})
}

// Subscribe adds a new subscriber with a custom ID. Filters are session id
// prefixes; an empty filter set receives everything.
func (n *Notifier) Subscribe(id string, filters []string) *Subscriber {
	ch := make(chan Notification, n.bufferSize)
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      ch,
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// SubscribeAutoID adds a new subscriber with an auto-generated ID.
func (n *Notifier) SubscribeAutoID(filters ...string) chan Notification {
	id := generateSubscriberID()
	ch := make(chan Notification, n.bufferSize)
	sub := &Subscriber{
		ID:      id,
		Filters: filters,
		Ch:      ch,
	}
	n.subscribers.Store(sub.ID, sub)
	return ch
}

// Unsubscribe removes a subscriber and closes their channel.
func (n *Notifier) Unsubscribe(subID string) {
	if value, ok := n.subscribers.LoadAndDelete(subID); ok {
		sub := value.(*Subscriber)
		close(sub.Ch)
	}
}

// matchesFilter checks if the notification matches the subscriber's filters.
func (n *Notifier) matchesFilter(sub *Subscriber, sessionID string) bool {
	if len(sub.Filters) == 0 {
		return true
	}
	for _, filter := range sub.Filters {
		if len(filter) == 0 {
			return true
		}
		if len(sessionID) >= len(filter) && sessionID[:len(filter)] == filter {
			return true
		}
	}
	return false
}

// Subscriber represents a notification subscriber.
type Subscriber struct {
	ID      string
	Filters []string
	Ch      chan Notification
}

// generateSubscriberID generates a unique subscriber ID.
func generateSubscriberID() string {
	return "sub_" + time.Now().Format("20060102150405000000")
}
