package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Entity status event topics.
const (
	TopicHostStatusChanged  = "host.status_changed"
	TopicEntryStatusChanged = "entry.status_changed"
	TopicSpecialTaskCreated = "special_task.created"
	TopicSpecialTaskDone    = "special_task.done"
	TopicAgentFinished      = "agent.finished"
	TopicProcessLost        = "process.lost"
)

// HostStatusChangedEvent is published when a host's status changes.
type HostStatusChangedEvent struct {
	HostID    int64  // Host ID
	Hostname  string // Hostname
	OldStatus string // Previous status (e.g. Ready)
	NewStatus string // New status (e.g. Verifying)
}

// EntryStatusChangedEvent is published when a host queue entry's status changes.
type EntryStatusChangedEvent struct {
	EntryID   int64  // Host queue entry ID
	JobID     int64  // Owning job ID
	OldStatus string // Previous status (e.g. Queued)
	NewStatus string // New status (e.g. Verifying)
}

// SpecialTaskEvent is published when a special task is created or finished.
type SpecialTaskEvent struct {
	TaskID  int64  // Special task ID
	HostID  int64  // Target host ID
	Kind    string // Verify, Repair, Cleanup, Reset, Provision
	Success bool   // Only meaningful for TopicSpecialTaskDone
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
