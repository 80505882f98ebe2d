package models

import (
	"strings"
	"sync"
)

// DomainEvent is an opaque event payload raised by an entity during a unit of
// work, published after the write commits.
type DomainEvent struct {
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// EventQueue is an embeddable raiser for entities. Draining is destructive:
// CollectEvents empties the queue, a second drain returns nothing.
//
//	type SalesInvoice struct {
//	    ID int
//	    models.EventQueue `gorm:"-"`
//	}
type EventQueue struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (q *EventQueue) RaiseEvent(name string, payload any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, DomainEvent{Name: name, Payload: payload})
}

// CollectEvents drains and returns the queued events in raise order.
func (q *EventQueue) CollectEvents() []DomainEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// PendingEvents returns the queue length without draining.
func (q *EventQueue) PendingEvents() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// EntityKeyValue is one primary-key component of an entity.
type EntityKeyValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// EventSource is the capability an entity implements to take part in event
// extraction. Embedding EventQueue provides CollectEvents; the entity supplies
// its own identity.
type EventSource interface {
	EntityKeys() []EntityKeyValue
	CollectEvents() []DomainEvent
}

// EventMapper projects additional events for an entity beyond the ones it
// raised itself. Optional.
type EventMapper func(entity any) []DomainEvent

// EventObject groups one entity's identity with every event it emitted in a
// unit of work.
type EventObject struct {
	EntityType string           `json:"entity_type"`
	Keys       []EntityKeyValue `json:"keys"`
	Events     []DomainEvent    `json:"events"`
}

// Key looks up a key component by name, case-insensitively.
func (o EventObject) Key(name string) (any, bool) {
	for _, kv := range o.Keys {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return nil, false
}
