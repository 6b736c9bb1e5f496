package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventMembershipEntered = "membership_entered"
	EventMembershipExited  = "membership_exited"
	EventTaskCreated       = "task_created"
	EventTaskDeleted       = "task_deleted"
	EventSyncCompleted     = "sync_completed"
	EventConflictDetected  = "conflict_detected"
)

// MembershipEventPayload describes one list entry or exit for event consumers.
// ExitedAt is set only on exit events.
type MembershipEventPayload struct {
	MembershipID int64      `json:"membership_id"`
	ListID       string     `json:"list_id"`
	ObjectID     string     `json:"object_id"`
	EnteredAt    time.Time  `json:"entered_at"`
	ExitedAt     *time.Time `json:"exited_at,omitempty"`
}

// TaskEventPayload describes a mirrored task change.
type TaskEventPayload struct {
	ExternalID   string `json:"external_id"`
	Subject      string `json:"subject,omitempty"`
	Status       string `json:"status,omitempty"`
	AutomationID string `json:"automation_id,omitempty"`
	Source       string `json:"source,omitempty"`
}

// ConflictEventPayload flags one field-level write conflict for operators.
type ConflictEventPayload struct {
	ExternalID string `json:"external_id"`
	Field      string `json:"field"`
	Strategy   string `json:"strategy"`
}

// SyncEventPayload summarizes a finished sync execution.
type SyncEventPayload struct {
	RunID   string `json:"run_id"`
	Type    string `json:"type"`
	Status  string `json:"status"`
	Added   int    `json:"added"`
	Updated int    `json:"updated"`
	Deleted int    `json:"deleted"`
}

// Event represents a lightweight domain event.
type Event struct {
	ID        int64
	Type      string
	Payload   []byte
	CreatedAt time.Time
	Processed bool
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
