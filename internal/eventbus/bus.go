package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Type string

const (
	TypePlanCreated       Type = "plan.created"
	TypePlanStatusChanged Type = "plan.status_changed"
	TypePlanCompleted     Type = "plan.completed"
	TypeApprovalRequested Type = "plan.approval_requested"
	TypeTaskCompleted     Type = "task.completed"
	TypeTaskFailed        Type = "task.failed"
)

type Event struct {
	ID        string
	Type      Type
	PlanID    string
	TaskID    string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Bus is an in-process publish/subscribe fan-out. Slow subscribers drop
// events rather than blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType Type, planID, taskID string, metadata map[string]string) {
	b.Publish(&Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		PlanID:    planID,
		TaskID:    taskID,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	})
}
