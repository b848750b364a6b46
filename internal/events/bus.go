// Package events carries task lifecycle events from the dispatcher to
// in-process subscribers and, through the Kafka publisher, to external
// consumers.
package events

import (
	"sync"
	"time"

	"lotpilot/internal/models"
	"lotpilot/pkg/logger"
)

// EventType names a task lifecycle transition.
type EventType string

const (
	EventEnqueued  EventType = "task.enqueued"
	EventStarted   EventType = "task.started"
	EventCompleted EventType = "task.completed"
	EventFailed    EventType = "task.failed"
	EventRetried   EventType = "task.retried"
	EventDropped   EventType = "task.dropped"
)

// TaskEvent is one lifecycle transition of one task.
type TaskEvent struct {
	Type       EventType           `json:"type"`
	TaskID     string              `json:"taskId"`
	TenantID   string              `json:"tenantId,omitempty"`
	TaskType   models.TaskType     `json:"taskType,omitempty"`
	Priority   models.TaskPriority `json:"priority,omitempty"`
	WorkerID   string              `json:"workerId,omitempty"`
	RetryCount int                 `json:"retryCount,omitempty"`
	Error      string              `json:"error,omitempty"`
	At         time.Time           `json:"at"`
}

// Bus fans task events out to bounded subscriber channels. Publishing never
// blocks: a subscriber that cannot keep up loses events and the loss is
// logged.
type Bus struct {
	log *logger.Logger

	mu   sync.RWMutex
	subs []chan TaskEvent
}

func NewBus(log *logger.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(buffer int) <-chan TaskEvent {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan TaskEvent, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber that has buffer room.
func (b *Bus) Publish(ev TaskEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.WithPayload(map[string]interface{}{
				"event":  string(ev.Type),
				"taskId": ev.TaskID,
			}).Warn("event subscriber full, dropping event")
		}
	}
}

// Close closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
