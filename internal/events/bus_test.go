package events

import (
	"testing"

	"lotpilot/pkg/logger"

	"github.com/stretchr/testify/assert"
)

func TestBusFansOut(t *testing.T) {
	bus := NewBus(logger.New("events-test", "", ""))
	a := bus.Subscribe(4)
	b := bus.Subscribe(4)

	bus.Publish(TaskEvent{Type: EventEnqueued, TaskID: "task_1"})

	evA := <-a
	evB := <-b
	assert.Equal(t, EventEnqueued, evA.Type)
	assert.Equal(t, evA.TaskID, evB.TaskID)
	assert.False(t, evA.At.IsZero(), "publish stamps the event time")
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(logger.New("events-test", "", ""))
	ch := bus.Subscribe(1)

	// Second publish finds the buffer full and must not block.
	bus.Publish(TaskEvent{Type: EventEnqueued, TaskID: "task_1"})
	bus.Publish(TaskEvent{Type: EventStarted, TaskID: "task_2"})

	ev := <-ch
	assert.Equal(t, "task_1", ev.TaskID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %v", ev.Type)
	default:
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus(logger.New("events-test", "", ""))
	ch := bus.Subscribe(1)
	bus.Close()
	_, open := <-ch
	assert.False(t, open)
}
