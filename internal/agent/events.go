// File: internal/agent/events.go
package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType categorizes the observable events emitted by the execution loop.
type EventType string

const (
	EventTaskStarted        EventType = "TASK_STARTED"
	EventTaskCompleted      EventType = "TASK_COMPLETED"
	EventTaskCancelled      EventType = "TASK_CANCELLED"
	EventTaskPaused         EventType = "TASK_PAUSED"
	EventStepStarted        EventType = "STEP_STARTED"
	EventScreenshotCaptured EventType = "SCREENSHOT_CAPTURED"
	EventActionParsed       EventType = "ACTION_PARSED"
	EventThought            EventType = "THOUGHT"
	EventWarning            EventType = "WARNING"
	EventError              EventType = "ERROR"
)

// Event is the envelope broadcast to observers of a task run. Only the
// fields relevant to the Type are populated.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	TaskID    string
	Step      int
	Message   string
	Action    *Action
	Image     []byte
}

// EventBus broadcasts task events to passive observers. Delivery is fire and
// forget: a subscriber whose buffer is full loses the event rather than
// stalling the execution loop. Consumers that must not miss events should
// size their buffer accordingly.
type EventBus struct {
	logger *zap.Logger

	mu          sync.RWMutex
	subscribers []chan Event
	bufferSize  int
	isShutdown  bool
}

// NewEventBus initializes an EventBus with the given per-subscriber buffer.
func NewEventBus(logger *zap.Logger, bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		logger:     logger.Named("event_bus"),
		bufferSize: bufferSize,
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *EventBus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.isShutdown {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Slow consumer: drop rather than block the loop.
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("event_type", string(ev.Type)),
				zap.String("event_id", ev.ID))
		}
	}
}

// Subscribe returns a channel of events plus an unsubscribe function. The
// channel is closed on unsubscribe or bus shutdown.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.isShutdown {
		close(ch)
		return ch, func() {}
	}
	b.subscribers = append(b.subscribers, ch)

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.isShutdown {
			return
		}
		for i, sub := range b.subscribers {
			if sub == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Shutdown closes all subscriber channels. Publishing after shutdown is a
// no-op.
func (b *EventBus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isShutdown {
		return
	}
	b.isShutdown = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
