package pipeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a progress event.
type EventType string

const (
	EventPipelineStarted   EventType = "pipeline_started"
	EventPipelineCompleted EventType = "pipeline_completed"
	EventPipelineFailed    EventType = "pipeline_failed"
	EventPipelinePaused    EventType = "pipeline_paused"
	EventPipelineResumed   EventType = "pipeline_resumed"
	EventNodeStarted       EventType = "node_started"
	EventNodeCompleted     EventType = "node_completed"
	EventNodeFailed        EventType = "node_failed"
	EventNodeSkipped       EventType = "node_skipped"
	EventApprovalRequired  EventType = "approval_required"
)

// Event is emitted by the engine as a run progresses. Fields that do not
// apply to the event type are left empty.
type Event struct {
	Type          EventType      `json:"type"`
	RunID         string         `json:"runId"`
	PipelineID    string         `json:"pipelineId"`
	Time          time.Time      `json:"time"`
	NodeID        string         `json:"nodeId,omitempty"`
	NodeType      NodeType       `json:"nodeType,omitempty"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Prompt        string         `json:"prompt,omitempty"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty"`
	DefaultAction ApprovalAction `json:"defaultAction,omitempty"`
	Attempt       int            `json:"attempt,omitempty"`
	// Duration is set on node_completed and node_failed.
	Duration time.Duration `json:"duration,omitempty"`
}

// Listener receives events. It is called synchronously on the emitting goroutine.
type Listener func(Event)

type subscription struct {
	id string
	fn Listener
}

// EventBus fans events out to subscribers in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

// NewEventBus creates an EventBus. A nil logger means slog.Default().
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{logger: logger}
}

// Subscribe registers fn and returns its subscription id.
func (b *EventBus) Subscribe(fn Listener) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers ev to every subscriber. A panicking subscriber is logged
// and does not stop delivery to the others.
func (b *EventBus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *EventBus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"subscription", s.id, "event", ev.Type, "run_id", ev.RunID, "panic", r)
		}
	}()
	s.fn(ev)
}
