package agentloop

import (
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventSessionEnd         EventKind = "session_end"
	EventUserInput          EventKind = "user_input"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallEnd        EventKind = "tool_call_end"
	EventUsage              EventKind = "usage"
	EventWarning            EventKind = "warning"
	EventLoopDetected       EventKind = "loop_detected"
	EventError              EventKind = "error"
	EventTurnEnd            EventKind = "turn_end"
)

// SessionEvent is a typed event emitted by the agent loop.
type SessionEvent struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventHandler receives every event synchronously, in order, on the agent
// loop's goroutine. It must return quickly.
type EventHandler func(SessionEvent)

// EventEmitter delivers events to the host application. The optional handler
// sees every event; the buffered channel drops events when full so a slow
// reader never stalls the loop.
type EventEmitter struct {
	sessionID string
	handler   EventHandler
	ch        chan SessionEvent
	closed    bool
	mu        sync.Mutex
}

// NewEventEmitter creates an EventEmitter with a buffered channel.
func NewEventEmitter(sessionID string, bufferSize int, handler EventHandler) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		handler:   handler,
		ch:        make(chan SessionEvent, bufferSize),
	}
}

// Emit delivers an event. Events emitted after Close are dropped.
func (e *EventEmitter) Emit(kind EventKind, data map[string]interface{}) {
	event := SessionEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.handler != nil {
		e.handler(event)
	}
	select {
	case e.ch <- event:
	default:
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan SessionEvent {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
