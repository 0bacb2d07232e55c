// Package notify queues operator-facing events, applies per-target
// cooldowns, and delivers one consolidated message per destination.
package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/agentwatch/internal/agent"
)

// EventType identifies what happened to an agent.
type EventType string

const (
	EventCrash             EventType = "crash"
	EventIdle              EventType = "idle"
	EventFreshAgent        EventType = "fresh-agent"
	EventManagerIdle       EventType = "manager-idle"
	EventManagerRecovered  EventType = "manager-recovered"
	EventError             EventType = "error"
	EventStuckInput        EventType = "stuck-input"
	EventRateLimit         EventType = "rate-limit"
	EventRateLimitResumed  EventType = "rate-limit-resumed"
	EventRecoveryExhausted EventType = "recovery-exhausted"
)

// AllEventTypes lists every event type.
var AllEventTypes = []EventType{
	EventCrash, EventIdle, EventFreshAgent, EventManagerIdle, EventManagerRecovered,
	EventError, EventStuckInput, EventRateLimit, EventRateLimitResumed, EventRecoveryExhausted,
}

// AboutManager reports whether the event type describes the manager itself.
func (t EventType) AboutManager() bool {
	switch t {
	case EventManagerIdle, EventManagerRecovered, EventRecoveryExhausted:
		return true
	}
	return false
}

// Persistent reports whether the event type must never be dropped as a
// self-notification. Without a reachable window it still reaches the sinks.
func (t EventType) Persistent() bool {
	switch t {
	case EventManagerRecovered, EventRecoveryExhausted, EventRateLimit, EventRateLimitResumed:
		return true
	}
	return false
}

// Event is one notification about a target.
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Target    string            `json:"target"`
	Session   string            `json:"session"`
	Role      agent.Role        `json:"role,omitempty"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewEvent builds an event for info.
func NewEvent(typ EventType, info agent.Info, message string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Target:    info.Target,
		Session:   info.Session,
		Role:      info.Role,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// With returns a copy of e with one metadata entry set.
func (e Event) With(key, value string) Event {
	md := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

func (e Event) key() string {
	return e.Target + "|" + string(e.Type)
}

// aboutManager reports whether the event's subject is a manager window.
func (e Event) aboutManager() bool {
	return e.Role == agent.RoleManager || e.Type.AboutManager()
}

// NewCrashEvent reports a crashed agent.
func NewCrashEvent(info agent.Info, reason string) Event {
	return NewEvent(EventCrash, info, fmt.Sprintf("%s (%s) crashed: %s", info.Target, info.Name, reason))
}

// NewIdleEvent reports an agent waiting for work.
func NewIdleEvent(info agent.Info, idleFor time.Duration) Event {
	msg := fmt.Sprintf("%s (%s) is idle", info.Target, info.Name)
	if idleFor > 0 {
		msg = fmt.Sprintf("%s (%s) has been idle for %s", info.Target, info.Name, idleFor.Round(time.Second))
	}
	typ := EventIdle
	if info.IsManager() {
		typ = EventManagerIdle
	}
	return NewEvent(typ, info, msg)
}

// NewErrorEvent reports an agent showing an error.
func NewErrorEvent(info agent.Info, reason string) Event {
	return NewEvent(EventError, info, fmt.Sprintf("%s (%s) shows an error: %s", info.Target, info.Name, reason))
}

// NewFreshAgentEvent reports a newly started agent awaiting a first task.
func NewFreshAgentEvent(info agent.Info) Event {
	return NewEvent(EventFreshAgent, info, fmt.Sprintf("%s (%s) started and is waiting for its first task", info.Target, info.Name))
}

// NewStuckInputEvent reports input that auto-submit could not flush.
func NewStuckInputEvent(info agent.Info, attempts int, text string) Event {
	return NewEvent(EventStuckInput, info,
		fmt.Sprintf("%s (%s) has unsubmitted input after %d attempts: %q", info.Target, info.Name, attempts, text))
}
