package models

import "time"

// SessionPhase is the lifecycle phase of an Operator Session.
type SessionPhase string

const (
	SessionPhasePrep       SessionPhase = "PREP"
	SessionPhaseRunning    SessionPhase = "RUNNING"
	SessionPhaseValidating SessionPhase = "VALIDATING"
	SessionPhaseClosed     SessionPhase = "CLOSED"
	SessionPhaseAborted    SessionPhase = "ABORTED"
)

// active reports whether the process-wide at-most-one-RUNNING/VALIDATING
// invariant counts this phase.
func (p SessionPhase) active() bool {
	return p == SessionPhaseRunning || p == SessionPhaseValidating
}

// Active reports whether the phase counts against the single-active-session
// invariant (RUNNING or VALIDATING).
func (p SessionPhase) Active() bool { return p.active() }

const heartbeatStaleAfter = 90 * time.Second

// OperatorSession tracks one operator's working session against the queue.
type OperatorSession struct {
	ID        string       `json:"id"`
	StartedAt time.Time    `json:"startedAt"`
	EndedAt   *time.Time   `json:"endedAt,omitempty"`
	Phase     SessionPhase `json:"phase"`
	Heartbeat time.Time    `json:"heartbeat"`
	Baseline  bool         `json:"baseline,omitempty"`
	Notes     string       `json:"notes,omitempty"`
}

// Stale reports whether the session's heartbeat is older than the
// 90-second staleness threshold as of now.
func (s OperatorSession) Stale(now time.Time) bool {
	return now.Sub(s.Heartbeat) > heartbeatStaleAfter
}

// EventLevel is the closed severity enum for session events.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// EventSource is the closed enum of session event origins.
type EventSource string

const (
	EventSourceWatcher      EventSource = "watcher"
	EventSourceQueue        EventSource = "queue"
	EventSourceInference    EventSource = "inference"
	EventSourceResolver     EventSource = "resolver"
	EventSourceOperator     EventSource = "operator"
	EventSourceWebhook      EventSource = "webhook"
	EventSourceStateMachine EventSource = "state_machine"
)

// SessionEvent is one append-only entry in a session's event log.
type SessionEvent struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"sessionId"`
	Timestamp time.Time              `json:"timestamp"`
	Phase     SessionPhase           `json:"phase"`
	Level     EventLevel             `json:"level"`
	Source    EventSource            `json:"source"`
	Message   string                 `json:"message"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}
