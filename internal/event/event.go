// Package event defines the wire-level session event model: a closed set
// of event types, the envelope carrying them, and the typed payloads.
// Every event type is enumerated here so a new type is a compile-time
// visible change for both the relay and its clients.
package event

import "time"

// Type identifies the kind of a session event.
type Type string

const (
	TypeAgentStart         Type = "agent_start"
	TypeAgentEnd           Type = "agent_end"
	TypeTextDelta          Type = "text_delta"
	TypeToolStart          Type = "tool_start"
	TypeToolOutput         Type = "tool_output"
	TypeToolEnd            Type = "tool_end"
	TypePermissionRequest  Type = "permission_request"
	TypePermissionResponse Type = "permission_response"
	TypeTurnAck            Type = "turn_ack"
	TypeStopRequested      Type = "stop_requested"
	TypeStopConfirmed      Type = "stop_confirmed"
	TypeStopFailed         Type = "stop_failed"
	TypeState              Type = "state"
	TypeError              Type = "error"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeAgentStart, TypeAgentEnd, TypeTextDelta,
		TypeToolStart, TypeToolOutput, TypeToolEnd,
		TypePermissionRequest, TypePermissionResponse,
		TypeTurnAck, TypeStopRequested, TypeStopConfirmed, TypeStopFailed,
		TypeState, TypeError:
		return true
	}
	return false
}

// Event is one entry in a session's event log. Immutable once appended.
// Seq is assigned by the log and is strictly increasing per session.
type Event struct {
	SessionID string    `json:"sessionId"`
	Seq       int64     `json:"seq"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	AtTime    time.Time `json:"atTime"`
}

// Turn lifecycle stages reported via turn_ack events.
const (
	StageAccepted   = "accepted"
	StageDispatched = "dispatched"
	StageStarted    = "started"
)

// Session status values carried in state snapshots.
const (
	StatusIdle     = "idle"
	StatusRunning  = "running"
	StatusStopping = "stopping"
)

// Stop request sources. User-sourced stops are deduplicated per episode;
// system-sourced stops are not.
const (
	StopSourceUser   = "user"
	StopSourceSystem = "system"
)

// TurnAck is the payload of a turn_ack event.
type TurnAck struct {
	RequestID    string `json:"requestId,omitempty"`
	ClientTurnID string `json:"clientTurnId"`
	Stage        string `json:"stage"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

// AgentStart is the payload of an agent_start event.
type AgentStart struct {
	RequestID    string `json:"requestId"`
	ClientTurnID string `json:"clientTurnId"`
}

// AgentEnd is the payload of an agent_end event.
type AgentEnd struct {
	RequestID string `json:"requestId"`
	Error     string `json:"error,omitempty"`
}

// TextDelta is the payload of a text_delta event.
type TextDelta struct {
	Text string `json:"text"`
}

// ToolStart is the payload of a tool_start event. ToolCallID correlates
// the start/output/end triple of one tool invocation.
type ToolStart struct {
	ToolCallID string `json:"toolCallId"`
	Tool       string `json:"tool"`
	Input      string `json:"input,omitempty"`
}

// ToolOutput is the payload of a tool_output event.
type ToolOutput struct {
	ToolCallID string `json:"toolCallId"`
	Chunk      string `json:"chunk"`
}

// ToolEnd is the payload of a tool_end event.
type ToolEnd struct {
	ToolCallID string `json:"toolCallId"`
	Error      string `json:"error,omitempty"`
}

// PermissionRequest is the payload of a permission_request event.
type PermissionRequest struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	Risk      string    `json:"risk,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	TimeoutAt time.Time `json:"timeoutAt"`
}

// PermissionResponse is the payload of a permission_response event.
// Scope and ExpiresInMs are carried through opaquely; policy evaluation
// is the responder's concern.
type PermissionResponse struct {
	ID          string `json:"id"`
	Action      string `json:"action"` // allow | deny
	Scope       string `json:"scope,omitempty"`
	ExpiresInMs int64  `json:"expiresInMs,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// StopRequested is the payload of a stop_requested event.
type StopRequested struct {
	Source string `json:"source"`
}

// StopFailed is the payload of a stop_failed event.
type StopFailed struct {
	Reason string `json:"reason,omitempty"`
}

// State is the payload of a state event: the full snapshot a client
// rebuilds from after an incomplete catch-up.
type State struct {
	SessionID    string    `json:"sessionId"`
	Status       string    `json:"status"`
	Seq          int64     `json:"seq"`
	ActiveTurnID string    `json:"activeTurnId,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Error is the payload of an error event surfaced from the agent runtime.
type Error struct {
	Message string `json:"message"`
}
