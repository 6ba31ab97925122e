package session

import "context"

// TurnRequest describes one turn handed to the agent runtime.
type TurnRequest struct {
	SessionID    string
	RequestID    string
	ClientTurnID string
	Message      string
}

// Emitter is how the runtime reports progress back into the session log.
// Emissions for a turn that is no longer active are dropped.
type Emitter interface {
	// AgentStarted acknowledges the turn has begun executing.
	AgentStarted()
	TextDelta(text string)
	ToolStart(toolCallID, tool, input string)
	ToolOutput(toolCallID, chunk string)
	ToolEnd(toolCallID string, toolErr error)
	// AgentEnded must terminate every dispatched turn, successful or not.
	AgentEnded(runErr error)
}

// Runtime is the boundary to the agent execution engine. Dispatch returns
// once the runtime has accepted the work; execution continues in the
// background and reports through em. The runtime must honor ctx
// cancellation (stop requests) and must end every accepted turn with
// em.AgentEnded.
type Runtime interface {
	Dispatch(ctx context.Context, req TurnRequest, em Emitter) error
}
