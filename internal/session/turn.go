package session

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/basket/clawlink/internal/event"
)

// ErrTurnConflict is returned when a turn is submitted with a different
// clientTurnId while another turn is active. The active turn is untouched.
var ErrTurnConflict = errors.New("clientTurnId conflict: another turn is active")

type turnState struct {
	requestID    string
	clientTurnID string
	stage        string
	cancel       context.CancelFunc
}

// SubmitTurn accepts a turn for execution and returns the server-rotated
// request id. The call succeeds as soon as the turn is accepted; the
// dispatched and started stages arrive as turn_ack events.
//
// A resubmission with the clientTurnId of the active turn is treated as a
// client retry: it appends a duplicate turn_ack and succeeds without
// starting a second turn. A submission with a different clientTurnId
// fails with ErrTurnConflict.
func (s *Session) SubmitTurn(clientTurnID, message string) (string, error) {
	s.mu.Lock()
	if s.turn != nil {
		if s.turn.clientTurnID == clientTurnID {
			requestID := s.turn.requestID
			s.appendLocked(event.TypeTurnAck, event.TurnAck{
				RequestID:    requestID,
				ClientTurnID: clientTurnID,
				Stage:        s.turn.stage,
				Duplicate:    true,
			})
			s.mu.Unlock()
			s.deps.metrics.DuplicateTurns.Add(context.Background(), 1)
			s.deps.logger.Info("duplicate turn suppressed",
				"session_id", s.ID, "client_turn_id", clientTurnID, "request_id", requestID)
			return requestID, nil
		}
		s.mu.Unlock()
		s.deps.metrics.TurnConflicts.Add(context.Background(), 1)
		return "", ErrTurnConflict
	}

	requestID := uuid.NewString()
	turnCtx, cancel := context.WithCancel(context.Background())
	s.turn = &turnState{
		requestID:    requestID,
		clientTurnID: clientTurnID,
		stage:        event.StageAccepted,
		cancel:       cancel,
	}
	s.appendLocked(event.TypeTurnAck, event.TurnAck{
		RequestID:    requestID,
		ClientTurnID: clientTurnID,
		Stage:        event.StageAccepted,
	})
	s.mu.Unlock()

	s.deps.metrics.ActiveTurns.Add(context.Background(), 1)
	go s.dispatch(turnCtx, TurnRequest{
		SessionID:    s.ID,
		RequestID:    requestID,
		ClientTurnID: clientTurnID,
		Message:      message,
	})
	return requestID, nil
}

func (s *Session) dispatch(ctx context.Context, req TurnRequest) {
	em := &emitter{s: s, requestID: req.RequestID}
	if err := s.deps.runtime.Dispatch(ctx, req, em); err != nil {
		s.deps.logger.Error("turn dispatch failed",
			"session_id", s.ID, "request_id", req.RequestID, "error", err)
		s.mu.Lock()
		if s.turn != nil && s.turn.requestID == req.RequestID {
			s.appendLocked(event.TypeError, event.Error{Message: err.Error()})
			s.finishTurnLocked(req.RequestID, err)
		}
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	// The runtime may have acknowledged (started) before Dispatch returned;
	// only record the dispatched stage if it is still pending.
	if s.turn != nil && s.turn.requestID == req.RequestID && s.turn.stage == event.StageAccepted {
		s.turn.stage = event.StageDispatched
		s.appendLocked(event.TypeTurnAck, event.TurnAck{
			RequestID:    req.RequestID,
			ClientTurnID: req.ClientTurnID,
			Stage:        event.StageDispatched,
		})
	}
	s.mu.Unlock()
}

// finishTurnLocked clears the active-turn slot unconditionally, closing
// an open stop episode with stop_confirmed on the way out.
func (s *Session) finishTurnLocked(requestID string, runErr error) {
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	if s.stopOpen {
		s.stopOpen = false
		s.stopSources = nil
		s.appendLocked(event.TypeStopConfirmed, nil)
	}
	end := event.AgentEnd{RequestID: requestID}
	if runErr != nil {
		end.Error = runErr.Error()
	}
	s.appendLocked(event.TypeAgentEnd, end)
	s.turn = nil
	s.deps.metrics.ActiveTurns.Add(context.Background(), -1)
}

// emitter routes runtime progress for one turn into the session log.
// Emissions for a superseded request id are dropped.
type emitter struct {
	s         *Session
	requestID string
}

func (e *emitter) current() bool {
	return e.s.turn != nil && e.s.turn.requestID == e.requestID
}

func (e *emitter) AgentStarted() {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if !e.current() {
		return
	}
	turn := e.s.turn
	// Preserve accepted -> dispatched -> started ordering even when the
	// runtime acknowledges before Dispatch has returned.
	if turn.stage == event.StageAccepted {
		turn.stage = event.StageDispatched
		e.s.appendLocked(event.TypeTurnAck, event.TurnAck{
			RequestID:    turn.requestID,
			ClientTurnID: turn.clientTurnID,
			Stage:        event.StageDispatched,
		})
	}
	if turn.stage != event.StageDispatched {
		return
	}
	turn.stage = event.StageStarted
	e.s.appendLocked(event.TypeTurnAck, event.TurnAck{
		RequestID:    turn.requestID,
		ClientTurnID: turn.clientTurnID,
		Stage:        event.StageStarted,
	})
	e.s.appendLocked(event.TypeAgentStart, event.AgentStart{
		RequestID:    turn.requestID,
		ClientTurnID: turn.clientTurnID,
	})
}

func (e *emitter) TextDelta(text string) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if !e.current() {
		return
	}
	e.s.appendLocked(event.TypeTextDelta, event.TextDelta{Text: text})
}

func (e *emitter) ToolStart(toolCallID, tool, input string) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if !e.current() {
		return
	}
	e.s.appendLocked(event.TypeToolStart, event.ToolStart{
		ToolCallID: toolCallID,
		Tool:       tool,
		Input:      input,
	})
}

func (e *emitter) ToolOutput(toolCallID, chunk string) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if !e.current() {
		return
	}
	e.s.appendLocked(event.TypeToolOutput, event.ToolOutput{
		ToolCallID: toolCallID,
		Chunk:      chunk,
	})
}

func (e *emitter) ToolEnd(toolCallID string, toolErr error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if !e.current() {
		return
	}
	end := event.ToolEnd{ToolCallID: toolCallID}
	if toolErr != nil {
		end.Error = toolErr.Error()
	}
	e.s.appendLocked(event.TypeToolEnd, end)
}

func (e *emitter) AgentEnded(runErr error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if !e.current() {
		return
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		e.s.appendLocked(event.TypeError, event.Error{Message: runErr.Error()})
	}
	e.s.finishTurnLocked(e.requestID, runErr)
}
