package session

import (
	"context"
	"time"

	"github.com/basket/clawlink/internal/event"
)

// RequestStop asks the active turn to cancel. It returns true if a turn
// was active (a stop episode is open or was just opened), false when
// there was nothing to stop. Either way the call itself succeeds.
//
// Within one episode each source emits at most one stop_requested event;
// repeats are suppressed at the event layer while still succeeding here.
func (s *Session) RequestStop(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.turn == nil {
		return false
	}
	if s.stopOpen {
		if s.stopSources[source] {
			s.deps.metrics.StopsSuppressed.Add(context.Background(), 1)
			return true
		}
		s.stopSources[source] = true
		s.appendLocked(event.TypeStopRequested, event.StopRequested{Source: source})
		return true
	}

	s.stopOpen = true
	s.stopSources = map[string]bool{source: true}
	s.appendLocked(event.TypeStopRequested, event.StopRequested{Source: source})
	s.turn.cancel()
	s.deps.logger.Info("stop requested",
		"session_id", s.ID, "request_id", s.turn.requestID, "source", source)

	if s.deps.stopTimeout > 0 {
		requestID := s.turn.requestID
		s.stopTimer = time.AfterFunc(s.deps.stopTimeout, func() {
			s.stopTimedOut(requestID)
		})
	}
	return true
}

// stopTimedOut closes a stop episode that the runtime failed to honor in
// time. The session converges back to a non-stopping status via an
// explicit state event so clients are never left wedged on "stopping".
func (s *Session) stopTimedOut(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopOpen || s.turn == nil || s.turn.requestID != requestID {
		return
	}
	s.stopOpen = false
	s.stopSources = nil
	s.stopTimer = nil
	s.appendLocked(event.TypeStopFailed, event.StopFailed{Reason: "cancellation timed out"})
	s.status = event.StatusRunning
	s.appendLocked(event.TypeState, s.snapshotLocked())
	s.deps.logger.Warn("stop episode failed",
		"session_id", s.ID, "request_id", requestID, "timeout", s.deps.stopTimeout)
}
