// Package session holds the per-session protocol core: the event log
// (seq assignment, ring buffer, snapshot, catch-up), the turn
// coordinator, and the stop coordinator. All mutation of one session is
// serialized behind its mutex; different sessions proceed in parallel.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/event"
	"github.com/basket/clawlink/internal/otel"
	"github.com/basket/clawlink/internal/persistence"
)

// Session owns one session's event log and coordination state.
// The zero seq means no events yet; the first appended event gets seq 1.
type Session struct {
	ID string

	mu       sync.Mutex
	seq      int64
	ring     []event.Event
	capacity int
	status   string

	turn      *turnState
	stopOpen  bool
	stopTimer *time.Timer
	// stopSources tracks which sources have signaled during the open
	// episode. User dedup is per-episode; system sources dedup
	// independently and never suppress a user signal.
	stopSources map[string]bool

	deps *deps
}

// deps are manager-level collaborators shared by all sessions.
type deps struct {
	bus         *bus.Bus
	store       *persistence.Store
	runtime     Runtime
	logger      *slog.Logger
	metrics     *otel.Metrics
	stopTimeout time.Duration
}

func newSession(id string, capacity int, d *deps) *Session {
	return &Session{
		ID:       id,
		capacity: capacity,
		status:   event.StatusIdle,
		deps:     d,
	}
}

// Append assigns the next seq, stores the event in the ring, archives it,
// and publishes a fan-out signal. It returns the appended event.
func (s *Session) Append(eventType event.Type, payload any) event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(eventType, payload)
}

func (s *Session) appendLocked(eventType event.Type, payload any) event.Event {
	s.seq++
	ev := event.Event{
		SessionID: s.ID,
		Seq:       s.seq,
		Type:      eventType,
		Payload:   payload,
		AtTime:    time.Now().UTC(),
	}

	s.ring = append(s.ring, ev)
	if len(s.ring) > s.capacity {
		overflow := len(s.ring) - s.capacity
		s.ring = append(s.ring[:0], s.ring[overflow:]...)
	}

	// Status transitions tracked by the snapshot.
	switch eventType {
	case event.TypeAgentStart:
		s.status = event.StatusRunning
	case event.TypeStopRequested:
		s.status = event.StatusStopping
	case event.TypeAgentEnd:
		s.status = event.StatusIdle
	}

	// Archival is best-effort: a failed archive narrows the get_messages
	// fallback window but never blocks the live protocol.
	if s.deps.store != nil {
		if err := s.deps.store.ArchiveEvent(context.Background(), ev); err != nil {
			s.deps.logger.Error("event archive failed", "session_id", s.ID, "seq", ev.Seq, "error", err)
		}
	}

	s.deps.metrics.EventsAppended.Add(context.Background(), 1)
	if s.deps.bus != nil {
		s.deps.bus.Publish(bus.TopicSessionEvent, ev)
	}
	return ev
}

// CatchUpResult is the reply to a catch-up query. LatestSeq is the seq
// high-water mark at the moment of the query; subscribers resume live
// delivery from it without duplicates or gaps.
type CatchUpResult struct {
	CatchUpComplete bool          `json:"catchUpComplete"`
	Events          []event.Event `json:"events"`
	LatestSeq       int64         `json:"latestSeq"`
}

// CatchUp returns every retained event with seq > sinceSeq, in ascending
// order. If eviction has removed any needed event, it reports
// CatchUpComplete=false with zero events; partial replay is never mixed
// with the snapshot fallback.
func (s *Session) CatchUp(sinceSeq int64) CatchUpResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Negative values mean the same as 0: nothing seen yet.
	if sinceSeq < 0 {
		sinceSeq = 0
	}

	res := CatchUpResult{LatestSeq: s.seq}
	if sinceSeq >= s.seq {
		res.CatchUpComplete = true
		return res
	}
	if len(s.ring) == 0 || s.ring[0].Seq > sinceSeq+1 {
		s.deps.metrics.CatchUpDesyncs.Add(context.Background(), 1)
		return res
	}

	for _, ev := range s.ring {
		if ev.Seq > sinceSeq {
			res.Events = append(res.Events, ev)
		}
	}
	res.CatchUpComplete = true
	return res
}

// Snapshot returns the full current session state.
func (s *Session) Snapshot() event.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() event.State {
	st := event.State{
		SessionID: s.ID,
		Status:    s.status,
		Seq:       s.seq,
		UpdatedAt: time.Now().UTC(),
	}
	if s.turn != nil {
		st.ActiveTurnID = s.turn.requestID
	}
	return st
}

// AppendStateSnapshot appends a state event carrying the current full
// snapshot. Used by the periodic snapshotter and after stop failures.
func (s *Session) AppendStateSnapshot() event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(event.TypeState, s.snapshotLocked())
}

// OldestRetainedSeq returns the seq of the oldest event still in the
// ring, or 0 if the ring is empty.
func (s *Session) OldestRetainedSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ring) == 0 {
		return 0
	}
	return s.ring[0].Seq
}
