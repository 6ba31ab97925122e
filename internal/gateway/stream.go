package gateway

import (
	"context"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/event"
)

// Subscription levels. "full" streams every event; "summary" drops the
// high-churn delta events (text_delta, tool_output) and keeps lifecycle
// and decision events, for low-bandwidth clients.
const (
	LevelFull    = "full"
	LevelSummary = "summary"
)

// subscription is one connection's live view of one session: the
// high-water mark of what has been pushed, and the detail level.
type subscription struct {
	mark  int64
	level string
}

// subscribeConn registers a connection for live push on a session. The
// first subscription starts the connection's bus listener goroutine.
func (s *Server) subscribeConn(c *conn, sessionID string, lastSeq int64, level string) {
	if s.cfg.Bus == nil {
		return
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subs == nil {
		c.subs = make(map[string]*subscription)
	}
	c.subs[sessionID] = &subscription{mark: lastSeq, level: level}

	if c.busSub == nil {
		c.busSub = s.cfg.Bus.Subscribe(bus.TopicSessionEvent)
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go s.forwardBusEvents(busCtx, c)
	}
}

// forwardBusEvents treats bus deliveries as wake-up signals, not as the
// event transport itself: the bus drops on backpressure, so on every
// wake-up the forwarder re-reads the session log from the connection's
// own high-water mark. A dropped bus delivery at worst delays a push
// until the next append; it can never cause a gap.
func (s *Server) forwardBusEvents(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case busEv, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			ev, ok := busEv.Payload.(event.Event)
			if !ok || ev.SessionID == "" {
				continue
			}
			s.forwardSession(ctx, c, ev.SessionID)
		}
	}
}

// forwardSession pushes every event appended since the connection's
// high-water mark for one session. If the ring has already evicted past
// the mark (the connection fell too far behind), it emits a desync frame
// and fast-forwards the mark; the client falls back to get_messages.
func (s *Server) forwardSession(ctx context.Context, c *conn, sessionID string) {
	c.fwdMu.Lock()
	defer c.fwdMu.Unlock()

	c.subMu.Lock()
	sub, subscribed := c.subs[sessionID]
	var lastSeq int64
	var level string
	if subscribed {
		lastSeq = sub.mark
		level = sub.level
	}
	c.subMu.Unlock()
	if !subscribed {
		return
	}

	sess, ok := s.cfg.Sessions.Get(sessionID)
	if !ok {
		return
	}
	res := sess.CatchUp(lastSeq)

	if !res.CatchUpComplete {
		_ = c.write(ctx, frame{
			Type:      "desync",
			SessionID: sessionID,
			LatestSeq: res.LatestSeq,
		})
		s.advanceMark(c, sessionID, res.LatestSeq)
		return
	}

	var maxSent int64
	for _, ev := range res.Events {
		// The mark still advances past filtered events so they are
		// never replayed on a later level change.
		if level != LevelSummary || !isDeltaEvent(ev.Type) {
			if err := c.write(ctx, frame{Type: "event", Event: ev}); err != nil {
				return
			}
		}
		if ev.Seq > maxSent {
			maxSent = ev.Seq
		}
	}
	if maxSent > 0 {
		s.advanceMark(c, sessionID, maxSent)
	}
}

func isDeltaEvent(t event.Type) bool {
	return t == event.TypeTextDelta || t == event.TypeToolOutput
}

func (s *Server) advanceMark(c *conn, sessionID string, seq int64) {
	c.subMu.Lock()
	if sub, ok := c.subs[sessionID]; ok && seq > sub.mark {
		sub.mark = seq
	}
	c.subMu.Unlock()
}
