package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawlink/internal/event"
)

// blockingRuntime starts the turn and then parks until release is
// closed, ignoring cancellation unless honorCancel is set.
type blockingRuntime struct {
	release     chan struct{}
	honorCancel bool
}

func newBlockingRuntime(honorCancel bool) *blockingRuntime {
	return &blockingRuntime{release: make(chan struct{}), honorCancel: honorCancel}
}

func (b *blockingRuntime) Dispatch(ctx context.Context, req TurnRequest, em Emitter) error {
	go func() {
		em.AgentStarted()
		if b.honorCancel {
			select {
			case <-ctx.Done():
				em.AgentEnded(ctx.Err())
				return
			case <-b.release:
			}
		} else {
			<-b.release
		}
		em.AgentEnded(nil)
	}()
	return nil
}

func TestSubmitTurn_FullLifecycle(t *testing.T) {
	rt := &fakeRuntime{run: func(ctx context.Context, req TurnRequest, em Emitter) {
		em.AgentStarted()
		em.TextDelta("hello ")
		em.ToolStart("tc1", "bash", `{"command":"ls"}`)
		em.ToolOutput("tc1", "file.txt\n")
		em.ToolEnd("tc1", nil)
		em.AgentEnded(nil)
	}}
	m := newTestManager(t, rt, 64, 0)
	s := mustSession(t, m, "s1")

	requestID, err := s.SubmitTurn("T1", "list files")
	if err != nil {
		t.Fatalf("SubmitTurn error: %v", err)
	}
	if requestID == "" {
		t.Fatal("empty requestId")
	}

	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentEnd) == 1
	})

	events := s.CatchUp(0).Events
	got := eventTypes(events)
	want := []event.Type{
		event.TypeTurnAck, // accepted
		event.TypeTurnAck, // dispatched
		event.TypeTurnAck, // started
		event.TypeAgentStart,
		event.TypeTextDelta,
		event.TypeToolStart,
		event.TypeToolOutput,
		event.TypeToolEnd,
		event.TypeAgentEnd,
	}
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	stages := []string{}
	for _, ev := range events {
		if ack, ok := ev.Payload.(event.TurnAck); ok && ev.Type == event.TypeTurnAck {
			stages = append(stages, ack.Stage)
		}
	}
	if stages[0] != event.StageAccepted || stages[1] != event.StageDispatched || stages[2] != event.StageStarted {
		t.Fatalf("ack stages = %v, want accepted/dispatched/started", stages)
	}

	if s.Snapshot().Status != event.StatusIdle {
		t.Fatalf("status = %q after agent_end, want idle", s.Snapshot().Status)
	}
}

func TestSubmitTurn_DuplicateClientTurnID(t *testing.T) {
	rt := newBlockingRuntime(false)
	m := newTestManager(t, rt, 64, 0)
	s := mustSession(t, m, "s1")

	first, err := s.SubmitTurn("T1", "do the thing")
	if err != nil {
		t.Fatalf("first SubmitTurn error: %v", err)
	}
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentStart) == 1
	})

	second, err := s.SubmitTurn("T1", "do the thing")
	if err != nil {
		t.Fatalf("duplicate SubmitTurn error: %v, want success", err)
	}
	if second != first {
		t.Fatalf("duplicate requestId = %q, want original %q", second, first)
	}

	events := s.CatchUp(0).Events
	dupAcks := 0
	for _, ev := range events {
		if ack, ok := ev.Payload.(event.TurnAck); ok && ack.Duplicate {
			dupAcks++
		}
	}
	if dupAcks != 1 {
		t.Fatalf("duplicate turn_ack count = %d, want 1", dupAcks)
	}

	close(rt.release)
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentEnd) == 1
	})
	// One physical turn: one agent_start, one agent_end.
	events = s.CatchUp(0).Events
	if n := countType(events, event.TypeAgentStart); n != 1 {
		t.Fatalf("agent_start count = %d, want 1", n)
	}
}

func TestSubmitTurn_ConflictingClientTurnID(t *testing.T) {
	rt := newBlockingRuntime(false)
	m := newTestManager(t, rt, 64, 0)
	s := mustSession(t, m, "s1")

	first, err := s.SubmitTurn("T1", "one")
	if err != nil {
		t.Fatalf("first SubmitTurn error: %v", err)
	}

	_, err = s.SubmitTurn("T2", "two")
	if !errors.Is(err, ErrTurnConflict) {
		t.Fatalf("err = %v, want ErrTurnConflict", err)
	}

	// The active turn is untouched.
	s.mu.Lock()
	active := s.turn
	s.mu.Unlock()
	if active == nil || active.requestID != first || active.clientTurnID != "T1" {
		t.Fatalf("active turn changed after conflict: %+v", active)
	}

	close(rt.release)
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentEnd) == 1
	})
}

func TestSubmitTurn_NewTurnAfterEnd(t *testing.T) {
	rt := &fakeRuntime{run: func(ctx context.Context, req TurnRequest, em Emitter) {
		em.AgentStarted()
		em.AgentEnded(nil)
	}}
	m := newTestManager(t, rt, 64, 0)
	s := mustSession(t, m, "s1")

	if _, err := s.SubmitTurn("T1", "one"); err != nil {
		t.Fatalf("first SubmitTurn error: %v", err)
	}
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentEnd) == 1
	})

	// The slot is free; a different clientTurnId is accepted now.
	if _, err := s.SubmitTurn("T2", "two"); err != nil {
		t.Fatalf("second SubmitTurn error: %v, want success after agent_end", err)
	}
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentEnd) == 2
	})
	if n := rt.dispatchCount(); n != 2 {
		t.Fatalf("dispatch count = %d, want 2", n)
	}
}

func TestRequestStop_NoActiveTurn(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{}, 64, 0)
	s := mustSession(t, m, "s1")

	if stopped := s.RequestStop(event.StopSourceUser); stopped {
		t.Fatal("RequestStop = true with no active turn, want false")
	}
	if n := countType(s.CatchUp(0).Events, event.TypeStopRequested); n != 0 {
		t.Fatalf("stop_requested count = %d, want 0", n)
	}
}

func TestRequestStop_ConcurrentCallsOneEvent(t *testing.T) {
	rt := newBlockingRuntime(true)
	m := newTestManager(t, rt, 128, time.Minute)
	s := mustSession(t, m, "s1")

	if _, err := s.SubmitTurn("T1", "long job"); err != nil {
		t.Fatalf("SubmitTurn error: %v", err)
	}
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentStart) == 1
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RequestStop(event.StopSourceUser)
		}()
	}
	wg.Wait()

	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentEnd) == 1
	})
	events := s.CatchUp(0).Events
	if n := countType(events, event.TypeStopRequested); n != 1 {
		t.Fatalf("stop_requested count = %d, want exactly 1", n)
	}
	if n := countType(events, event.TypeStopConfirmed); n != 1 {
		t.Fatalf("stop_confirmed count = %d, want 1", n)
	}

	// stop_confirmed precedes agent_end.
	var confirmedSeq, endSeq int64
	for _, ev := range events {
		switch ev.Type {
		case event.TypeStopConfirmed:
			confirmedSeq = ev.Seq
		case event.TypeAgentEnd:
			endSeq = ev.Seq
		}
	}
	if confirmedSeq >= endSeq {
		t.Fatalf("stop_confirmed seq %d not before agent_end seq %d", confirmedSeq, endSeq)
	}
}

func TestRequestStop_SystemSourceBypassesUserDedup(t *testing.T) {
	rt := newBlockingRuntime(false)
	m := newTestManager(t, rt, 128, time.Minute)
	s := mustSession(t, m, "s1")

	if _, err := s.SubmitTurn("T1", "job"); err != nil {
		t.Fatalf("SubmitTurn error: %v", err)
	}
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentStart) == 1
	})

	s.RequestStop(event.StopSourceUser)
	s.RequestStop(event.StopSourceUser)
	s.RequestStop(event.StopSourceSystem)

	events := s.CatchUp(0).Events
	user, system := 0, 0
	for _, ev := range events {
		if ev.Type != event.TypeStopRequested {
			continue
		}
		payload := ev.Payload.(event.StopRequested)
		switch payload.Source {
		case event.StopSourceUser:
			user++
		case event.StopSourceSystem:
			system++
		}
	}
	if user != 1 {
		t.Fatalf("user stop_requested count = %d, want 1", user)
	}
	if system != 1 {
		t.Fatalf("system stop_requested count = %d, want 1", system)
	}

	close(rt.release)
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentEnd) == 1
	})
}

func TestRequestStop_TimeoutConvergesState(t *testing.T) {
	// Runtime never honors cancellation; the stop timer must fire.
	rt := newBlockingRuntime(false)
	m := newTestManager(t, rt, 128, 30*time.Millisecond)
	s := mustSession(t, m, "s1")

	if _, err := s.SubmitTurn("T1", "stuck job"); err != nil {
		t.Fatalf("SubmitTurn error: %v", err)
	}
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentStart) == 1
	})

	s.RequestStop(event.StopSourceUser)
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeStopFailed) == 1
	})

	// After stop_failed a state event reports a non-stopping status.
	events := s.CatchUp(0).Events
	var failedSeq int64
	var converged bool
	for _, ev := range events {
		if ev.Type == event.TypeStopFailed {
			failedSeq = ev.Seq
		}
		if ev.Type == event.TypeState && ev.Seq > failedSeq && failedSeq > 0 {
			state := ev.Payload.(event.State)
			if state.Status != event.StatusStopping {
				converged = true
			}
		}
	}
	if !converged {
		t.Fatal("no state event with non-stopping status after stop_failed")
	}

	// A fresh stop opens a new episode on the still-running turn.
	if stopped := s.RequestStop(event.StopSourceUser); !stopped {
		t.Fatal("RequestStop after failed episode = false, want true")
	}
	if n := countType(s.CatchUp(0).Events, event.TypeStopRequested); n != 2 {
		t.Fatalf("stop_requested count = %d, want 2 across two episodes", n)
	}

	close(rt.release)
	waitFor(t, func() bool {
		return countType(s.CatchUp(0).Events, event.TypeAgentEnd) == 1
	})
}
