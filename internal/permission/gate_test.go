package permission

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/basket/clawlink/internal/event"
	"github.com/basket/clawlink/internal/session"
)

func newTestGate(t *testing.T, timeout time.Duration) (*Gate, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(session.Config{
		Logger: slog.New(slog.DiscardHandler),
	})
	gate := NewGate(sessions, timeout, slog.New(slog.DiscardHandler), nil)
	return gate, sessions
}

func sessionEvents(t *testing.T, sessions *session.Manager, id string) []event.Event {
	t.Helper()
	sess, ok := sessions.Get(id)
	if !ok {
		t.Fatalf("session %q not found", id)
	}
	return sess.CatchUp(0).Events
}

func countResponses(events []event.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Type == event.TypePermissionResponse {
			n++
		}
	}
	return n
}

func TestRaise_AppendsRequestEvent(t *testing.T) {
	gate, sessions := newTestGate(t, time.Minute)

	req, err := gate.Raise(context.Background(), "s1", "bash", "high", "rm -rf build", 0)
	if err != nil {
		t.Fatalf("Raise error: %v", err)
	}
	if req.ID == "" {
		t.Fatal("empty request id")
	}
	if req.TimeoutAt.Before(time.Now()) {
		t.Fatalf("timeoutAt = %v, want in the future", req.TimeoutAt)
	}

	events := sessionEvents(t, sessions, "s1")
	if len(events) != 1 || events[0].Type != event.TypePermissionRequest {
		t.Fatalf("events = %v, want one permission_request", events)
	}
	payload := events[0].Payload.(event.PermissionRequest)
	if payload.Tool != "bash" || payload.Risk != "high" {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestRespond_FirstWins(t *testing.T) {
	gate, sessions := newTestGate(t, time.Minute)
	req, err := gate.Raise(context.Background(), "s1", "bash", "low", "", 0)
	if err != nil {
		t.Fatalf("Raise error: %v", err)
	}

	if err := gate.Respond(req.ID, "allow", "once", 0); err != nil {
		t.Fatalf("first Respond error: %v", err)
	}
	if err := gate.Respond(req.ID, "deny", "", 0); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second Respond err = %v, want ErrAlreadyResolved", err)
	}

	events := sessionEvents(t, sessions, "s1")
	if n := countResponses(events); n != 1 {
		t.Fatalf("permission_response count = %d, want 1", n)
	}
	for _, ev := range events {
		if ev.Type != event.TypePermissionResponse {
			continue
		}
		payload := ev.Payload.(event.PermissionResponse)
		if payload.Action != "allow" || payload.Scope != "once" {
			t.Fatalf("response payload = %+v, want the first decision", payload)
		}
	}
}

func TestRespond_UnknownID(t *testing.T) {
	gate, _ := newTestGate(t, time.Minute)
	if err := gate.Respond("nope", "allow", "", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRespond_InvalidAction(t *testing.T) {
	gate, _ := newTestGate(t, time.Minute)
	req, err := gate.Raise(context.Background(), "s1", "bash", "", "", 0)
	if err != nil {
		t.Fatalf("Raise error: %v", err)
	}
	if err := gate.Respond(req.ID, "maybe", "", 0); err == nil {
		t.Fatal("Respond accepted invalid action")
	}
	// Invalid action must not resolve the request.
	if err := gate.Respond(req.ID, "deny", "", 0); err != nil {
		t.Fatalf("Respond after invalid action error: %v", err)
	}
}

func TestTimeout_AutoDenies(t *testing.T) {
	gate, sessions := newTestGate(t, time.Minute)
	req, err := gate.Raise(context.Background(), "s1", "bash", "high", "", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Raise error: %v", err)
	}

	decision, err := gate.Await(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Await error: %v", err)
	}
	if decision.Action != "deny" || decision.Reason != "timeout" {
		t.Fatalf("decision = %+v, want deny/timeout", decision)
	}

	events := sessionEvents(t, sessions, "s1")
	if n := countResponses(events); n != 1 {
		t.Fatalf("permission_response count = %d, want 1", n)
	}
	for _, ev := range events {
		if ev.Type != event.TypePermissionResponse {
			continue
		}
		payload := ev.Payload.(event.PermissionResponse)
		if payload.Action != "deny" || payload.Reason != "timeout" {
			t.Fatalf("response payload = %+v, want auto-deny", payload)
		}
	}

	// A late response after the timeout is rejected.
	if err := gate.Respond(req.ID, "allow", "", 0); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("late Respond err = %v, want ErrAlreadyResolved", err)
	}
}

func TestAwait_UnblocksOnRespond(t *testing.T) {
	gate, _ := newTestGate(t, time.Minute)
	req, err := gate.Raise(context.Background(), "s1", "write", "", "", 0)
	if err != nil {
		t.Fatalf("Raise error: %v", err)
	}

	done := make(chan Decision, 1)
	go func() {
		d, err := gate.Await(context.Background(), req.ID)
		if err != nil {
			return
		}
		done <- d
	}()

	time.Sleep(10 * time.Millisecond)
	if err := gate.Respond(req.ID, "allow", "session", 60000); err != nil {
		t.Fatalf("Respond error: %v", err)
	}

	select {
	case d := <-done:
		if d.Action != "allow" || d.Scope != "session" || d.ExpiresInMs != 60000 {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not unblock after Respond")
	}
}

func TestAwait_ContextCancel(t *testing.T) {
	gate, _ := newTestGate(t, time.Minute)
	req, err := gate.Raise(context.Background(), "s1", "bash", "", "", 0)
	if err != nil {
		t.Fatalf("Raise error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gate.Await(ctx, req.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
