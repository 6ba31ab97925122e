// Package runtime provides agent runtime implementations. Echo is the
// built-in runtime used for development and integration testing: it
// streams the prompt back as text deltas and simulates one tool call.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawlink/internal/session"
)

// Echo streams the turn's prompt back word by word, runs one simulated
// bash tool call, and ends the turn. Cancellation is honored between
// every chunk so stop requests resolve quickly.
type Echo struct {
	// Delay between emitted chunks. Zero streams as fast as the session
	// lock allows, which is what tests want.
	Delay  time.Duration
	Logger *slog.Logger
}

func NewEcho(delay time.Duration, logger *slog.Logger) *Echo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Echo{Delay: delay, Logger: logger}
}

// Dispatch accepts the turn and runs it on a background goroutine.
func (e *Echo) Dispatch(ctx context.Context, req session.TurnRequest, em session.Emitter) error {
	go e.run(ctx, req, em)
	return nil
}

func (e *Echo) run(ctx context.Context, req session.TurnRequest, em session.Emitter) {
	em.AgentStarted()

	for _, word := range strings.Fields(req.Message) {
		if err := e.pause(ctx); err != nil {
			em.AgentEnded(err)
			return
		}
		em.TextDelta(word + " ")
	}

	if err := e.pause(ctx); err != nil {
		em.AgentEnded(err)
		return
	}

	toolCallID := uuid.NewString()
	em.ToolStart(toolCallID, "bash", `{"command":"echo ok"}`)
	if err := e.pause(ctx); err != nil {
		em.ToolEnd(toolCallID, err)
		em.AgentEnded(err)
		return
	}
	em.ToolOutput(toolCallID, "ok\n")
	em.ToolEnd(toolCallID, nil)

	em.TextDelta(fmt.Sprintf("done (%d bytes)", len(req.Message)))
	em.AgentEnded(nil)
	e.Logger.Debug("echo turn complete", "session_id", req.SessionID, "request_id", req.RequestID)
}

func (e *Echo) pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
