// Package permission pairs asynchronous approval requests with their
// responses. Requests are surfaced as session events; whichever connection
// answers first wins, and unanswered requests deny themselves on timeout.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawlink/internal/event"
	"github.com/basket/clawlink/internal/otel"
	"github.com/basket/clawlink/internal/session"
)

var (
	// ErrNotFound is returned for responses to unknown request ids.
	ErrNotFound = errors.New("permission request not found")
	// ErrAlreadyResolved is returned for any response after the first.
	ErrAlreadyResolved = errors.New("permission request already resolved")
)

// DefaultTimeout applies when a raise carries no explicit timeout.
const DefaultTimeout = 60 * time.Second

// Decision is the terminal outcome of one permission request.
type Decision struct {
	Action      string
	Scope       string
	ExpiresInMs int64
	Reason      string
}

type request struct {
	id        string
	sessionID string
	timer     *time.Timer
	resolved  bool
	decision  Decision
	done      chan struct{}
}

// Gate tracks pending permission requests across all sessions.
type Gate struct {
	sessions *session.Manager
	logger   *slog.Logger
	metrics  *otel.Metrics
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*request
}

// NewGate creates a Gate. timeout is the default auto-deny deadline.
func NewGate(sessions *session.Manager, timeout time.Duration, logger *slog.Logger, metrics *otel.Metrics) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = otel.NewNoopMetrics()
	}
	return &Gate{
		sessions: sessions,
		logger:   logger,
		metrics:  metrics,
		timeout:  timeout,
		pending:  make(map[string]*request),
	}
}

// Raise creates a permission request, appends the permission_request
// event, and arms the auto-deny timeout.
func (g *Gate) Raise(ctx context.Context, sessionID, tool, risk, reason string, timeout time.Duration) (event.PermissionRequest, error) {
	sess, err := g.sessions.Ensure(ctx, sessionID)
	if err != nil {
		return event.PermissionRequest{}, err
	}
	if timeout <= 0 {
		timeout = g.timeout
	}

	id := uuid.NewString()
	payload := event.PermissionRequest{
		ID:        id,
		Tool:      tool,
		Risk:      risk,
		Reason:    reason,
		TimeoutAt: time.Now().UTC().Add(timeout),
	}

	req := &request{
		id:        id,
		sessionID: sessionID,
		done:      make(chan struct{}),
	}
	req.timer = time.AfterFunc(timeout, func() { g.timeoutDeny(id) })

	g.mu.Lock()
	g.pending[id] = req
	g.mu.Unlock()

	sess.Append(event.TypePermissionRequest, payload)
	g.logger.Info("permission requested",
		"session_id", sessionID, "permission_id", id, "tool", tool, "risk", risk)
	return payload, nil
}

// Respond resolves a request. The first response wins; any later response
// for the same id fails with ErrAlreadyResolved and appends nothing. The
// responder does not have to be the connection that saw the request.
func (g *Gate) Respond(id, action, scope string, expiresInMs int64) error {
	action = validAction(action)
	if action == "" {
		return fmt.Errorf("action must be allow or deny")
	}

	g.mu.Lock()
	req, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	if req.resolved {
		g.mu.Unlock()
		return ErrAlreadyResolved
	}
	req.resolved = true
	req.decision = Decision{Action: action, Scope: scope, ExpiresInMs: expiresInMs}
	if req.timer != nil {
		req.timer.Stop()
	}
	close(req.done)
	sessionID := req.sessionID
	g.mu.Unlock()

	g.appendResponse(sessionID, event.PermissionResponse{
		ID:          id,
		Action:      action,
		Scope:       scope,
		ExpiresInMs: expiresInMs,
	})
	g.logger.Info("permission resolved",
		"session_id", sessionID, "permission_id", id, "action", action, "scope", scope)
	return nil
}

// Await blocks until the request is resolved or ctx is done.
func (g *Gate) Await(ctx context.Context, id string) (Decision, error) {
	g.mu.Lock()
	req, ok := g.pending[id]
	g.mu.Unlock()
	if !ok {
		return Decision{}, ErrNotFound
	}

	select {
	case <-req.done:
		g.mu.Lock()
		decision := req.decision
		g.mu.Unlock()
		return decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Pending returns the requests that have not yet been resolved.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for id, req := range g.pending {
		if !req.resolved {
			out = append(out, id)
		}
	}
	return out
}

func (g *Gate) timeoutDeny(id string) {
	g.mu.Lock()
	req, ok := g.pending[id]
	if !ok || req.resolved {
		g.mu.Unlock()
		return
	}
	req.resolved = true
	req.decision = Decision{Action: "deny", Reason: "timeout"}
	close(req.done)
	sessionID := req.sessionID
	g.mu.Unlock()

	g.metrics.PermissionTimeouts.Add(context.Background(), 1)
	g.appendResponse(sessionID, event.PermissionResponse{
		ID:     id,
		Action: "deny",
		Reason: "timeout",
	})
	g.logger.Info("permission auto-denied on timeout",
		"session_id", sessionID, "permission_id", id)
}

func (g *Gate) appendResponse(sessionID string, payload event.PermissionResponse) {
	sess, ok := g.sessions.Get(sessionID)
	if !ok {
		g.logger.Error("permission response for unknown session", "session_id", sessionID)
		return
	}
	sess.Append(event.TypePermissionResponse, payload)
}

func validAction(action string) string {
	switch action {
	case "allow", "deny":
		return action
	}
	return ""
}
