// Package gateway is the WebSocket-facing edge of the relay. It
// authenticates devices, multiplexes session subscriptions over one
// stream connection, routes commands into the session core, and fans
// appended events back out to every subscribed connection.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/event"
	"github.com/basket/clawlink/internal/otel"
	"github.com/basket/clawlink/internal/pairing"
	"github.com/basket/clawlink/internal/permission"
	"github.com/basket/clawlink/internal/persistence"
	"github.com/basket/clawlink/internal/session"
	"github.com/basket/clawlink/internal/shared"
)

// Stable app error codes echoed in rpc_error frames.
const (
	ErrCodeInvalid         = 1000
	ErrCodeNotFound        = 4040
	ErrCodeConflict        = 4090
	ErrCodeAlreadyResolved = 4091
	ErrCodeInternal        = 5000
)

// Config holds the gateway's collaborators.
type Config struct {
	Sessions *session.Manager
	Gate     *permission.Gate
	Auth     *pairing.Service
	Bus      *bus.Bus
	Store    *persistence.Store
	Logger   *slog.Logger
	Metrics  *otel.Metrics

	WorkspaceID string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, reported on
	// the stream handshake.
	ConfigFingerprint string

	// PairingTTL bounds how long an issued pairing token stays valid.
	PairingTTL time.Duration
}

// Server is the HTTP/WS gateway.
type Server struct {
	cfg    Config
	logger *slog.Logger

	connsMu sync.RWMutex
	conns   map[*conn]struct{}
}

// conn is one physical stream connection. Writes are serialized behind
// mu; subscription state behind subMu.
type conn struct {
	ws     *websocket.Conn
	device pairing.Device
	mu     sync.Mutex

	subMu     sync.Mutex
	subs      map[string]*subscription
	busSub    *bus.Subscription
	busCancel context.CancelFunc

	// fwdMu serializes forwardSession so the subscribe-time drain and the
	// bus forwarder cannot replay the same window twice.
	fwdMu sync.Mutex
}

// command is the inbound client message envelope. requestId, when
// present, is echoed on the matching rpc_result or rpc_error.
type command struct {
	Type         string `json:"type"`
	RequestID    string `json:"requestId,omitempty"`
	SessionID    string `json:"sessionId,omitempty"`
	SinceSeq     int64  `json:"sinceSeq,omitempty"`
	Level        string `json:"level,omitempty"`
	Message      string `json:"message,omitempty"`
	ClientTurnID string `json:"clientTurnId,omitempty"`
	ID           string `json:"id,omitempty"`
	Action       string `json:"action,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresInMs  int64  `json:"expiresInMs,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// frame is the outbound message envelope.
type frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Result    any    `json:"result,omitempty"`
	Code      int    `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Event     any    `json:"event,omitempty"`
	Session   string `json:"session,omitempty"`
	LatestSeq int64  `json:"latestSeq,omitempty"`

	WorkspaceID       string `json:"workspaceId,omitempty"`
	ConfigFingerprint string `json:"configFingerprint,omitempty"`
	DeviceID          string `json:"deviceId,omitempty"`
	DeviceName        string `json:"deviceName,omitempty"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otel.NewNoopMetrics()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		conns:  map[*conn]struct{}{},
	}
}

// Handler returns the gateway's HTTP mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)
	mux.HandleFunc("GET /workspaces/{workspace}/sessions/{session}/stream", s.handleLegacyStream)
	mux.HandleFunc("POST /pair", s.handlePair)
	mux.HandleFunc("POST /pairing-tokens", s.handleIssuePairing)
	mux.HandleFunc("GET /me", s.handleMe)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// handleStream serves the multiplexed endpoint. Authentication happens
// before the WebSocket upgrade so a bad token fails with a plain 401.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	device, err := s.cfg.Auth.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &conn{ws: ws, device: device}
	if err := c.write(r.Context(), frame{
		Type:              "stream_connected",
		WorkspaceID:       s.cfg.WorkspaceID,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		DeviceID:          device.ID,
		DeviceName:        device.Name,
	}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake failed")
		return
	}
	s.serveConn(r.Context(), c, "")
}

// handleLegacyStream serves the single-session endpoint. The workspace
// segment must match this relay's workspace; a mismatch is a routing
// error, distinct from an auth failure.
func (s *Server) handleLegacyStream(w http.ResponseWriter, r *http.Request) {
	device, err := s.cfg.Auth.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	workspace := r.PathValue("workspace")
	sessionID := r.PathValue("session")
	if workspace != s.cfg.WorkspaceID || sessionID == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	var sinceSeq int64
	if raw := r.URL.Query().Get("sinceSeq"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			sinceSeq = v
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &conn{ws: ws, device: device}
	if err := c.write(r.Context(), frame{Type: "connected", Session: sessionID}); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "handshake failed")
		return
	}
	// The legacy endpoint is implicitly subscribed to its path session.
	if err := s.openSubscription(r.Context(), c, sessionID, sinceSeq, LevelFull, ""); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	s.serveConn(r.Context(), c, sessionID)
}

// serveConn runs the shared read loop. defaultSession, when non-empty,
// fills in commands that omit sessionId (legacy endpoint).
func (s *Server) serveConn(ctx context.Context, c *conn, defaultSession string) {
	s.addConn(c)
	s.cfg.Metrics.ActiveConnections.Add(ctx, 1)
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithDeviceID(ctx, c.device.ID)
	logger := s.logger.With("trace_id", traceID, "device_id", c.device.ID)
	logger.Info("stream connected")
	defer func() {
		s.removeConn(c)
		s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
		logger.Info("stream disconnecting")
		_ = c.ws.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var cmd command
		if err := wsjson.Read(ctx, c.ws, &cmd); err != nil {
			logger.Debug("stream read ended", "error", err)
			return
		}
		if cmd.SessionID == "" {
			cmd.SessionID = defaultSession
		}
		logger.Debug("stream command", "command", cmd.Type, "session_id", cmd.SessionID)
		s.handleCommand(ctx, c, cmd)
	}
}

func (s *Server) handleCommand(ctx context.Context, c *conn, cmd command) {
	if cmd.SessionID != "" {
		ctx = shared.WithSessionID(ctx, cmd.SessionID)
	}
	switch cmd.Type {
	case "subscribe":
		s.cmdSubscribe(ctx, c, cmd)
	case "prompt":
		s.cmdPrompt(ctx, c, cmd)
	case "stop", "stop_session":
		s.cmdStop(ctx, c, cmd)
	case "permission_response":
		s.cmdPermissionResponse(ctx, c, cmd)
	case "get_messages":
		s.cmdGetMessages(ctx, c, cmd)
	case "list_sessions":
		s.cmdListSessions(ctx, c, cmd)
	default:
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInvalid, "unknown command type")
	}
}

// cmdSubscribe replies with the catch-up result before the subscription
// goes live, so no event is delivered twice and none is skipped: the
// live high-water mark is the latestSeq captured by the same locked
// catch-up read.
func (s *Server) cmdSubscribe(ctx context.Context, c *conn, cmd command) {
	if cmd.SessionID == "" {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInvalid, "sessionId required")
		return
	}
	switch cmd.Level {
	case "", LevelFull, LevelSummary:
	default:
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInvalid, "level must be full or summary")
		return
	}
	if err := s.openSubscription(ctx, c, cmd.SessionID, cmd.SinceSeq, cmd.Level, cmd.RequestID); err != nil {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInternal, err.Error())
	}
}

func (s *Server) openSubscription(ctx context.Context, c *conn, sessionID string, sinceSeq int64, level, requestID string) error {
	sess, err := s.cfg.Sessions.Ensure(ctx, sessionID)
	if err != nil {
		return err
	}

	// fwdMu is held across the catch-up read, the reply, and the mark
	// update so a concurrent live push on a resubscribe cannot
	// interleave an overlapping window.
	c.fwdMu.Lock()
	res := sess.CatchUp(sinceSeq)

	// The reply is unconditional: on an incomplete catch-up it is the
	// client's only signal to fall back to get_messages.
	if err := c.write(ctx, frame{
		Type:      "rpc_result",
		RequestID: requestID,
		SessionID: sessionID,
		Result:    res,
	}); err != nil {
		c.fwdMu.Unlock()
		return err
	}
	s.subscribeConn(c, sessionID, res.LatestSeq, level)
	c.fwdMu.Unlock()

	// Drain once immediately: events appended between the catch-up read
	// and the bus registration would otherwise wait for the next append.
	s.forwardSession(ctx, c, sessionID)
	return nil
}

func (s *Server) cmdPrompt(ctx context.Context, c *conn, cmd command) {
	if cmd.SessionID == "" || cmd.ClientTurnID == "" || cmd.Message == "" {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInvalid, "sessionId, clientTurnId and message required")
		return
	}
	sess, err := s.cfg.Sessions.Ensure(ctx, cmd.SessionID)
	if err != nil {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInternal, err.Error())
		return
	}
	requestID, err := sess.SubmitTurn(cmd.ClientTurnID, cmd.Message)
	if err != nil {
		if errors.Is(err, session.ErrTurnConflict) {
			s.writeError(ctx, c, cmd.RequestID, ErrCodeConflict, err.Error())
			return
		}
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInternal, err.Error())
		return
	}
	s.writeResult(ctx, c, cmd.RequestID, map[string]any{"requestId": requestID})
}

// cmdStop succeeds at the RPC layer whether or not a turn was active;
// "stopping" in the result tells the client which case it hit.
func (s *Server) cmdStop(ctx context.Context, c *conn, cmd command) {
	if cmd.SessionID == "" {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInvalid, "sessionId required")
		return
	}
	sess, ok := s.cfg.Sessions.Get(cmd.SessionID)
	if !ok {
		s.writeResult(ctx, c, cmd.RequestID, map[string]any{"stopping": false})
		return
	}
	stopping := sess.RequestStop(event.StopSourceUser)
	s.writeResult(ctx, c, cmd.RequestID, map[string]any{"stopping": stopping})
}

func (s *Server) cmdPermissionResponse(ctx context.Context, c *conn, cmd command) {
	if cmd.ID == "" {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInvalid, "id required")
		return
	}
	err := s.cfg.Gate.Respond(cmd.ID, cmd.Action, cmd.Scope, cmd.ExpiresInMs)
	switch {
	case err == nil:
		s.writeResult(ctx, c, cmd.RequestID, map[string]any{"resolved": true})
	case errors.Is(err, permission.ErrNotFound):
		s.writeError(ctx, c, cmd.RequestID, ErrCodeNotFound, err.Error())
	case errors.Is(err, permission.ErrAlreadyResolved):
		s.writeError(ctx, c, cmd.RequestID, ErrCodeAlreadyResolved, err.Error())
	default:
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInvalid, err.Error())
	}
}

// cmdGetMessages is the fallback after an incomplete catch-up: the full
// snapshot plus the archived history from durable storage.
func (s *Server) cmdGetMessages(ctx context.Context, c *conn, cmd command) {
	if cmd.SessionID == "" {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInvalid, "sessionId required")
		return
	}
	sess, err := s.cfg.Sessions.Ensure(ctx, cmd.SessionID)
	if err != nil {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInternal, err.Error())
		return
	}
	state := sess.Snapshot()

	var history []persistence.ArchivedEvent
	if s.cfg.Store != nil {
		history, err = s.cfg.Store.ListEventsFrom(ctx, cmd.SessionID, cmd.SinceSeq, cmd.Limit)
		if err != nil {
			s.writeError(ctx, c, cmd.RequestID, ErrCodeInternal, err.Error())
			return
		}
	}
	s.writeResult(ctx, c, cmd.RequestID, map[string]any{
		"state":  state,
		"events": history,
	})
}

func (s *Server) cmdListSessions(ctx context.Context, c *conn, cmd command) {
	if s.cfg.Store == nil {
		s.writeResult(ctx, c, cmd.RequestID, map[string]any{"sessions": []any{}})
		return
	}
	sessions, err := s.cfg.Store.ListSessions(ctx, cmd.Limit)
	if err != nil {
		s.writeError(ctx, c, cmd.RequestID, ErrCodeInternal, err.Error())
		return
	}
	s.writeResult(ctx, c, cmd.RequestID, map[string]any{"sessions": sessions})
}

func (s *Server) writeResult(ctx context.Context, c *conn, requestID string, result any) {
	if err := c.write(ctx, frame{Type: "rpc_result", RequestID: requestID, Result: result}); err != nil {
		s.logger.Error("stream write result failed", "error", err)
	}
}

func (s *Server) writeError(ctx context.Context, c *conn, requestID string, code int, msg string) {
	s.logger.Warn("stream command rejected",
		"code", code,
		"reason", msg,
		"trace_id", shared.TraceID(ctx),
		"session_id", shared.SessionID(ctx),
		"device_id", shared.DeviceID(ctx))
	if err := c.write(ctx, frame{Type: "rpc_error", RequestID: requestID, Code: code, Message: msg}); err != nil {
		s.logger.Error("stream write error failed", "error", err)
	}
}

func (s *Server) addConn(c *conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) removeConn(c *conn) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, c)
}

// ConnCount returns the number of live stream connections.
func (s *Server) ConnCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (c *conn) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.ws, payload)
}
