package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
)

// handlePair exchanges a one-time pairing token for a long-lived device
// token. All failure modes return the same 401 so a caller cannot
// distinguish unknown from expired from replayed tokens.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PairingToken string `json:"pairingToken"`
		DeviceName   string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.PairingToken) == "" {
		http.Error(w, "pairingToken required", http.StatusBadRequest)
		return
	}

	deviceToken, device, err := s.cfg.Auth.ConsumePairingToken(r.Context(), body.PairingToken, body.DeviceName)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"deviceToken": deviceToken,
		"deviceId":    device.ID,
		"deviceName":  device.Name,
		"workspaceId": s.cfg.WorkspaceID,
	})
}

// handleIssuePairing lets an already-paired device mint a pairing token
// for a new device, so onboarding does not require shell access to the
// relay host.
func (s *Server) handleIssuePairing(w http.ResponseWriter, r *http.Request) {
	device, err := s.cfg.Auth.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := s.cfg.Auth.IssuePairingToken(r.Context(), s.cfg.PairingTTL)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("pairing token issued via api", "device_id", device.ID)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pairingToken": token,
		"expiresInMs":  s.cfg.PairingTTL.Milliseconds(),
	})
}

// handleMe reports the authenticated device, for client-side token checks.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	device, err := s.cfg.Auth.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"deviceId":    device.ID,
		"deviceName":  device.Name,
		"workspaceId": s.cfg.WorkspaceID,
	})
}

// handleHealthz is unauthenticated: it reports liveness, not data.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	var sessionCount, eventCount int64
	if s.cfg.Store != nil {
		var err error
		if sessionCount, err = s.cfg.Store.SessionCount(r.Context()); err != nil {
			dbOK = false
		}
		if eventCount, err = s.cfg.Store.EventCount(r.Context()); err != nil {
			dbOK = false
		}
	}

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"workspace_id":       s.cfg.WorkspaceID,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"sessions":           sessionCount,
		"archived_events":    eventCount,
		"live_sessions":      s.cfg.Sessions.Count(),
		"connections":        s.ConnCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
