// Package pairing issues one-time pairing tokens and the long-lived
// device tokens that gate every REST and stream endpoint.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawlink/internal/persistence"
)

// ErrAuth is returned for every authentication failure: unknown token,
// expired token, already-consumed pairing token. Callers get no more
// detail than that, by contract.
var ErrAuth = errors.New("authentication failed")

const (
	tokenBytes        = 32
	DefaultPairingTTL = 10 * time.Minute
)

// Device describes an authenticated device. The bearer token itself is
// never carried on this struct once authentication has happened.
type Device struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Service manages pairing and device tokens on top of the store.
// Device tokens are cached in memory so per-request authentication does
// not hit the database; the cache is refreshed on every pairing.
type Service struct {
	store  *persistence.Store
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]Device // bearer token -> device
}

// NewService builds a Service and primes the device-token cache.
func NewService(ctx context.Context, store *persistence.Store, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:   store,
		logger:  logger,
		devices: make(map[string]Device),
	}
	if err := s.reloadDevices(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) reloadDevices(ctx context.Context) error {
	records, err := s.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	devices := make(map[string]Device, len(records))
	for _, rec := range records {
		devices[rec.Token] = Device{ID: rec.ID, Name: rec.Name, CreatedAt: rec.CreatedAt}
	}
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
	return nil
}

// IssuePairingToken mints a single-use, time-boxed pairing token.
func (s *Service) IssuePairingToken(ctx context.Context, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPairingTTL
	}
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := s.store.InsertPairingToken(ctx, token, time.Now().UTC().Add(ttl)); err != nil {
		return "", err
	}
	s.logger.Info("pairing token issued", "ttl", ttl)
	return token, nil
}

// ConsumePairingToken exchanges a pairing token for a device token.
// Unknown, expired, and replayed tokens all fail identically with ErrAuth.
// The candidate is matched against outstanding tokens in constant time.
func (s *Service) ConsumePairingToken(ctx context.Context, token, deviceName string) (string, Device, error) {
	now := time.Now().UTC()
	active, err := s.store.ListActivePairingTokens(ctx, now)
	if err != nil {
		return "", Device{}, err
	}

	matched := ""
	for _, candidate := range active {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate.Token)) == 1 {
			matched = candidate.Token
		}
	}
	if matched == "" {
		s.logger.Warn("pairing rejected", "reason", "unknown_or_expired")
		return "", Device{}, ErrAuth
	}

	// The UPDATE re-checks consumed_at, so a concurrent consumer of the
	// same token loses here rather than racing to two device tokens.
	ok, err := s.store.ConsumePairingToken(ctx, matched, now)
	if err != nil {
		return "", Device{}, err
	}
	if !ok {
		s.logger.Warn("pairing rejected", "reason", "already_consumed")
		return "", Device{}, ErrAuth
	}

	deviceToken, err := newToken()
	if err != nil {
		return "", Device{}, err
	}
	if strings.TrimSpace(deviceName) == "" {
		deviceName = "unnamed device"
	}
	device := persistence.Device{
		Token: deviceToken,
		ID:    uuid.NewString(),
		Name:  strings.TrimSpace(deviceName),
	}
	if err := s.store.InsertDevice(ctx, device); err != nil {
		return "", Device{}, err
	}
	if err := s.reloadDevices(ctx); err != nil {
		return "", Device{}, err
	}
	s.logger.Info("device paired", "device_id", device.ID, "device_name", device.Name)
	return deviceToken, Device{ID: device.ID, Name: device.Name, CreatedAt: time.Now().UTC()}, nil
}

// Authenticate validates a device token. Comparison is constant-time
// across all known tokens.
func (s *Service) Authenticate(ctx context.Context, token string) (Device, error) {
	if token == "" {
		return Device{}, ErrAuth
	}
	s.mu.RLock()
	var found Device
	matched := false
	for candidate, device := range s.devices {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			found = device
			matched = true
		}
	}
	s.mu.RUnlock()
	if !matched {
		return Device{}, ErrAuth
	}
	_ = s.store.TouchDeviceLastSeen(ctx, found.ID, time.Now().UTC())
	return found, nil
}

// AuthenticateRequest extracts the bearer token from an HTTP request and
// validates it.
func (s *Service) AuthenticateRequest(r *http.Request) (Device, error) {
	return s.Authenticate(r.Context(), BearerToken(r))
}

// BearerToken extracts the bearer token from the Authorization header.
func BearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
