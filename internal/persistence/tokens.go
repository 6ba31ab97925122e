package persistence

import (
	"context"
	"fmt"
	"time"
)

// PairingToken is a row in the pairing_tokens table.
type PairingToken struct {
	Token      string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Device is a row in the devices table. Token is the long-lived bearer
// credential; ID is the stable public identifier.
type Device struct {
	Token      string     `json:"-"`
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// InsertPairingToken records a freshly issued single-use pairing token.
func (s *Store) InsertPairingToken(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pairing_tokens (token, expires_at, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP);
	`, token, expiresAt)
	if err != nil {
		return fmt.Errorf("insert pairing token: %w", err)
	}
	return nil
}

// ListActivePairingTokens returns unconsumed, unexpired pairing tokens.
// The pairing service compares candidates against these in constant time;
// lookup is never done by SQL equality on the secret.
func (s *Store) ListActivePairingTokens(ctx context.Context, now time.Time) ([]PairingToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, expires_at, created_at
		FROM pairing_tokens
		WHERE consumed_at IS NULL AND expires_at > ?;
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query pairing tokens: %w", err)
	}
	defer rows.Close()

	var out []PairingToken
	for rows.Next() {
		var tok PairingToken
		if err := rows.Scan(&tok.Token, &tok.ExpiresAt, &tok.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pairing token: %w", err)
		}
		out = append(out, tok)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pairing token rows: %w", err)
	}
	return out, nil
}

// ConsumePairingToken marks a token consumed. It returns false if the token
// was already consumed or is unknown, making consumption atomic even with
// concurrent pair attempts.
func (s *Store) ConsumePairingToken(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pairing_tokens
		SET consumed_at = ?
		WHERE token = ? AND consumed_at IS NULL AND expires_at > ?;
	`, now, token, now)
	if err != nil {
		return false, fmt.Errorf("consume pairing token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume pairing token: %w", err)
	}
	return n == 1, nil
}

// InsertDevice records a newly paired device.
func (s *Store) InsertDevice(ctx context.Context, d Device) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (token, id, name, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP);
	`, d.Token, d.ID, d.Name)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

// ListDevices returns all paired devices, including their tokens.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, id, name, created_at, last_seen_at FROM devices;
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.Token, &d.ID, &d.Name, &d.CreatedAt, &d.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("device rows: %w", err)
	}
	return out, nil
}

// TouchDeviceLastSeen updates a device's last_seen_at timestamp.
func (s *Store) TouchDeviceLastSeen(ctx context.Context, deviceID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET last_seen_at = ? WHERE id = ?;
	`, now, deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}
