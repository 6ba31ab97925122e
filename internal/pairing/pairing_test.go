package pairing

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/clawlink/internal/persistence"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(context.Background(), store, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestPairingLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssuePairingToken(ctx, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(token) != tokenBytes*2 {
		t.Fatalf("token length = %d, want %d hex chars", len(token), tokenBytes*2)
	}

	deviceToken, device, err := svc.ConsumePairingToken(ctx, token, "my phone")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if deviceToken == "" || deviceToken == token {
		t.Fatalf("device token = %q, want fresh non-empty token", deviceToken)
	}
	if device.Name != "my phone" {
		t.Fatalf("device name = %q, want %q", device.Name, "my phone")
	}

	got, err := svc.Authenticate(ctx, deviceToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got.ID != device.ID {
		t.Fatalf("device id = %q, want %q", got.ID, device.ID)
	}
}

func TestPairingTokenReplayRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssuePairingToken(ctx, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, _, err := svc.ConsumePairingToken(ctx, token, "first"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, _, err := svc.ConsumePairingToken(ctx, token, "second"); !errors.Is(err, ErrAuth) {
		t.Fatalf("replay err = %v, want ErrAuth", err)
	}
}

func TestPairingTokenExpiry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssuePairingToken(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, _, err := svc.ConsumePairingToken(ctx, token, "late"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expired err = %v, want ErrAuth", err)
	}
}

func TestAuthenticate_UnknownToken(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Authenticate(context.Background(), "bogus"); !errors.Is(err, ErrAuth) {
		t.Fatalf("err = %v, want ErrAuth", err)
	}
	if _, err := svc.Authenticate(context.Background(), ""); !errors.Is(err, ErrAuth) {
		t.Fatalf("empty token err = %v, want ErrAuth", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"padded", "  Bearer abc123  ", "abc123"},
		{"missing", "", ""},
		{"wrong scheme", "Basic abc123", ""},
		{"bare token", "abc123", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/stream", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			if got := BearerToken(r); got != tc.want {
				t.Fatalf("BearerToken(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	token, err := svc.IssuePairingToken(ctx, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	deviceToken, device, err := svc.ConsumePairingToken(ctx, token, "tablet")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	r := httptest.NewRequest("GET", "/stream", nil)
	r.Header.Set("Authorization", "Bearer "+deviceToken)
	got, err := svc.AuthenticateRequest(r)
	if err != nil {
		t.Fatalf("authenticate request: %v", err)
	}
	if got.ID != device.ID {
		t.Fatalf("device id = %q, want %q", got.ID, device.ID)
	}

	r = httptest.NewRequest("GET", "/stream", nil)
	if _, err := svc.AuthenticateRequest(r); !errors.Is(err, ErrAuth) {
		t.Fatalf("missing header err = %v, want ErrAuth", err)
	}
}
