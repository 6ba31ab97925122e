package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawlink/internal/bus"
	"github.com/basket/clawlink/internal/otel"
	"github.com/basket/clawlink/internal/persistence"
)

const (
	// DefaultRingCapacity bounds the per-session event ring. Reconnects
	// older than this window fall back to a full-state fetch.
	DefaultRingCapacity = 128

	// DefaultStopTimeout is how long a stop episode waits for the runtime
	// before closing with stop_failed.
	DefaultStopTimeout = 10 * time.Second
)

// Config holds the collaborators shared by all sessions.
type Config struct {
	RingCapacity int
	StopTimeout  time.Duration
	Bus          *bus.Bus
	Store        *persistence.Store
	Runtime      Runtime
	Logger       *slog.Logger
	Metrics      *otel.Metrics
}

// Manager owns the session registry.
type Manager struct {
	deps     *deps
	capacity int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager with the given config.
func NewManager(cfg Config) *Manager {
	capacity := cfg.RingCapacity
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = otel.NewNoopMetrics()
	}
	return &Manager{
		deps: &deps{
			bus:         cfg.Bus,
			store:       cfg.Store,
			runtime:     cfg.Runtime,
			logger:      logger,
			metrics:     metrics,
			stopTimeout: stopTimeout,
		},
		capacity: capacity,
		sessions: make(map[string]*Session),
	}
}

// Ensure returns the session with the given id, creating it on first use.
func (m *Manager) Ensure(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	if s, ok = m.sessions[id]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s = newSession(id, m.capacity, m.deps)
	m.sessions[id] = s
	m.mu.Unlock()

	if m.deps.store != nil {
		if err := m.deps.store.EnsureSession(ctx, id); err != nil {
			return nil, err
		}
	}
	if m.deps.bus != nil {
		m.deps.bus.Publish(bus.TopicSessionCreated, id)
	}
	m.deps.logger.Info("session created", "session_id", id)
	return s, nil
}

// Get returns an existing session, or false if the id is unknown.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// All returns every live session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
