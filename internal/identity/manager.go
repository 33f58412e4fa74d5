// Package identity owns the per-install anonymous identifier and the current session.
package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/anonsdk/internal/metrics"
	"github.com/gyaneshwarpardhi/anonsdk/internal/storage"
)

// Session is one bounded span of related events.
type Session struct {
	ID        string    `json:"sessionId"`
	StartedAt time.Time `json:"startedAt"`
}

// Manager hands out the anonymous id and session. After the first storage
// failure it stops touching storage and keeps everything in memory.
type Manager struct {
	store  storage.Storage
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	anonID   string
	session  Session
	degraded bool
}

// New creates a Manager. now may be nil.
func New(store storage.Storage, now func() time.Time, logger *slog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, now: now, logger: logger.With("component", "identity")}
}

// NewAnonID returns a fresh opaque identifier. It never encodes anything about the user.
func NewAnonID() string {
	return "anon-" + uuid.NewString()
}

// AnonID returns the install's anonymous id, creating and persisting it on first use.
func (m *Manager) AnonID(ctx context.Context) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.anonID != "" {
		return m.anonID
	}
	if !m.degraded {
		v, ok, err := m.store.Get(ctx, storage.KeyAnonID)
		if err != nil {
			m.degrade("get", err)
		} else if ok && v != "" {
			m.anonID = v
			return v
		}
	}
	m.anonID = NewAnonID()
	if !m.degraded {
		if err := m.store.Set(ctx, storage.KeyAnonID, m.anonID); err != nil {
			m.degrade("set", err)
		}
	}
	return m.anonID
}

// StartSession always begins a new session.
func (m *Manager) StartSession(ctx context.Context) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) Session {
	m.session = Session{ID: uuid.NewString(), StartedAt: m.now().UTC()}
	metrics.SessionsStarted.Inc()
	if !m.degraded {
		if err := m.store.Set(ctx, storage.KeySessionID, m.session.ID); err != nil {
			m.degrade("set", err)
		}
	}
	m.logger.Debug("session started", "session_id", m.session.ID)
	return m.session
}

// MaybeRenewSession ends the current session and starts a new one when
// idleGap exceeds threshold. onEnd, if set, sees the session being closed
// before the switch. A non-positive threshold disables renewal.
func (m *Manager) MaybeRenewSession(ctx context.Context, idleGap, threshold time.Duration, onEnd func(Session)) (Session, bool) {
	m.mu.Lock()
	if threshold <= 0 || idleGap <= threshold || m.session.ID == "" {
		s := m.session
		m.mu.Unlock()
		return s, false
	}
	ended := m.session
	m.mu.Unlock()

	if onEnd != nil {
		onEnd(ended)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session.ID != ended.ID {
		// Someone else renewed while onEnd ran.
		return m.session, false
	}
	m.logger.Debug("session expired", "session_id", ended.ID, "idle", idleGap)
	return m.startLocked(ctx), true
}

// Current returns the active session (zero value before StartSession).
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Forget drops the anonymous id and session from memory and storage.
// The next AnonID call mints a new identifier.
func (m *Manager) Forget(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anonID = ""
	m.session = Session{}
	if m.degraded {
		return
	}
	for _, k := range []string{storage.KeyAnonID, storage.KeySessionID} {
		if err := m.store.Remove(ctx, k); err != nil {
			m.logger.Warn("identity erase failed", "key", k, "err", err)
		}
	}
}

// Degraded reports whether the manager has fallen back to memory only.
func (m *Manager) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *Manager) degrade(op string, err error) {
	metrics.StorageErrors.WithLabelValues("identity_" + op).Inc()
	m.degraded = true
	m.logger.Warn("identity storage failed; using in-memory identity for this process", "op", op, "err", err)
}
