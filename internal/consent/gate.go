// Package consent decides whether any tracking is permitted.
package consent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gyaneshwarpardhi/anonsdk/internal/metrics"
	"github.com/gyaneshwarpardhi/anonsdk/internal/storage"
)

// State is the persisted consent decision.
type State string

const (
	Unknown State = "unknown"
	Granted State = "granted"
	Revoked State = "revoked"
)

// Callback asks the host for a decision when none is persisted.
type Callback func() bool

// Gate is safe for concurrent use.
type Gate struct {
	store    storage.Storage
	callback Callback
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	allowed atomic.Bool
}

// New creates a gate in the Unknown state. callback may be nil, in which
// case an unknown decision resolves to Granted.
func New(store storage.Storage, callback Callback, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:    store,
		callback: callback,
		logger:   logger.With("component", "consent"),
		state:    Unknown,
	}
}

// Check resolves the current decision: persisted state first, else the host
// callback (asked once, result persisted).
func (g *Gate) Check(ctx context.Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != Unknown {
		return g.state == Granted
	}

	v, ok, err := g.store.Get(ctx, storage.KeyConsent)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("consent_get").Inc()
		g.logger.Warn("consent state unreadable; asking host", "err", err)
	}
	if ok && (State(v) == Granted || State(v) == Revoked) {
		g.setLocked(State(v))
		return g.state == Granted
	}

	granted := g.ask()
	g.setLocked(stateOf(granted))
	g.persistLocked(ctx)
	return granted
}

// ask runs the host callback; a panicking callback counts as a refusal.
func (g *Gate) ask() (granted bool) {
	if g.callback == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("consent callback panicked; treating as revoked", "panic", r)
			granted = false
		}
	}()
	return g.callback()
}

// Set records a new decision and reports whether it differs from the previous one.
func (g *Gate) Set(ctx context.Context, granted bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := stateOf(granted)
	changed := g.state != next
	g.setLocked(next)
	g.persistLocked(ctx)
	if changed {
		g.logger.Info("consent changed", "state", next)
	}
	return changed
}

// Allowed is a lock-free read of the last resolved decision.
// It is false until Check or Set has run.
func (g *Gate) Allowed() bool {
	return g.allowed.Load()
}

// State returns the current decision.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Forget removes the persisted decision; the next Check asks the host again.
func (g *Gate) Forget(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLocked(Unknown)
	if err := g.store.Remove(ctx, storage.KeyConsent); err != nil {
		g.logger.Warn("consent erase failed", "err", err)
	}
}

func (g *Gate) setLocked(s State) {
	g.state = s
	g.allowed.Store(s == Granted)
}

func (g *Gate) persistLocked(ctx context.Context) {
	if err := g.store.Set(ctx, storage.KeyConsent, string(g.state)); err != nil {
		metrics.StorageErrors.WithLabelValues("consent_set").Inc()
		g.logger.Warn("consent state not persisted", "err", err)
	}
}

func stateOf(granted bool) State {
	if granted {
		return Granted
	}
	return Revoked
}
