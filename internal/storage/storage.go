// Package storage defines the host-provided key/value persistence the engine
// writes its identity, session, queue and consent state to, together with the
// adapters bundled for the headless agent.
package storage

import (
	"context"
	"errors"
)

// Keys written by the engine.
const (
	KeyAnonID       = "anonymous_id"
	KeySessionID    = "session_id"
	KeyPendingQueue = "pending_queue"
	KeyLastSync     = "last_sync"
	KeyConsent      = "consent_status"
)

// AllKeys lists every key the engine may write, for erasure.
var AllKeys = []string{KeyAnonID, KeySessionID, KeyPendingQueue, KeyLastSync, KeyConsent}

// ErrUnavailable is returned by adapters whose backing store cannot be reached.
var ErrUnavailable = errors.New("storage unavailable")

// Storage is durable key→string persistence.
// Get reports ok=false (and a nil error) for a missing key.
type Storage interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}
