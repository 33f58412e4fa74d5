package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
	"github.com/gyaneshwarpardhi/anonsdk/internal/flush"
	"github.com/gyaneshwarpardhi/anonsdk/internal/storage"
	"github.com/gyaneshwarpardhi/anonsdk/internal/transport"
)

var (
	// ErrInvalidConfig wraps every configuration problem reported by Init.
	ErrInvalidConfig = errors.New("anonsdk: invalid config")
	// ErrStopped is returned by Init after Cleanup.
	ErrStopped = errors.New("anonsdk: engine stopped")
)

const DefaultSessionTimeout = 30 * time.Minute

// Config is what the host supplies to Init.
type Config struct {
	APIKey         string
	Endpoint       string
	BatchSize      int
	FlushInterval  time.Duration
	SessionTimeout time.Duration
	DebugMode      bool
	// OnConsent is asked once when no decision is persisted. Nil means granted.
	OnConsent func() bool

	// Storage is required; pass storage.NewMemory() for an ephemeral host.
	Storage storage.Storage
	Network transport.Sender

	Device                  *event.DeviceMeta
	DisableGeoAnonymization bool
	DrainDelay              time.Duration
	Logger                  *slog.Logger
	Now                     func() time.Time
	StartOffline            bool

	// ManualFlush turns off every background trigger; only Flush sends.
	ManualFlush bool
}

// Tunables are the settings that can change on a running engine.
type Tunables struct {
	BatchSize      int
	FlushInterval  time.Duration
	SessionTimeout time.Duration
	DebugMode      bool
}

func (c *Config) validate() error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if c.Storage == nil {
		errs = append(errs, errors.New("storage adapter is required"))
	}
	if c.Network == nil {
		errs = append(errs, errors.New("network adapter is required"))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size %d is negative", c.BatchSize))
	}
	if c.FlushInterval < 0 || c.SessionTimeout < 0 || c.DrainDelay < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = flush.DefaultBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = flush.DefaultInterval
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = DefaultSessionTimeout
	}
	if c.DrainDelay == 0 {
		c.DrainDelay = flush.DefaultDrainDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
