// Package engine is the public face of the telemetry client. It wires identity,
// consent, the event builder, the pending queue and the flush controller into
// one stateful instance.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/anonsdk/internal/consent"
	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
	"github.com/gyaneshwarpardhi/anonsdk/internal/flush"
	"github.com/gyaneshwarpardhi/anonsdk/internal/identity"
	"github.com/gyaneshwarpardhi/anonsdk/internal/metrics"
	"github.com/gyaneshwarpardhi/anonsdk/internal/queue"
)

// State is the engine lifecycle stage.
type State int

const (
	Uninitialized State = iota
	Initializing
	Ready
	ReadyDisabled
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case ReadyDisabled:
		return "ready_disabled"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Engine is safe for concurrent use. The zero value is not usable; call New.
type Engine struct {
	mu     sync.Mutex
	state  State
	cfg    Config
	logger *slog.Logger
	debug  atomic.Bool

	ids     *identity.Manager
	builder *event.Builder
	queue   *queue.Queue
	gate    *consent.Gate
	flusher *flush.Controller

	anonID         string
	lastActivity   time.Time
	sessionTimeout time.Duration
	cancel         context.CancelFunc
}

// New returns an uninitialized engine.
func New() *Engine {
	return &Engine{logger: slog.Default().With("component", "engine")}
}

// Init validates cfg, restores persisted state and starts background flushing.
// Calling Init on an initialized engine is a logged no-op; after Cleanup it
// returns ErrStopped.
func (e *Engine) Init(ctx context.Context, cfg Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Stopped:
		return ErrStopped
	case Initializing, Ready, ReadyDisabled:
		e.logger.Warn("init called on an initialized engine; ignoring", "state", e.state)
		return nil
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.applyDefaults()
	e.state = Initializing
	e.cfg = cfg
	e.logger = cfg.Logger.With("component", "engine")
	e.debug.Store(cfg.DebugMode)
	e.sessionTimeout = cfg.SessionTimeout

	opts := []event.BuilderOption{
		event.WithClock(cfg.Now),
		event.WithDefaultDevice(cfg.Device),
		event.WithSanitizeHook(func(removed int) {
			if removed > 0 {
				metrics.PropertiesStripped.Add(float64(removed))
			}
		}),
	}
	if cfg.DisableGeoAnonymization {
		opts = append(opts, event.WithoutGeoAnonymization())
	}
	e.builder = event.NewBuilder(opts...)
	e.ids = identity.New(cfg.Storage, cfg.Now, cfg.Logger)
	e.queue = queue.New(cfg.Storage, cfg.Logger)
	e.gate = consent.New(cfg.Storage, cfg.OnConsent, cfg.Logger)
	e.flusher = flush.New(e.queue, cfg.Network, cfg.Storage, e.gate, flush.Options{
		ClientID:   cfg.APIKey,
		Endpoint:   cfg.Endpoint,
		BatchSize:  cfg.BatchSize,
		Interval:   cfg.FlushInterval,
		DrainDelay: cfg.DrainDelay,
		Online:     !cfg.StartOffline,
		Now:        cfg.Now,
		Logger:     cfg.Logger,
	})

	// Storage problems are non-fatal; the components have already logged them.
	_ = e.queue.Load(ctx)
	e.flusher.LoadLastSync(ctx)
	e.anonID = e.ids.AnonID(ctx)
	granted := e.gate.Check(ctx)
	e.ids.StartSession(ctx)
	e.lastActivity = cfg.Now()

	bg, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	if !cfg.ManualFlush {
		e.flusher.Start(bg)
	}

	if granted {
		e.state = Ready
		e.maybeTriggerLocked()
	} else {
		e.state = ReadyDisabled
		e.flusher.Pause()
		if n := e.queue.Clear(ctx); n > 0 {
			metrics.EventsDiscarded.Add(float64(n))
		}
	}
	e.logger.Info("engine initialized",
		"state", e.state,
		"anon_id", e.anonID,
		"session_id", e.ids.Current().ID,
		"pending", e.queue.Size(),
	)
	return nil
}

// Track records one event. It returns nil when the engine is not initialized,
// is stopped, or consent is revoked.
func (e *Engine) Track(ctx context.Context, eventType string, props map[string]any, geo *event.Geo) *event.Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Ready || !e.gate.Allowed() {
		reason := "not_ready"
		if e.state == ReadyDisabled {
			reason = "no_consent"
		}
		metrics.EventsSuppressed.WithLabelValues(reason).Inc()
		return nil
	}
	if eventType == "" {
		eventType = event.TypeCustom
	}

	e.touchLocked(ctx)
	rec := e.buildLocked(eventType, props, geo)
	e.appendLocked(ctx, rec)
	e.maybeTriggerLocked()
	return &rec
}

// Touch records host activity without an event, for example when the app
// returns to the foreground. An expired session is renewed.
func (e *Engine) Touch(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Ready {
		return
	}
	e.touchLocked(ctx)
	e.maybeTriggerLocked()
}

func (e *Engine) touchLocked(ctx context.Context) {
	now := e.cfg.Now()
	gap := now.Sub(e.lastActivity)
	_, renewed := e.ids.MaybeRenewSession(ctx, gap, e.sessionTimeout, func(old identity.Session) {
		end := e.builder.Build(event.Identity{AnonID: e.anonID, SessionID: old.ID}, event.TypeSessionEnd, map[string]any{
			"duration_ms": now.Sub(old.StartedAt).Milliseconds(),
		}, nil, nil)
		e.appendLocked(ctx, end)
	})
	if renewed {
		e.appendLocked(ctx, e.buildLocked(event.TypeSessionStart, nil, nil))
	}
	e.lastActivity = now
}

func (e *Engine) buildLocked(eventType string, props map[string]any, geo *event.Geo) event.Record {
	id := event.Identity{AnonID: e.anonID, SessionID: e.ids.Current().ID}
	return e.builder.Build(id, eventType, props, nil, geo)
}

func (e *Engine) appendLocked(ctx context.Context, rec event.Record) {
	e.queue.Append(ctx, rec)
	metrics.EventsTracked.WithLabelValues(rec.EventType).Inc()
	if e.debug.Load() {
		e.logger.Info("event queued", "event_type", rec.EventType, "event_id", rec.EventID, "session_id", rec.SessionID)
	} else {
		e.logger.Debug("event queued", "event_type", rec.EventType, "event_id", rec.EventID)
	}
}

func (e *Engine) maybeTriggerLocked() {
	if e.queue.Size() >= e.flusher.BatchSize() {
		e.flusher.Trigger(flush.ReasonThreshold)
	}
}

// Flush sends one batch now. It runs on the caller's goroutine and never
// blocks other engine calls while waiting on the network.
func (e *Engine) Flush(ctx context.Context) flush.Result {
	e.mu.Lock()
	f, state := e.flusher, e.state
	e.mu.Unlock()

	if f == nil || state == Initializing {
		return flush.Result{Status: flush.StatusSkippedUninitialized}
	}
	res := f.Flush(ctx)
	if e.debug.Load() {
		e.logger.Info("flush", "status", res.Status, "sent", res.Sent, "remaining", res.Remaining)
	}
	return res
}

// OptOut revokes consent: pending events are discarded, the ticker stops and
// Track returns nil until OptIn. Repeated calls have no further effect.
func (e *Engine) OptOut(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Ready && e.state != ReadyDisabled {
		e.logger.Warn("opt-out ignored", "state", e.state)
		return
	}
	e.optOutLocked(ctx)
}

func (e *Engine) optOutLocked(ctx context.Context) {
	e.gate.Set(ctx, false)
	e.flusher.Pause()
	if n := e.queue.Clear(ctx); n > 0 {
		metrics.EventsDiscarded.Add(float64(n))
		e.logger.Info("pending events discarded after opt-out", "count", n)
	}
	e.state = ReadyDisabled
}

// OptIn grants consent. On a disabled engine it starts a fresh session and
// restarts the ticker. Events discarded by OptOut stay discarded.
func (e *Engine) OptIn(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Ready && e.state != ReadyDisabled {
		e.logger.Warn("opt-in ignored", "state", e.state)
		return
	}
	e.gate.Set(ctx, true)
	if e.state == Ready {
		return
	}
	if e.anonID == "" {
		e.anonID = e.ids.AnonID(ctx)
	}
	e.ids.StartSession(ctx)
	e.lastActivity = e.cfg.Now()
	e.state = Ready
	e.flusher.Resume()
}

// Erase opts out and deletes everything the engine persisted, including the
// anonymous id. A later OptIn starts over with a new id.
func (e *Engine) Erase(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Ready && e.state != ReadyDisabled {
		return
	}
	e.optOutLocked(ctx)
	e.ids.Forget(ctx)
	e.gate.Forget(ctx)
	e.flusher.ForgetLastSync(ctx)
	e.anonID = ""
	e.logger.Info("local telemetry state erased")
}

// SetOnline feeds connectivity changes to the flush controller.
func (e *Engine) SetOnline(_ context.Context, online bool) {
	e.mu.Lock()
	f := e.flusher
	e.mu.Unlock()
	if f != nil {
		f.SetOnline(online)
	}
}

// Reconfigure applies new tunables to a running engine. A zero BatchSize,
// FlushInterval or SessionTimeout keeps the current value; DebugMode is
// always applied, so a reload without it turns debug logging off.
func (e *Engine) Reconfigure(t Tunables) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flusher == nil || e.state == Stopped {
		return
	}
	if t.BatchSize > 0 {
		e.cfg.BatchSize = t.BatchSize
		e.flusher.SetBatchSize(t.BatchSize)
	}
	if t.FlushInterval > 0 {
		e.cfg.FlushInterval = t.FlushInterval
		e.flusher.SetInterval(t.FlushInterval)
	}
	if t.SessionTimeout > 0 {
		e.sessionTimeout = t.SessionTimeout
	}
	e.debug.Store(t.DebugMode)
	e.logger.Info("engine reconfigured",
		"batch_size", e.flusher.BatchSize(),
		"flush_interval", e.cfg.FlushInterval,
		"session_timeout", e.sessionTimeout,
		"debug", t.DebugMode,
	)
	if e.state == Ready {
		e.maybeTriggerLocked()
	}
}

// Cleanup stops timers and the flush worker. An in-flight send may still
// complete; its result is ignored. The engine cannot be reused.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Stopped {
		return
	}
	e.state = Stopped
	if e.flusher != nil {
		e.flusher.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.logger.Info("engine stopped")
}

// AnonID returns the anonymous id, or "" before Init and after Erase.
func (e *Engine) AnonID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.anonID
}

// SessionID returns the active session id, or "" before Init.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ids == nil {
		return ""
	}
	return e.ids.Current().ID
}

// PendingEventsCount returns how many events await delivery.
func (e *Engine) PendingEventsCount() int {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	if q == nil {
		return 0
	}
	return q.Size()
}

// Pending returns a copy of the pending events, oldest first.
func (e *Engine) Pending() []event.Record {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.Snapshot()
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSync returns the time of the last successful flush, or the zero time.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	f := e.flusher
	e.mu.Unlock()
	if f == nil {
		return time.Time{}
	}
	return f.LastSync()
}

func (e *Engine) Consent() consent.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gate == nil {
		return consent.Unknown
	}
	return e.gate.State()
}

// Online reports the last connectivity signal.
func (e *Engine) Online() bool {
	e.mu.Lock()
	f := e.flusher
	e.mu.Unlock()
	return f != nil && f.Online()
}

// BatchSize returns the current batch size, or 0 before Init.
func (e *Engine) BatchSize() int {
	e.mu.Lock()
	f := e.flusher
	e.mu.Unlock()
	if f == nil {
		return 0
	}
	return f.BatchSize()
}
