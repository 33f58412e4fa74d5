// Package flush moves batches from the pending queue to the network adapter.
//
// At most one flush runs at a time. Background triggers (threshold, ticker,
// connectivity, drain) go through a single coalescing worker; explicit
// flushes run on the caller's goroutine and share the same in-flight guard.
package flush

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/anonsdk/internal/metrics"
	"github.com/gyaneshwarpardhi/anonsdk/internal/queue"
	"github.com/gyaneshwarpardhi/anonsdk/internal/storage"
	"github.com/gyaneshwarpardhi/anonsdk/internal/transport"
)

// Status is the outcome of one flush call.
type Status string

const (
	StatusSent             Status = "sent"
	StatusFailed           Status = "failed"
	StatusEmpty            Status = "empty"
	StatusSkippedOffline   Status = "skipped_offline"
	StatusSkippedNoConsent Status = "skipped_no_consent"
	StatusSkippedInFlight  Status = "skipped_in_flight"
	StatusSkippedStopped   Status = "skipped_stopped"
)

// StatusSkippedUninitialized is reported by an engine that has not run Init.
const StatusSkippedUninitialized Status = "skipped_uninitialized"

// Result describes what a flush did.
type Result struct {
	Status    Status `json:"status"`
	Sent      int    `json:"sent"`
	Remaining int    `json:"remaining"`
	Error     string `json:"error,omitempty"`
}

// Reason names what caused a background flush.
type Reason string

const (
	ReasonThreshold Reason = "threshold"
	ReasonTicker    Reason = "ticker"
	ReasonOnline    Reason = "online"
	ReasonExplicit  Reason = "explicit"
	ReasonDrain     Reason = "drain"
)

// Consent is the part of the consent gate the controller reads.
type Consent interface {
	Allowed() bool
}

// Options configure a Controller. Zero values take the defaults below.
type Options struct {
	ClientID   string
	Endpoint   string
	BatchSize  int
	Interval   time.Duration
	DrainDelay time.Duration
	Online     bool
	Now        func() time.Time
	Logger     *slog.Logger
}

const (
	DefaultBatchSize  = 50
	DefaultInterval   = 30 * time.Second
	DefaultDrainDelay = time.Second
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/anonsdk/internal/flush")

// Controller decides when and what to send.
type Controller struct {
	queue    *queue.Queue
	sender   transport.Sender
	store    storage.Storage
	consent  Consent
	clientID string
	endpoint string
	now      func() time.Time
	logger   *slog.Logger
	limiter  *rate.Limiter

	batchSize atomic.Int64
	online    atomic.Bool
	inFlight  atomic.Bool
	stopped   atomic.Bool
	lastSync  atomic.Pointer[time.Time]

	mu         sync.Mutex
	pool       *workerPool[Reason]
	interval   time.Duration
	drainDelay time.Duration
	ticker     *time.Ticker
	tickerDone chan struct{}
	drainTimer *time.Timer
}

// New creates a stopped-ticker controller. Call Start to enable background flushing.
func New(q *queue.Queue, sender transport.Sender, store storage.Storage, consent Consent, opts Options) *Controller {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.DrainDelay <= 0 {
		opts.DrainDelay = DefaultDrainDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Controller{
		queue:      q,
		sender:     sender,
		store:      store,
		consent:    consent,
		clientID:   opts.ClientID,
		endpoint:   opts.Endpoint,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "flush"),
		limiter:    rate.NewLimiter(rate.Every(opts.DrainDelay), 1),
		interval:   opts.Interval,
		drainDelay: opts.DrainDelay,
	}
	c.batchSize.Store(int64(opts.BatchSize))
	c.online.Store(opts.Online)
	return c
}

// LoadLastSync restores the last successful flush time from storage.
func (c *Controller) LoadLastSync(ctx context.Context) {
	v, ok, err := c.store.Get(ctx, storage.KeyLastSync)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("last_sync_get").Inc()
		c.logger.Warn("last sync unreadable", "err", err)
		return
	}
	if !ok {
		return
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		c.logger.Warn("last sync corrupt; ignoring", "value", v)
		return
	}
	c.lastSync.Store(&ts)
}

// Start launches the flush worker and the periodic ticker.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() || c.pool != nil {
		return
	}
	c.pool = newWorkerPool(ctx, 1, 1, c.runTriggered)
	c.startTickerLocked()
}

// Trigger asks the worker for a background flush. It returns false when the
// request was coalesced into one already pending, or the controller is stopped.
func (c *Controller) Trigger(reason Reason) bool {
	if c.stopped.Load() {
		return false
	}
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool == nil {
		return false
	}
	ok := pool.Submit(reason)
	if !ok {
		c.logger.Debug("flush trigger coalesced", "reason", reason)
	}
	return ok
}

func (c *Controller) runTriggered(ctx context.Context, reason Reason) {
	res := c.Flush(ctx)
	c.logger.Debug("background flush", "reason", reason, "status", res.Status, "sent", res.Sent, "remaining", res.Remaining)
}

// Flush sends at most one batch from the head of the queue.
func (c *Controller) Flush(ctx context.Context) Result {
	switch {
	case c.stopped.Load():
		return c.skip(StatusSkippedStopped)
	case !c.online.Load():
		return c.skip(StatusSkippedOffline)
	case !c.consent.Allowed():
		return c.skip(StatusSkippedNoConsent)
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return c.skip(StatusSkippedInFlight)
	}
	defer c.inFlight.Store(false)

	batch := c.queue.PeekBatch(int(c.batchSize.Load()))
	if len(batch.Records) == 0 {
		return c.skip(StatusEmpty)
	}

	ctx, span := tracer.Start(ctx, "anonsdk.flush", trace.WithAttributes(
		attribute.Int("anonsdk.batch.size", len(batch.Records)),
	))
	defer span.End()

	res := c.send(ctx, batch)
	span.SetAttributes(
		attribute.String("anonsdk.flush.status", string(res.Status)),
		attribute.Int("anonsdk.queue.remaining", res.Remaining),
	)
	if res.Status == StatusFailed {
		span.SetStatus(codes.Error, res.Error)
	}
	metrics.Flushes.WithLabelValues(string(res.Status)).Inc()
	return res
}

func (c *Controller) send(ctx context.Context, batch queue.Batch) Result {
	body, err := transport.Encode(c.clientID, batch.Records)
	if err != nil {
		c.logger.Error("batch encode failed", "err", err)
		return Result{Status: StatusFailed, Remaining: c.queue.Size(), Error: err.Error()}
	}

	start := time.Now()
	err = c.post(ctx, body)
	metrics.FlushDuration.Observe(float64(time.Since(start).Milliseconds()))

	if c.stopped.Load() {
		// Engine shut down mid-send; leave the queue as it was.
		c.logger.Debug("flush finished after stop; result discarded", "err", err)
		return Result{Status: StatusSkippedStopped, Remaining: c.queue.Size()}
	}
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		c.logger.Warn("flush failed; batch kept for retry", "err", err, "batch", len(batch.Records))
		return Result{Status: StatusFailed, Remaining: c.queue.Size(), Error: err.Error()}
	}

	c.queue.RemoveBatch(ctx, batch)
	metrics.EventsDelivered.Add(float64(len(batch.Records)))
	c.recordSync(ctx)

	remaining := c.queue.Size()
	if remaining > 0 {
		c.scheduleDrain()
	}
	c.logger.Debug("batch delivered", "sent", len(batch.Records), "remaining", remaining)
	return Result{Status: StatusSent, Sent: len(batch.Records), Remaining: remaining}
}

// post calls the adapter, turning a panic into an ordinary failure.
func (c *Controller) post(ctx context.Context, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("network adapter panicked: %v", r)
		}
	}()
	return c.sender.Post(ctx, c.endpoint, body)
}

func (c *Controller) recordSync(ctx context.Context) {
	ts := c.now().UTC().Truncate(time.Second)
	c.lastSync.Store(&ts)
	if err := c.store.Set(ctx, storage.KeyLastSync, ts.Format(time.RFC3339)); err != nil {
		metrics.StorageErrors.WithLabelValues("last_sync_set").Inc()
		c.logger.Warn("last sync not persisted", "err", err)
	}
}

func (c *Controller) skip(s Status) Result {
	metrics.Flushes.WithLabelValues(string(s)).Inc()
	return Result{Status: s, Remaining: c.queue.Size()}
}

// scheduleDrain arranges one follow-up flush for a backlog larger than a batch.
func (c *Controller) scheduleDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() || c.pool == nil || c.drainTimer != nil {
		return
	}
	delay := max(c.drainDelay, c.limiter.Reserve().Delay())
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.drainTimer == t {
			c.drainTimer = nil
		}
		c.mu.Unlock()
		c.Trigger(ReasonDrain)
	})
	c.drainTimer = t
}

// SetOnline records connectivity. Going from offline to online triggers a flush.
func (c *Controller) SetOnline(online bool) {
	was := c.online.Swap(online)
	if online && !was {
		c.logger.Info("connectivity restored")
		c.Trigger(ReasonOnline)
	} else if !online && was {
		c.logger.Info("connectivity lost; queueing locally")
	}
}

// Online reports the last connectivity signal.
func (c *Controller) Online() bool {
	return c.online.Load()
}

// InFlight reports whether a send is currently outstanding.
func (c *Controller) InFlight() bool {
	return c.inFlight.Load()
}

// BatchSize returns the current maximum batch size.
func (c *Controller) BatchSize() int {
	return int(c.batchSize.Load())
}

// SetBatchSize changes the batch size for subsequent flushes.
func (c *Controller) SetBatchSize(n int) {
	if n > 0 {
		c.batchSize.Store(int64(n))
	}
}

// SetInterval changes the ticker period, restarting it if running.
func (c *Controller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = d
	if c.ticker != nil {
		c.ticker.Reset(d)
	}
}

// LastSync returns the time of the last successful flush, or the zero time.
func (c *Controller) LastSync() time.Time {
	if ts := c.lastSync.Load(); ts != nil {
		return *ts
	}
	return time.Time{}
}

// ForgetLastSync clears the in-memory and persisted last sync time.
func (c *Controller) ForgetLastSync(ctx context.Context) {
	c.lastSync.Store(nil)
	if err := c.store.Remove(ctx, storage.KeyLastSync); err != nil {
		c.logger.Warn("last sync erase failed", "err", err)
	}
}

// Pause stops the periodic ticker and any pending drain. Triggers still work.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTickerLocked()
	c.stopDrainLocked()
}

// Resume restarts the periodic ticker after Pause.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped.Load() || c.pool == nil {
		return
	}
	c.startTickerLocked()
}

// Stop cancels the ticker, the drain timer and the worker. A send already in
// progress is allowed to finish but its result is ignored. Stop is final.
func (c *Controller) Stop() {
	if c.stopped.Swap(true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTickerLocked()
	c.stopDrainLocked()
	if c.pool != nil {
		c.pool.Stop()
	}
}

// Stopped reports whether Stop has been called.
func (c *Controller) Stopped() bool {
	return c.stopped.Load()
}

func (c *Controller) startTickerLocked() {
	if c.ticker != nil {
		return
	}
	c.ticker = time.NewTicker(c.interval)
	c.tickerDone = make(chan struct{})
	go func(t *time.Ticker, done <-chan struct{}) {
		for {
			select {
			case <-t.C:
				c.Trigger(ReasonTicker)
			case <-done:
				return
			}
		}
	}(c.ticker, c.tickerDone)
}

func (c *Controller) stopTickerLocked() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	close(c.tickerDone)
	c.ticker = nil
	c.tickerDone = nil
}

func (c *Controller) stopDrainLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
}
