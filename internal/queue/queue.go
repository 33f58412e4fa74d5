// Package queue is the ordered, persisted list of events awaiting delivery.
//
// Records only enter at the tail and only leave from the head, so a flush that
// peeked a prefix can remove exactly that prefix later even if producers kept
// appending while the batch was on the wire.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
	"github.com/gyaneshwarpardhi/anonsdk/internal/metrics"
	"github.com/gyaneshwarpardhi/anonsdk/internal/storage"
)

// Batch is a peeked prefix of the queue.
type Batch struct {
	Records []event.Record
	// Epoch is the queue generation at peek time; Clear starts a new one.
	Epoch uint64
}

// Queue is safe for concurrent use.
type Queue struct {
	store  storage.Storage
	logger *slog.Logger

	mu       sync.Mutex
	records  []event.Record
	epoch    uint64
	dirty    bool
	// unloaded is set while the persisted snapshot could not be read. Writes
	// then merge it back in first, or are skipped, so it is never overwritten.
	unloaded bool
}

// New creates an empty queue backed by store. Call Load to restore a previous run.
func New(store storage.Storage, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: store, logger: logger.With("component", "queue")}
}

// Load replaces the in-memory contents with the persisted snapshot.
// A corrupt snapshot is logged and dropped. A read error leaves the queue
// empty in memory; the snapshot is merged back before the next write.
func (q *Queue) Load(ctx context.Context) error {
	restored, err := q.readSnapshot(ctx)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("queue_load").Inc()
		q.logger.Warn("pending queue unreadable; starting empty", "err", err)
		q.mu.Lock()
		q.records = nil
		q.unloaded = true
		q.mu.Unlock()
		return err
	}

	q.mu.Lock()
	q.records = restored
	q.dirty = false
	q.unloaded = false
	n := len(q.records)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(n))
	if n > 0 {
		q.logger.Info("restored pending events", "count", n)
	}
	return nil
}

func (q *Queue) readSnapshot(ctx context.Context) ([]event.Record, error) {
	raw, ok, err := q.store.Get(ctx, storage.KeyPendingQueue)
	if err != nil {
		return nil, err
	}
	var restored []event.Record
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &restored); err != nil {
			q.logger.Warn("pending queue corrupt; discarding snapshot", "err", err)
			return nil, nil
		}
	}
	return restored, nil
}

// mergeUnloadedLocked puts the snapshot that Load could not read back at the
// head of the queue. Records already in memory are not duplicated.
func (q *Queue) mergeUnloadedLocked(ctx context.Context) error {
	stored, err := q.readSnapshot(ctx)
	if err != nil {
		return err
	}
	q.unloaded = false

	inMemory := make(map[string]struct{}, len(q.records))
	for _, r := range q.records {
		inMemory[r.EventID] = struct{}{}
	}
	merged := make([]event.Record, 0, len(stored)+len(q.records))
	for _, r := range stored {
		if _, dup := inMemory[r.EventID]; !dup {
			merged = append(merged, r)
		}
	}
	if len(merged) == 0 {
		return nil
	}
	// The head moved, so a batch peeked before the merge no longer matches it.
	q.epoch++
	q.records = append(merged, q.records...)
	q.logger.Info("restored pending events after storage recovered", "count", len(merged))
	return nil
}

// Append adds rec at the tail and persists.
func (q *Queue) Append(ctx context.Context, rec event.Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	q.persistLocked(ctx)
}

// PeekBatch returns up to max records from the head without removing them.
func (q *Queue) PeekBatch(max int) Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(max, len(q.records))
	if n < 0 {
		n = 0
	}
	out := make([]event.Record, n)
	copy(out, q.records[:n])
	return Batch{Records: out, Epoch: q.epoch}
}

// RemovePrefix drops the first n records and persists. It returns how many were removed.
func (q *Queue) RemovePrefix(ctx context.Context, n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, n)
}

// RemoveBatch removes a previously peeked batch. If the queue was cleared
// since the peek nothing is removed, because the head now holds other records.
func (q *Queue) RemoveBatch(ctx context.Context, b Batch) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b.Epoch != q.epoch {
		return 0
	}
	return q.removeLocked(ctx, len(b.Records))
}

func (q *Queue) removeLocked(ctx context.Context, n int) int {
	n = min(n, len(q.records))
	if n <= 0 {
		return 0
	}
	// Copy the tail so the dropped head can be garbage collected.
	rest := make([]event.Record, len(q.records)-n)
	copy(rest, q.records[n:])
	q.records = rest
	q.persistLocked(ctx)
	return n
}

// Clear discards everything and starts a new epoch. It returns the number discarded.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.records)
	q.records = nil
	q.epoch++
	// Clearing discards the unread snapshot too.
	q.unloaded = false
	q.persistLocked(ctx)
	return n
}

// Size returns the number of pending records.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Snapshot returns a copy of every pending record, oldest first.
func (q *Queue) Snapshot() []event.Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]event.Record(nil), q.records...)
}

// Dirty reports whether the last persist failed.
func (q *Queue) Dirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirty
}

// Persist writes the current contents. Mutating calls do this themselves;
// hosts call it to retry after a storage outage.
func (q *Queue) Persist(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked(ctx)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	var err error
	if q.unloaded {
		err = q.mergeUnloadedLocked(ctx)
	}
	metrics.QueueDepth.Set(float64(len(q.records)))

	switch {
	case err != nil:
		// Snapshot still unreadable; writing now would overwrite it.
	case len(q.records) == 0:
		err = q.store.Remove(ctx, storage.KeyPendingQueue)
	default:
		var raw []byte
		raw, err = json.Marshal(q.records)
		if err == nil {
			err = q.store.Set(ctx, storage.KeyPendingQueue, string(raw))
		}
	}
	if err != nil {
		metrics.StorageErrors.WithLabelValues("queue_persist").Inc()
		if !q.dirty {
			q.logger.Warn("pending queue persist failed; will retry on next change", "err", err, "pending", len(q.records))
		}
		q.dirty = true
		return err
	}
	if q.dirty {
		q.logger.Info("pending queue persisted again", "pending", len(q.records))
	}
	q.dirty = false
	return nil
}
