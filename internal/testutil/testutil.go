// Package testutil holds fakes shared by the engine's package tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/anonsdk/internal/storage"
	"github.com/gyaneshwarpardhi/anonsdk/internal/transport"
)

// ErrInjected is returned by fakes configured to fail.
var ErrInjected = errors.New("injected failure")

// Clock is a manually advanced wall clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts the clock at t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward (or backward, for a negative d).
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FlakyStorage wraps Memory and fails reads or writes on demand.
type FlakyStorage struct {
	*storage.Memory

	mu        sync.Mutex
	failGet   bool
	failSet   bool
	setCalls  int
	setByKeys map[string]int
}

// NewFlakyStorage returns a store that works until told otherwise.
func NewFlakyStorage() *FlakyStorage {
	return &FlakyStorage{Memory: storage.NewMemory(), setByKeys: make(map[string]int)}
}

// FailGets toggles read failures.
func (f *FlakyStorage) FailGets(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet = fail
}

// FailSets toggles write (and remove) failures.
func (f *FlakyStorage) FailSets(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSet = fail
}

// SetCalls returns how many Set calls reached key (successful or not).
func (f *FlakyStorage) SetCalls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setByKeys[key]
}

func (f *FlakyStorage) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return "", false, ErrInjected
	}
	return f.Memory.Get(ctx, key)
}

func (f *FlakyStorage) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	f.setCalls++
	f.setByKeys[key]++
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Memory.Set(ctx, key, value)
}

func (f *FlakyStorage) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return f.Memory.Remove(ctx, key)
}

// Collector is a recording network adapter.
type Collector struct {
	mu       sync.Mutex
	fail     bool
	gate     chan struct{}
	entered  chan struct{}
	payloads []transport.Payload
	attempts int
}

// NewCollector returns a collector that accepts every batch.
func NewCollector() *Collector { return &Collector{} }

// Fail makes subsequent posts fail (true) or succeed (false).
func (c *Collector) Fail(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fail
}

// Hold makes subsequent posts block until the returned release func is called.
// The entered channel receives once per post that starts waiting.
func (c *Collector) Hold() (entered <-chan struct{}, release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gate = make(chan struct{})
	c.entered = make(chan struct{}, 16)
	gate := c.gate
	var once sync.Once
	return c.entered, func() { once.Do(func() { close(gate) }) }
}

func (c *Collector) Post(ctx context.Context, _ string, body []byte) error {
	c.mu.Lock()
	c.attempts++
	gate, entered := c.gate, c.entered
	c.mu.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return ErrInjected
	}
	p, err := transport.Decode(body)
	if err != nil {
		return err
	}
	c.payloads = append(c.payloads, p)
	return nil
}

// Attempts returns the number of Post calls, including failed ones.
func (c *Collector) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Payloads returns every accepted batch in arrival order.
func (c *Collector) Payloads() []transport.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Payload(nil), c.payloads...)
}

// EventIDs flattens accepted batches into the delivered id sequence.
func (c *Collector) EventIDs() []string {
	var ids []string
	for _, p := range c.Payloads() {
		for _, r := range p.Events {
			ids = append(ids, r.EventID)
		}
	}
	return ids
}

// EventTypes flattens accepted batches into the delivered type sequence.
func (c *Collector) EventTypes() []string {
	var types []string
	for _, p := range c.Payloads() {
		for _, r := range p.Events {
			types = append(types, r.EventType)
		}
	}
	return types
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
