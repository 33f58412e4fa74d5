package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/anonsdk/internal/consent"
	"github.com/gyaneshwarpardhi/anonsdk/internal/engine"
	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
	"github.com/gyaneshwarpardhi/anonsdk/internal/flush"
	"github.com/gyaneshwarpardhi/anonsdk/internal/storage"
	"github.com/gyaneshwarpardhi/anonsdk/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	eng       *engine.Engine
	collector *testutil.Collector
	clock     *testutil.Clock
	store     storage.Storage
}

// newHarness initializes an engine with manual flushing unless a mutator says otherwise.
func newHarness(t *testing.T, mutate ...func(*engine.Config)) *harness {
	t.Helper()
	h := &harness{
		eng:       engine.New(),
		collector: testutil.NewCollector(),
		clock:     testutil.NewClock(t0),
		store:     storage.NewMemory(),
	}
	cfg := engine.Config{
		APIKey:      "key-123",
		Endpoint:    "https://collector.test/v1/events",
		BatchSize:   2,
		Network:     h.collector,
		Storage:     h.store,
		Now:         h.clock.Now,
		DrainDelay:  10 * time.Millisecond,
		ManualFlush: true,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.store = cfg.Storage
	if err := h.eng.Init(context.Background(), cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(h.eng.Cleanup)
	return h
}

func (h *harness) track(t *testing.T, eventType string) *event.Record {
	t.Helper()
	return h.eng.Track(context.Background(), eventType, map[string]any{"n": 1}, nil)
}

func TestScenario_BatchOfTwo(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for _, name := range []string{"a", "b", "c"} {
		if h.track(t, name) == nil {
			t.Fatalf("track(%q) returned nil", name)
		}
	}
	if n := h.eng.PendingEventsCount(); n != 3 {
		t.Fatalf("pending = %d, want 3", n)
	}

	if res := h.eng.Flush(ctx); res.Status != flush.StatusSent {
		t.Fatalf("first flush = %+v", res)
	}
	if got := h.collector.EventTypes(); fmt.Sprint(got) != "[a b]" {
		t.Errorf("first batch = %v", got)
	}
	if n := h.eng.PendingEventsCount(); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}

	h.eng.Flush(ctx)
	if got := h.collector.EventTypes(); fmt.Sprint(got) != "[a b c]" {
		t.Errorf("delivered = %v", got)
	}
	if n := h.eng.PendingEventsCount(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
	if !h.eng.LastSync().Equal(t0) {
		t.Errorf("LastSync = %v", h.eng.LastSync())
	}
}

func TestScenario_OptOutDiscardsPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *engine.Config) { c.BatchSize = 10 })
	h.track(t, "a")
	h.track(t, "b")
	h.track(t, "c")

	h.eng.OptOut(ctx)
	if n := h.eng.PendingEventsCount(); n != 0 {
		t.Errorf("pending after opt-out = %d", n)
	}
	if rec := h.track(t, "d"); rec != nil {
		t.Errorf("track after opt-out = %+v", rec)
	}
	if n := h.eng.PendingEventsCount(); n != 0 {
		t.Errorf("pending = %d", n)
	}
	if res := h.eng.Flush(ctx); res.Status != flush.StatusSkippedNoConsent {
		t.Errorf("flush after opt-out = %s", res.Status)
	}
	if h.eng.State() != engine.ReadyDisabled || h.eng.Consent() != consent.Revoked {
		t.Errorf("state = %s consent = %s", h.eng.State(), h.eng.Consent())
	}
}

func TestFlush_FailureLosesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.collector.Fail(true)
	for i := 0; i < 5; i++ {
		h.track(t, "click")
	}

	before := h.eng.PendingEventsCount()
	if res := h.eng.Flush(ctx); res.Status != flush.StatusFailed {
		t.Fatalf("flush = %s", res.Status)
	}
	if after := h.eng.PendingEventsCount(); after != before {
		t.Errorf("pending %d -> %d after failed flush", before, after)
	}
	if !h.eng.LastSync().IsZero() {
		t.Error("last sync set by a failed flush")
	}
}

func TestOptOutTwice_SameAsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.track(t, "a")

	h.eng.OptOut(ctx)
	h.eng.OptOut(ctx)
	if h.eng.PendingEventsCount() != 0 || h.track(t, "b") != nil {
		t.Error("second opt-out changed behaviour")
	}

	h.eng.OptIn(ctx)
	if h.eng.State() != engine.Ready {
		t.Fatalf("state after opt-in = %s", h.eng.State())
	}
	rec := h.track(t, "c")
	if rec == nil {
		t.Fatal("track after opt-in returned nil")
	}
	pending := h.eng.Pending()
	if len(pending) != 1 || pending[0].EventID != rec.EventID {
		t.Errorf("pending after opt-in = %v, want only the new event", pending)
	}
}

func TestOptIn_OnReadyEngineIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sid := h.eng.SessionID()
	h.eng.OptIn(ctx)
	if h.eng.SessionID() != sid {
		t.Error("opt-in on a ready engine started a new session")
	}
}

func TestTrack_StripsPII(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := h.eng.Track(ctx, event.TypeFormInteraction, map[string]any{
		"Email":        "someone@example.com",
		"phone-number": "+44 20 7946 0000",
		"field":        "newsletter",
		"form": map[string]any{
			"first_name": "Ada",
			"step":       2,
		},
	}, nil)
	if rec == nil {
		t.Fatal("track returned nil")
	}
	h.eng.Flush(ctx)

	payloads := h.collector.Payloads()
	if len(payloads) != 1 || len(payloads[0].Events) != 1 {
		t.Fatalf("payloads = %+v", payloads)
	}
	props := payloads[0].Events[0].Properties
	for _, k := range []string{"Email", "phone-number"} {
		if _, ok := props[k]; ok {
			t.Errorf("%s reached the collector", k)
		}
	}
	if props["field"] != "newsletter" {
		t.Errorf("field = %v", props["field"])
	}
	form, _ := props["form"].(map[string]any)
	if _, ok := form["first_name"]; ok {
		t.Error("nested first_name reached the collector")
	}
}

func TestTrack_RecordFields(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.Device = &event.DeviceMeta{Platform: "linux", DeviceClass: "kiosk"}
	})
	rec := h.eng.Track(context.Background(), event.TypePageView, nil, &event.Geo{Latitude: 48.85837, Longitude: 2.29448, Accuracy: 5})
	if rec == nil {
		t.Fatal("nil record")
	}
	if rec.AnonID != h.eng.AnonID() || rec.SessionID != h.eng.SessionID() {
		t.Errorf("identity = %s/%s", rec.AnonID, rec.SessionID)
	}
	if !rec.Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v", rec.Timestamp)
	}
	if rec.TTL != event.TTLFor(event.TypePageView) {
		t.Errorf("ttl = %d", rec.TTL)
	}
	if rec.Geo == nil || rec.Geo.Latitude != 48.86 || rec.Geo.Longitude != 2.29 || rec.Geo.Accuracy != 0 {
		t.Errorf("geo = %+v", rec.Geo)
	}
	if rec.DeviceMeta == nil || rec.DeviceMeta.DeviceClass != "kiosk" {
		t.Errorf("device = %+v", rec.DeviceMeta)
	}
}

func TestTrack_EmptyTypeBecomesCustom(t *testing.T) {
	h := newHarness(t)
	if rec := h.track(t, ""); rec == nil || rec.EventType != event.TypeCustom {
		t.Errorf("record = %+v", rec)
	}
}

func TestSessionRenewal_AfterIdleGap(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.BatchSize = 10
		c.SessionTimeout = 30 * time.Minute
	})
	first := h.eng.SessionID()
	h.track(t, "a")

	h.clock.Advance(10 * time.Minute)
	h.track(t, "b")
	if h.eng.SessionID() != first {
		t.Fatal("session renewed inside the timeout")
	}

	h.clock.Advance(31 * time.Minute)
	h.track(t, "c")
	second := h.eng.SessionID()
	if second == first {
		t.Fatal("session not renewed after idle gap")
	}

	pending := h.eng.Pending()
	var types, sessions []string
	for _, r := range pending {
		types = append(types, r.EventType)
		sessions = append(sessions, r.SessionID)
	}
	if fmt.Sprint(types) != "[a b session_end session_start c]" {
		t.Fatalf("types = %v", types)
	}
	want := []string{first, first, first, second, second}
	if fmt.Sprint(sessions) != fmt.Sprint(want) {
		t.Errorf("sessions = %v, want %v", sessions, want)
	}
	if d, _ := pending[2].Properties["duration_ms"].(int64); d != (41 * time.Minute).Milliseconds() {
		t.Errorf("session_end duration = %v", pending[2].Properties["duration_ms"])
	}
}

func TestTouch_RenewsWithoutEvent(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.BatchSize = 10
		c.SessionTimeout = time.Minute
	})
	first := h.eng.SessionID()
	h.clock.Advance(2 * time.Minute)
	h.eng.Touch(context.Background())

	if h.eng.SessionID() == first {
		t.Error("Touch did not renew an expired session")
	}
	if n := h.eng.PendingEventsCount(); n != 2 {
		t.Errorf("pending = %d, want session_end and session_start", n)
	}
}

func TestInit_Idempotent(t *testing.T) {
	h := newHarness(t)
	sid := h.eng.SessionID()
	aid := h.eng.AnonID()

	err := h.eng.Init(context.Background(), engine.Config{APIKey: "other", Network: testutil.NewCollector()})
	if err != nil {
		t.Fatalf("second Init = %v", err)
	}
	if h.eng.SessionID() != sid || h.eng.AnonID() != aid {
		t.Error("second Init re-ran side effects")
	}
	if h.eng.PendingEventsCount() != 0 {
		t.Errorf("pending = %d", h.eng.PendingEventsCount())
	}
}

func TestInit_InvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  engine.Config
	}{
		{"missing api key", engine.Config{Network: testutil.NewCollector(), Storage: storage.NewMemory()}},
		{"missing network", engine.Config{APIKey: "k", Storage: storage.NewMemory()}},
		{"missing storage", engine.Config{APIKey: "k", Network: testutil.NewCollector()}},
		{"negative batch", engine.Config{APIKey: "k", Network: testutil.NewCollector(), Storage: storage.NewMemory(), BatchSize: -1}},
		{"negative interval", engine.Config{APIKey: "k", Network: testutil.NewCollector(), Storage: storage.NewMemory(), FlushInterval: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := engine.New()
			err := e.Init(context.Background(), tc.cfg)
			if !errors.Is(err, engine.ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			if e.State() != engine.Uninitialized {
				t.Errorf("state = %s", e.State())
			}
			if e.Track(context.Background(), "a", nil, nil) != nil {
				t.Error("track on uninitialized engine returned a record")
			}
		})
	}
}

func TestUninitialized(t *testing.T) {
	e := engine.New()
	ctx := context.Background()
	if e.Track(ctx, "a", nil, nil) != nil {
		t.Error("track returned a record")
	}
	if res := e.Flush(ctx); res.Status != flush.StatusSkippedUninitialized {
		t.Errorf("flush = %s", res.Status)
	}
	e.OptOut(ctx)
	e.SetOnline(ctx, true)
	if e.AnonID() != "" || e.SessionID() != "" || e.PendingEventsCount() != 0 || !e.LastSync().IsZero() {
		t.Error("accessors not zero before Init")
	}
	if e.Consent() != consent.Unknown {
		t.Errorf("consent = %s", e.Consent())
	}
}

func TestCleanup_IsFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.track(t, "a")
	h.eng.Cleanup()
	h.eng.Cleanup()

	if h.eng.State() != engine.Stopped {
		t.Fatalf("state = %s", h.eng.State())
	}
	if h.track(t, "b") != nil {
		t.Error("track on stopped engine returned a record")
	}
	if res := h.eng.Flush(ctx); res.Status != flush.StatusSkippedStopped {
		t.Errorf("flush = %s", res.Status)
	}
	if err := h.eng.Init(ctx, engine.Config{APIKey: "k", Network: h.collector}); !errors.Is(err, engine.ErrStopped) {
		t.Errorf("Init after Cleanup = %v", err)
	}
	if h.eng.PendingEventsCount() != 1 {
		t.Errorf("cleanup touched the queue: %d", h.eng.PendingEventsCount())
	}
}

func TestInit_RestoresPersistedState(t *testing.T) {
	store := storage.NewMemory()
	useStore := func(c *engine.Config) { c.Storage = store; c.BatchSize = 10 }

	first := newHarness(t, useStore)
	a := first.track(t, "a")
	b := first.track(t, "b")
	first.eng.Cleanup()

	second := newHarness(t, useStore)
	if second.eng.AnonID() != first.eng.AnonID() {
		t.Error("anonymous id not restored")
	}
	if second.eng.SessionID() == first.eng.SessionID() {
		t.Error("new process reused the old session")
	}
	pending := second.eng.Pending()
	if len(pending) != 2 || pending[0].EventID != a.EventID || pending[1].EventID != b.EventID {
		t.Errorf("restored queue = %v", pending)
	}
}

func TestInit_PersistedRevocation(t *testing.T) {
	store := storage.NewMemory()
	_ = store.Set(context.Background(), storage.KeyConsent, "revoked")
	asked := false

	h := newHarness(t, func(c *engine.Config) {
		c.Storage = store
		c.OnConsent = func() bool { asked = true; return true }
	})
	if asked {
		t.Error("host asked despite persisted decision")
	}
	if h.eng.State() != engine.ReadyDisabled {
		t.Errorf("state = %s", h.eng.State())
	}
	if h.track(t, "a") != nil {
		t.Error("track returned a record")
	}
}

func TestInit_HostRefusesConsent(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.OnConsent = func() bool { return false } })
	if h.eng.State() != engine.ReadyDisabled || h.eng.Consent() != consent.Revoked {
		t.Errorf("state = %s consent = %s", h.eng.State(), h.eng.Consent())
	}
}

func TestThreshold_TriggersBackgroundFlush(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) { c.ManualFlush = false; c.FlushInterval = time.Hour })
	h.track(t, "a")
	h.track(t, "b")

	if !testutil.WaitFor(2*time.Second, func() bool { return len(h.collector.EventIDs()) == 2 }) {
		t.Fatalf("threshold flush did not deliver: %v", h.collector.EventIDs())
	}
	if !testutil.WaitFor(time.Second, func() bool { return h.eng.PendingEventsCount() == 0 }) {
		t.Errorf("pending = %d", h.eng.PendingEventsCount())
	}
}

func TestOffline_QueuesUntilReconnect(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *engine.Config) {
		c.ManualFlush = false
		c.StartOffline = true
		c.BatchSize = 10
		c.FlushInterval = time.Hour
	})
	h.track(t, "a")
	if res := h.eng.Flush(ctx); res.Status != flush.StatusSkippedOffline {
		t.Fatalf("flush = %s", res.Status)
	}
	if h.eng.Online() {
		t.Error("engine reports online")
	}

	h.eng.SetOnline(ctx, true)
	if !testutil.WaitFor(2*time.Second, func() bool { return h.eng.PendingEventsCount() == 0 }) {
		t.Error("reconnect did not flush")
	}
}

func TestBacklog_DrainsAfterOneFlush(t *testing.T) {
	h := newHarness(t, func(c *engine.Config) {
		c.ManualFlush = false
		c.StartOffline = true
		c.FlushInterval = time.Hour
	})
	for i := 0; i < 7; i++ {
		h.track(t, fmt.Sprintf("e%d", i))
	}
	h.eng.SetOnline(context.Background(), true)

	if !testutil.WaitFor(3*time.Second, func() bool { return h.eng.PendingEventsCount() == 0 }) {
		t.Fatalf("backlog left: %d", h.eng.PendingEventsCount())
	}
	if got := h.collector.EventTypes(); fmt.Sprint(got) != "[e0 e1 e2 e3 e4 e5 e6]" {
		t.Errorf("delivered %v", got)
	}
}

func TestErase(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	h := newHarness(t, func(c *engine.Config) { c.Storage = store })
	old := h.eng.AnonID()
	h.track(t, "a")
	h.eng.Flush(ctx)

	h.eng.Erase(ctx)
	if store.Len() != 0 {
		t.Errorf("keys left after erase: %d", store.Len())
	}
	if h.eng.AnonID() != "" || h.eng.PendingEventsCount() != 0 {
		t.Error("erase kept identity or events")
	}
	if h.track(t, "b") != nil {
		t.Error("track after erase returned a record")
	}

	h.eng.OptIn(ctx)
	if id := h.eng.AnonID(); id == "" || id == old {
		t.Errorf("anon id after opt-in = %q", id)
	}
}

func TestReconfigure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *engine.Config) { c.BatchSize = 1 })
	h.eng.Reconfigure(engine.Tunables{BatchSize: 3})
	if h.eng.BatchSize() != 3 {
		t.Fatalf("batch size = %d", h.eng.BatchSize())
	}
	for i := 0; i < 4; i++ {
		h.track(t, "x")
	}
	if res := h.eng.Flush(ctx); res.Sent != 3 {
		t.Errorf("sent = %d, want 3", res.Sent)
	}
}

func TestReconfigure_ZeroTunablesKeepCurrentValues(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	h := newHarness(t, func(c *engine.Config) {
		c.BatchSize = 4
		c.DebugMode = true
		c.Logger = logger
	})

	h.track(t, "before")
	if !strings.Contains(logs.String(), "event_type=before") {
		t.Fatalf("debug mode should log queued events at info:\n%s", logs.String())
	}

	h.eng.Reconfigure(engine.Tunables{})
	if h.eng.BatchSize() != 4 {
		t.Errorf("zero BatchSize changed it to %d", h.eng.BatchSize())
	}
	h.track(t, "after")
	if strings.Contains(logs.String(), "event_type=after") {
		t.Error("DebugMode=false should turn debug logging off")
	}
}

func TestStorageFailure_NeverBreaksTracking(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyStorage()
	flaky.FailGets(true)
	flaky.FailSets(true)

	h := newHarness(t, func(c *engine.Config) { c.Storage = flaky })
	if h.eng.State() != engine.Ready {
		t.Fatalf("state = %s", h.eng.State())
	}
	if h.eng.AnonID() == "" {
		t.Error("no in-memory identity")
	}
	h.track(t, "a")
	h.track(t, "b")
	if res := h.eng.Flush(ctx); res.Status != flush.StatusSent || res.Sent != 2 {
		t.Errorf("flush = %+v", res)
	}
}
