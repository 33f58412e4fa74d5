package event

import (
	"time"

	"github.com/google/uuid"
)

// Builder turns producer calls into canonical, sanitized records.
// It is stateless apart from its options and safe for concurrent use.
type Builder struct {
	now          func() time.Time
	newID        func() string
	anonymizeGeo bool
	device       *DeviceMeta
	onSanitized  func(removed int)
}

// BuilderOption customizes a Builder.
type BuilderOption func(*Builder)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) { b.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) BuilderOption {
	return func(b *Builder) { b.newID = fn }
}

// WithoutGeoAnonymization keeps coordinates at the precision the host supplied.
func WithoutGeoAnonymization() BuilderOption {
	return func(b *Builder) { b.anonymizeGeo = false }
}

// WithDefaultDevice attaches device descriptors to records built without one.
func WithDefaultDevice(d *DeviceMeta) BuilderOption {
	return func(b *Builder) { b.device = d }
}

// WithSanitizeHook is called with the number of properties stripped from each record.
func WithSanitizeHook(fn func(removed int)) BuilderOption {
	return func(b *Builder) { b.onSanitized = fn }
}

// NewBuilder creates a Builder. Geo anonymization is on unless disabled.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{
		now:          time.Now,
		newID:        newEventID,
		anonymizeGeo: true,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build creates a record for eventType. Properties are sanitized, geo is
// coarsened and the TTL is fixed here; nothing downstream changes the record.
func (b *Builder) Build(id Identity, eventType string, props map[string]any, device *DeviceMeta, geo *Geo) Record {
	clean, removed := Sanitize(props)
	if removed > 0 && b.onSanitized != nil {
		b.onSanitized(removed)
	}

	rec := Record{
		EventID:    b.newID(),
		EventType:  eventType,
		Timestamp:  b.now().UTC(),
		AnonID:     id.AnonID,
		SessionID:  id.SessionID,
		Properties: clean,
		TTL:        TTLFor(eventType),
	}

	if geo != nil {
		g := *geo
		if b.anonymizeGeo {
			g = g.Anonymize()
		}
		rec.Geo = &g
	}

	if device == nil {
		device = b.device
	}
	if device != nil {
		d := *device
		rec.DeviceMeta = &d
	}
	return rec
}

// newEventID returns a time-ordered v7 UUID, falling back to v4 if the
// clock-sequence generator fails.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
