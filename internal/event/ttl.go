package event

import "time"

// DefaultTTL applies to event types missing from the table.
const DefaultTTL = 30 * 24 * time.Hour

var ttlByType = map[string]time.Duration{
	TypeSessionStart:    90 * 24 * time.Hour,
	TypeSessionEnd:      90 * 24 * time.Hour,
	TypePageView:        30 * 24 * time.Hour,
	TypeScreenView:      30 * 24 * time.Hour,
	TypeClick:           30 * 24 * time.Hour,
	TypeScroll:          7 * 24 * time.Hour,
	TypeFormInteraction: 14 * 24 * time.Hour,
	TypeError:           14 * 24 * time.Hour,
	TypeEnvironmentScan: 24 * time.Hour,
	TypeCustom:          30 * 24 * time.Hour,
}

// TTLFor returns the collector retention budget for an event type, in seconds.
func TTLFor(eventType string) int64 {
	if d, ok := ttlByType[eventType]; ok {
		return int64(d / time.Second)
	}
	return int64(DefaultTTL / time.Second)
}
