package event

import "time"

// Well-known event types emitted by the engine itself or by the bundled producers.
const (
	TypeSessionStart    = "session_start"
	TypeSessionEnd      = "session_end"
	TypePageView        = "page_view"
	TypeScreenView      = "screen_view"
	TypeClick           = "click"
	TypeScroll          = "scroll"
	TypeFormInteraction = "form_interaction"
	TypeError           = "error"
	TypeEnvironmentScan = "environment_scan"
	TypeCustom          = "custom"
)

// Record is the unit of delivery. Once appended to the queue it is never edited.
type Record struct {
	EventID    string         `json:"eventId"`
	EventType  string         `json:"eventType"`
	Timestamp  time.Time      `json:"timestamp"`
	AnonID     string         `json:"anonId"`
	SessionID  string         `json:"sessionId"`
	Properties map[string]any `json:"properties"`
	Geo        *Geo           `json:"geo,omitempty"`
	DeviceMeta *DeviceMeta    `json:"deviceMeta,omitempty"`
	TTL        int64          `json:"ttl"` // seconds
}

// Geo is an optional location attached to a record.
type Geo struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
	Accuracy  float64 `json:"accuracy,omitempty"` // metres
	Country   string  `json:"country,omitempty"`
	Region    string  `json:"region,omitempty"`
}

// DeviceMeta holds coarse platform descriptors. Nothing here identifies a device.
type DeviceMeta struct {
	Platform    string `json:"platform,omitempty"`     // "web", "ios", "android", "linux"
	OSVersion   string `json:"osVersion,omitempty"`    // major version only
	DeviceClass string `json:"deviceClass,omitempty"`  // "mobile", "desktop", "embedded"
	AppVersion  string `json:"appVersion,omitempty"`
	Locale      string `json:"locale,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// Identity supplies the anonymous and session identifiers merged into a record.
type Identity struct {
	AnonID    string
	SessionID string
}
