package config

import "time"

// AgentConfig is the top-level YAML structure.
type AgentConfig struct {
	Version string      `yaml:"version"`
	Client  ClientConf  `yaml:"client"`
	Storage StorageConf `yaml:"storage"`
	Network NetworkConf `yaml:"network"`
	Device  DeviceConf  `yaml:"device"`
	Server  ServerConf  `yaml:"server"`
	Sensing SensingConf `yaml:"sensing"`
}

// ClientConf holds the engine settings. Only the tunables (batch size,
// intervals, debug mode) take effect on hot reload.
type ClientConf struct {
	APIKey                  string `yaml:"api_key"`
	Endpoint                string `yaml:"endpoint"`
	BatchSize               int    `yaml:"batch_size"`
	FlushIntervalMs         int    `yaml:"flush_interval_ms"`
	SessionTimeoutMs        int    `yaml:"session_timeout_ms"`
	DrainDelayMs            int    `yaml:"drain_delay_ms"`
	DebugMode               bool   `yaml:"debug_mode"`
	DisableGeoAnonymization bool   `yaml:"disable_geo_anonymization"`
	StartOffline            bool   `yaml:"start_offline"`
	// Consent is the answer given when no decision is persisted:
	// "granted" (default) or "revoked".
	Consent string `yaml:"consent"`
}

func (c ClientConf) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func (c ClientConf) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMs) * time.Millisecond
}

func (c ClientConf) DrainDelay() time.Duration {
	return time.Duration(c.DrainDelayMs) * time.Millisecond
}

// StorageConf selects the storage adapter.
type StorageConf struct {
	Driver string `yaml:"driver"` // memory | sqlite | postgres | redis
	Path   string `yaml:"path"`   // sqlite
	DSN    string `yaml:"dsn"`    // postgres
	Addr   string `yaml:"addr"`   // redis
	// Password and DB apply to redis only.
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	// SealKey is an age X25519 identity; when set every value is encrypted at rest.
	SealKey string `yaml:"seal_key"`
}

// NetworkConf selects the network adapter.
type NetworkConf struct {
	Kind      string `yaml:"kind"` // http | s3
	Gzip      bool   `yaml:"gzip"`
	TimeoutMs int    `yaml:"timeout_ms"`
	UserAgent string `yaml:"user_agent"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
}

func (n NetworkConf) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

// DeviceConf is the coarse device metadata attached to every event.
type DeviceConf struct {
	Platform    string `yaml:"platform"`
	OSVersion   string `yaml:"os_version"`
	DeviceClass string `yaml:"device_class"`
	AppVersion  string `yaml:"app_version"`
	Locale      string `yaml:"locale"`
	Timezone    string `yaml:"timezone"`
}

// ServerConf configures the local agent API.
type ServerConf struct {
	Addr string `yaml:"addr"`
}

// SensingConf configures the synthetic environment producer.
type SensingConf struct {
	Enabled    bool     `yaml:"enabled"`
	IntervalMs int      `yaml:"interval_ms"`
	Zones      []string `yaml:"zones"`
}

func (s SensingConf) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}
