package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the config for:
//   - Required fields (version, api key, collector endpoint or bucket)
//   - Known storage drivers and network kinds, with their per-driver settings
//   - Non-negative tunables
func Validate(cfg *AgentConfig) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	c := cfg.Client
	if strings.TrimSpace(c.APIKey) == "" {
		errs = append(errs, "client.api_key is required")
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Sprintf("client.batch_size must be positive, got %d", c.BatchSize))
	}
	if c.FlushIntervalMs < 0 || c.SessionTimeoutMs < 0 || c.DrainDelayMs < 0 {
		errs = append(errs, "client intervals must not be negative")
	}
	switch c.Consent {
	case "granted", "revoked":
	default:
		errs = append(errs, fmt.Sprintf("client.consent %q: want granted or revoked", c.Consent))
	}

	switch s := cfg.Storage; s.Driver {
	case "memory":
	case "sqlite":
		if s.Path == "" {
			errs = append(errs, "storage.path is required for sqlite")
		}
	case "postgres":
		if s.DSN == "" {
			errs = append(errs, "storage.dsn is required for postgres")
		}
	case "redis":
		if s.Addr == "" {
			errs = append(errs, "storage.addr is required for redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q: want memory, sqlite, postgres or redis", s.Driver))
	}

	switch n := cfg.Network; n.Kind {
	case "http":
		if u, err := url.Parse(c.Endpoint); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("client.endpoint %q: want an absolute http(s) url", c.Endpoint))
		}
	case "s3":
		if n.Bucket == "" {
			errs = append(errs, "network.bucket is required for s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("network.kind %q: want http or s3", n.Kind))
	}
	if cfg.Network.TimeoutMs < 0 {
		errs = append(errs, "network.timeout_ms must not be negative")
	}

	if cfg.Sensing.Enabled && len(cfg.Sensing.Zones) == 0 {
		errs = append(errs, "sensing.zones must not be empty when sensing is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
