// Package sensing is a synthetic environment producer for unattended devices.
// It only ever calls Track; the occupancy numbers are placeholder data until a
// real sensor integration exists.
package sensing

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/gyaneshwarpardhi/anonsdk/internal/event"
)

// Tracker is the part of the engine the producer needs.
type Tracker interface {
	Track(ctx context.Context, eventType string, props map[string]any, geo *event.Geo) *event.Record
}

// Producer emits one environment_scan event per zone on every tick.
type Producer struct {
	tracker  Tracker
	zones    []string
	interval time.Duration
	rng      *rand.Rand
	logger   *slog.Logger
}

// NewProducer creates a producer. seed makes the readings reproducible.
func NewProducer(tracker Tracker, zones []string, interval time.Duration, seed uint64) *Producer {
	return &Producer{
		tracker:  tracker,
		zones:    append([]string(nil), zones...),
		interval: interval,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger:   slog.Default().With("component", "sensing"),
	}
}

// Run scans until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.Scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Scan emits one reading per zone and returns how many the tracker accepted.
func (p *Producer) Scan(ctx context.Context) int {
	accepted := 0
	for _, zone := range p.zones {
		occupancy := p.rng.IntN(12)
		props := map[string]any{
			"zone":       zone,
			"occupancy":  occupancy,
			"dwell_ms":   p.rng.IntN(120_000),
			"confidence": float64(50+p.rng.IntN(50)) / 100,
		}
		if p.tracker.Track(ctx, event.TypeEnvironmentScan, props, nil) != nil {
			accepted++
		}
	}
	if accepted < len(p.zones) {
		p.logger.Debug("scan readings dropped", "zones", len(p.zones), "accepted", accepted)
	}
	return accepted
}
