package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pecron-terminal/pkg/pecron"
)

// Sink receives every decoded snapshot.
type Sink interface {
	Publish(ctx context.Context, d pecron.Device, props *pecron.DeviceProperties) error
}

// Source is where the poller reads devices and their status from.
type Source interface {
	Devices(ctx context.Context, refresh bool) ([]pecron.Device, error)
	Properties(ctx context.Context, d *pecron.Device) (*pecron.DeviceProperties, error)
}

// SessionSource reads from a live cloud session.
type SessionSource struct {
	Session *pecron.Session
}

func (s SessionSource) Devices(ctx context.Context, refresh bool) ([]pecron.Device, error) {
	return pecron.ListDevices(ctx, s.Session, refresh)
}

func (s SessionSource) Properties(ctx context.Context, d *pecron.Device) (*pecron.DeviceProperties, error) {
	return pecron.GetDeviceProperties(ctx, s.Session, d)
}

// Poller fetches every matching device on an interval and fans the snapshots
// out to its sinks. A failing device or sink is logged and skipped.
type Poller struct {
	Source   Source
	Interval time.Duration
	Sinks    []Sink

	// Devices limits polling to devices whose name contains one of the
	// fragments. Empty polls everything.
	Devices []string

	// RefreshEvery reloads the device list every N passes; 0 never does.
	RefreshEvery int

	Logger zerolog.Logger

	mu     sync.Mutex
	passes int
}

// Stats summarises one pass.
type Stats struct {
	Devices int
	Polled  int
	Failed  int
}

// Run polls until ctx is cancelled. The first pass starts immediately.
func (p *Poller) Run(ctx context.Context) error {
	if p.Interval <= 0 {
		return fmt.Errorf("monitor: invalid interval %v", p.Interval)
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Once(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, pecron.ErrAuthentication) {
				return err
			}
			p.Logger.Warn().Err(err).Msg("poll failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Once runs a single pass. Only a failure to list devices is returned.
func (p *Poller) Once(ctx context.Context) (Stats, error) {
	var stats Stats

	devices, err := p.Source.Devices(ctx, p.refreshDue())
	if err != nil {
		return stats, err
	}
	devices = p.selected(devices)
	stats.Devices = len(devices)

	for i := range devices {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		d := devices[i]
		props, err := p.Source.Properties(ctx, &d)
		if err != nil {
			if errors.Is(err, pecron.ErrAuthentication) {
				return stats, err
			}
			stats.Failed++
			p.Logger.Warn().Err(err).Str("device", d.Name).Msg("status fetch failed")
			continue
		}
		stats.Polled++

		for _, sink := range p.Sinks {
			if err := sink.Publish(ctx, d, props); err != nil {
				p.Logger.Warn().Err(err).Str("device", d.Name).Msgf("sink %T failed", sink)
			}
		}
	}

	p.Logger.Debug().Int("devices", stats.Devices).Int("polled", stats.Polled).Int("failed", stats.Failed).Msg("poll done")
	return stats, nil
}

func (p *Poller) refreshDue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	due := p.RefreshEvery > 0 && p.passes > 0 && p.passes%p.RefreshEvery == 0
	p.passes++
	return due
}

func (p *Poller) selected(devices []pecron.Device) []pecron.Device {
	if len(p.Devices) == 0 {
		return devices
	}

	seen := make(map[string]bool)
	var out []pecron.Device
	for _, fragment := range p.Devices {
		for _, d := range pecron.Filter(devices, fragment) {
			if !seen[d.ID()] {
				seen[d.ID()] = true
				out = append(out, d)
			}
		}
	}
	return out
}
