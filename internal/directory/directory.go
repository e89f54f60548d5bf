// Package directory resolves a device id to its display configuration:
// location, message text, cooldown, and destination channel.
//
// Two sources feed it: the local config file (hot-reloadable) and an optional
// published CSV roster shared across the fleet. The roster wins when both
// know a device; the local entries keep a kiosk working when the roster host
// is unreachable.
package directory

import (
	"context"
	"errors"
	"sync"
	"time"

	logx "helpbutton/pkg/logx"
)

// ErrUnknownDevice means the device id is not listed anywhere. This is a
// configuration error: the trigger path fails fast instead of guessing.
var ErrUnknownDevice = errors.New("device not listed in directory")

// Device is one kiosk's resolved configuration.
type Device struct {
	ID       string
	Location string
	Message  string
	Cooldown time.Duration
	Channel  string
}

// Provider is the lookup interface the interaction path consumes.
type Provider interface {
	Lookup(deviceID string) (Device, error)
}

type Directory struct {
	log logx.Logger

	mu     sync.RWMutex
	local  map[string]Device
	roster map[string]Device

	rosterURL string
	refresh   time.Duration
}

func New(log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{
		log:    log,
		local:  map[string]Device{},
		roster: map[string]Device{},
	}
}

// ApplyLocal replaces the config-file roster.
func (d *Directory) ApplyLocal(devices []Device) {
	m := make(map[string]Device, len(devices))
	for _, dev := range devices {
		if dev.ID == "" {
			continue
		}
		m[dev.ID] = dev
	}
	d.mu.Lock()
	d.local = m
	d.mu.Unlock()
}

// ApplyRemote reconfigures the published-roster source. An empty URL disables
// remote refresh; already-fetched entries are kept until the next successful
// fetch replaces them.
func (d *Directory) ApplyRemote(url string, refresh time.Duration) {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	d.mu.Lock()
	d.rosterURL = url
	d.refresh = refresh
	d.mu.Unlock()
}

func (d *Directory) Lookup(deviceID string) (Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if dev, ok := d.roster[deviceID]; ok {
		return dev, nil
	}
	if dev, ok := d.local[deviceID]; ok {
		return dev, nil
	}
	return Device{}, ErrUnknownDevice
}

// Run refreshes the remote roster until ctx is cancelled. It is a no-op loop
// while no roster URL is configured.
func (d *Directory) Run(ctx context.Context) error {
	// Fetch once at startup so a kiosk doesn't wait a full interval for its
	// first roster.
	d.refreshOnce(ctx)

	for {
		d.mu.RLock()
		interval := d.refresh
		d.mu.RUnlock()
		if interval <= 0 {
			interval = 5 * time.Minute
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
			d.refreshOnce(ctx)
		}
	}
}

func (d *Directory) refreshOnce(ctx context.Context) {
	d.mu.RLock()
	url := d.rosterURL
	d.mu.RUnlock()
	if url == "" {
		return
	}

	devices, err := fetchRoster(ctx, url)
	if err != nil {
		d.log.Warn("roster refresh failed; keeping previous", logx.String("url", url), logx.Err(err))
		return
	}

	m := make(map[string]Device, len(devices))
	for _, dev := range devices {
		m[dev.ID] = dev
	}
	d.mu.Lock()
	d.roster = m
	d.mu.Unlock()
	d.log.Debug("roster refreshed", logx.Int("devices", len(m)))
}
