// Package kiosk orchestrates the help-button interaction: a press becomes a
// posted request, acknowledgements and timeouts drive it to a terminal state,
// and every outcome is published on the event bus for the presentation layer.
//
// All ledger and limiter mutations happen on the Service's owning loop; the
// Controller holds the decision logic and is only ever called from there.
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"helpbutton/internal/directory"
	"helpbutton/internal/eventbus"
	"helpbutton/internal/ledger"
	"helpbutton/internal/ratelimit"
	kit "helpbutton/internal/transport"
	logx "helpbutton/pkg/logx"
)

// Fallbacks when a device entry is incomplete.
const (
	fallbackMessage  = "Unknown button pressed."
	fallbackLocation = "Unknown Location"
)

const diagnosticTimeFormat = "2006-01-02 15:04:05"

// Policy is the hot-reloadable interaction policy.
type Policy struct {
	RequestTimeout     time.Duration
	ReplyExtension     time.Duration
	LongPressThreshold time.Duration
	RateLimitTestSends bool
}

// Normalize fills policy defaults in place.
func (p *Policy) Normalize() {
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = 180 * time.Second
	}
	if p.ReplyExtension <= 0 {
		p.ReplyExtension = p.RequestTimeout / 3
	}
	if p.LongPressThreshold <= 0 {
		p.LongPressThreshold = 2 * time.Second
	}
}

type Status string

const (
	// StatusSent: the request (or diagnostic) was posted.
	StatusSent Status = "sent"
	// StatusRateLimited: the device is inside its cooldown window.
	StatusRateLimited Status = "rate_limited"
	// StatusBusy: the device already has a pending request.
	StatusBusy Status = "busy"
	// StatusSendFailed: the outbound post failed; nothing was registered.
	StatusSendFailed Status = "send_failed"
	// StatusUnknownDevice: the device id is not in the directory.
	StatusUnknownDevice Status = "unknown_device"
)

// Result reports what a trigger did.
type Result struct {
	Status    Status
	RequestID string        // set when Status == StatusSent and a request was registered
	Message   string        // the text that was (or would have been) posted
	RetryIn   time.Duration // set when Status == StatusRateLimited
	Test      bool          // diagnostic (long press) send
}

// EventData is the payload carried by kiosk events on the bus.
type EventData struct {
	DeviceID  string
	RequestID string
	Location  string
	Test      bool
	Author    string
	Text      string
	RetryIn   time.Duration
}

// Controller makes the per-press decisions. Not safe for concurrent use;
// the Service serializes all calls.
type Controller struct {
	dir directory.Provider
	led *ledger.Ledger
	lim *ratelimit.Limiter
	bus eventbus.Bus
	log logx.Logger

	policy Policy
}

func NewController(dir directory.Provider, led *ledger.Ledger, lim *ratelimit.Limiter, bus eventbus.Bus, log logx.Logger, policy Policy) *Controller {
	policy.Normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{dir: dir, led: led, lim: lim, bus: bus, log: log, policy: policy}
}

// SetPolicy swaps the interaction policy. Already-registered requests keep
// their deadlines; only subsequent decisions use the new values.
func (c *Controller) SetPolicy(p Policy) {
	p.Normalize()
	c.policy = p
	c.led.SetReplyExtension(p.ReplyExtension)
}

// Trigger runs the press-to-post flow. A press held longer than the long-press
// threshold sends the diagnostic template instead of the help message and is
// not tracked in the ledger.
func (c *Controller) Trigger(ctx context.Context, adapter kit.Adapter, deviceID string, held time.Duration, now time.Time) (Result, error) {
	dev, err := c.dir.Lookup(deviceID)
	if err != nil {
		if errors.Is(err, directory.ErrUnknownDevice) {
			c.log.Warn("press from unlisted device", logx.String("device", deviceID))
			return Result{Status: StatusUnknownDevice}, fmt.Errorf("trigger %s: %w", deviceID, err)
		}
		return Result{Status: StatusUnknownDevice}, fmt.Errorf("trigger %s: %w", deviceID, err)
	}

	test := held > c.policy.LongPressThreshold

	if !test || c.policy.RateLimitTestSends {
		if ok, remaining := c.lim.MaySend(dev.ID, now, dev.Cooldown); !ok {
			c.log.Info("press rate limited",
				logx.String("device", dev.ID),
				logx.Duration("retry_in", remaining),
			)
			c.bus.Publish(eventbus.Event{
				Type: eventbus.TypeRequestRateLimited,
				Time: now,
				Data: EventData{DeviceID: dev.ID, Location: location(dev), Test: test, RetryIn: remaining},
			})
			return Result{Status: StatusRateLimited, RetryIn: remaining, Test: test}, nil
		}
	}

	if !test {
		if _, busy := c.led.ForDevice(dev.ID); busy {
			return Result{Status: StatusBusy}, nil
		}
	}

	text := c.compose(dev, test, now)

	ref, err := adapter.PostMessage(ctx, kit.ChannelTarget{ChannelID: dev.Channel}, text)
	if err != nil {
		c.log.Error("request send failed",
			logx.String("device", dev.ID),
			logx.String("channel", dev.Channel),
			logx.Err(err),
		)
		c.bus.Publish(eventbus.Event{
			Type: eventbus.TypeRequestSendFailed,
			Time: now,
			Data: EventData{DeviceID: dev.ID, Location: location(dev), Test: test, Text: text},
		})
		return Result{Status: StatusSendFailed, Message: text, Test: test}, fmt.Errorf("post for %s: %w", dev.ID, err)
	}

	c.lim.RecordSent(dev.ID, now)

	if !test {
		if err := c.led.Register(ref.ID, dev.ID, ref.ChannelID, now, c.policy.RequestTimeout); err != nil {
			// Both registration failures mean a pending request already exists.
			// The message is posted by then, so report busy rather than lose it.
			c.log.Warn("request not registered", logx.String("device", dev.ID), logx.Err(err))
			return Result{Status: StatusBusy, RequestID: ref.ID, Message: text}, nil
		}
	}

	c.log.Info("request posted",
		logx.String("device", dev.ID),
		logx.String("channel", ref.ChannelID),
		logx.String("request_id", ref.ID),
		logx.Bool("test", test),
	)
	c.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRequestSent,
		Time: now,
		Data: EventData{DeviceID: dev.ID, RequestID: ref.ID, Location: location(dev), Test: test, Text: text},
	})
	return Result{Status: StatusSent, RequestID: ref.ID, Message: text, Test: test}, nil
}

func (c *Controller) compose(dev directory.Device, test bool, now time.Time) string {
	if test {
		return fmt.Sprintf("Testing button at %s\nDevice ID: %s\nTimestamp: %s",
			location(dev), dev.ID, now.Format(diagnosticTimeFormat))
	}
	if dev.Message == "" {
		return fallbackMessage
	}
	return dev.Message
}

func location(dev directory.Device) string {
	if dev.Location == "" {
		return fallbackLocation
	}
	return dev.Location
}
