package kiosk

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"helpbutton/internal/directory"
	"helpbutton/internal/eventbus"
	"helpbutton/internal/ledger"
	"helpbutton/internal/ratelimit"
	logx "helpbutton/pkg/logx"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testDevices() map[string]directory.Device {
	return map[string]directory.Device{
		"dev-a": {
			ID:       "dev-a",
			Location: "North Desk",
			Message:  "Help needed at the north desk",
			Cooldown: time.Minute,
			Channel:  "C1",
		},
		"dev-blank": {
			ID:       "dev-blank",
			Cooldown: time.Minute,
			Channel:  "C1",
		},
	}
}

func newTestController(policy Policy) (*Controller, *ledger.Ledger, *ratelimit.Limiter) {
	led := ledger.New(policy.ReplyExtension)
	lim := ratelimit.New()
	ctl := NewController(&fakeDirectory{devices: testDevices()}, led, lim, eventbus.New(), logx.Nop(), policy)
	return ctl, led, lim
}

func TestTriggerPostsAndRegisters(t *testing.T) {
	ctl, led, _ := newTestController(Policy{RequestTimeout: 180 * time.Second})
	ad := newFakeAdapter()

	result, err := ctl.Trigger(context.Background(), ad, "dev-a", 300*time.Millisecond, t0)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.Status != StatusSent || result.Test {
		t.Fatalf("result = %+v", result)
	}

	post, ok := ad.lastPost()
	if !ok || post.Channel != "C1" || post.Text != "Help needed at the north desk" {
		t.Fatalf("post = %+v ok=%v", post, ok)
	}

	req, ok := led.Get(result.RequestID)
	if !ok || req.DeviceID != "dev-a" {
		t.Fatalf("ledger entry = %+v ok=%v", req, ok)
	}
	if want := t0.Add(180 * time.Second); !req.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", req.Deadline, want)
	}
}

func TestTriggerRateLimited(t *testing.T) {
	ctl, _, _ := newTestController(Policy{RequestTimeout: 180 * time.Second})
	ad := newFakeAdapter()

	if _, err := ctl.Trigger(context.Background(), ad, "dev-a", 0, t0); err != nil {
		t.Fatal(err)
	}

	result, err := ctl.Trigger(context.Background(), ad, "dev-a", 0, t0.Add(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusRateLimited {
		t.Fatalf("status = %v", result.Status)
	}
	if result.RetryIn != 50*time.Second {
		t.Fatalf("retry in = %v, want 50s", result.RetryIn)
	}
	if ad.postCount() != 1 {
		t.Fatalf("posts = %d, want 1", ad.postCount())
	}
}

func TestTriggerBusyWhileRequestPending(t *testing.T) {
	ctl, _, _ := newTestController(Policy{RequestTimeout: 180 * time.Second})
	ad := newFakeAdapter()

	if _, err := ctl.Trigger(context.Background(), ad, "dev-a", 0, t0); err != nil {
		t.Fatal(err)
	}

	// Past the cooldown but the first request is still pending.
	result, err := ctl.Trigger(context.Background(), ad, "dev-a", 0, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusBusy {
		t.Fatalf("status = %v", result.Status)
	}
	if ad.postCount() != 1 {
		t.Fatalf("posts = %d, want 1", ad.postCount())
	}
}

func TestTriggerSendFailureBurnsNothing(t *testing.T) {
	ctl, led, _ := newTestController(Policy{RequestTimeout: 180 * time.Second})
	ad := newFakeAdapter()
	ad.setFailing(true)

	result, err := ctl.Trigger(context.Background(), ad, "dev-a", 0, t0)
	if err == nil {
		t.Fatal("want error")
	}
	if result.Status != StatusSendFailed {
		t.Fatalf("status = %v", result.Status)
	}
	if led.Len() != 0 {
		t.Fatal("failed send registered a request")
	}

	// The cooldown window was not consumed; a retry right away succeeds.
	ad.setFailing(false)
	result, err = ctl.Trigger(context.Background(), ad, "dev-a", 0, t0.Add(time.Second))
	if err != nil || result.Status != StatusSent {
		t.Fatalf("retry = %+v err=%v", result, err)
	}
}

func TestLongPressSendsDiagnostic(t *testing.T) {
	ctl, led, _ := newTestController(Policy{RequestTimeout: 180 * time.Second, LongPressThreshold: 2 * time.Second})
	ad := newFakeAdapter()

	result, err := ctl.Trigger(context.Background(), ad, "dev-a", 3*time.Second, t0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != StatusSent || !result.Test {
		t.Fatalf("result = %+v", result)
	}

	post, _ := ad.lastPost()
	want := "Testing button at North Desk\nDevice ID: dev-a\nTimestamp: 2025-06-01 12:00:00"
	if post.Text != want {
		t.Fatalf("diagnostic = %q, want %q", post.Text, want)
	}
	if led.Len() != 0 {
		t.Fatal("diagnostic send was registered for tracking")
	}
}

func TestLongPressRateLimitBypass(t *testing.T) {
	policy := Policy{
		RequestTimeout:     180 * time.Second,
		LongPressThreshold: 2 * time.Second,
		RateLimitTestSends: false,
	}
	ctl, _, lim := newTestController(policy)
	ad := newFakeAdapter()

	lim.RecordSent("dev-a", t0)

	// Short press is throttled, long press goes out.
	result, _ := ctl.Trigger(context.Background(), ad, "dev-a", 0, t0.Add(time.Second))
	if result.Status != StatusRateLimited {
		t.Fatalf("short press status = %v", result.Status)
	}
	result, err := ctl.Trigger(context.Background(), ad, "dev-a", 5*time.Second, t0.Add(2*time.Second))
	if err != nil || result.Status != StatusSent {
		t.Fatalf("long press = %+v err=%v", result, err)
	}
}

func TestLongPressRateLimitedWhenConfigured(t *testing.T) {
	policy := Policy{
		RequestTimeout:     180 * time.Second,
		LongPressThreshold: 2 * time.Second,
		RateLimitTestSends: true,
	}
	ctl, _, lim := newTestController(policy)
	ad := newFakeAdapter()

	lim.RecordSent("dev-a", t0)
	result, _ := ctl.Trigger(context.Background(), ad, "dev-a", 5*time.Second, t0.Add(time.Second))
	if result.Status != StatusRateLimited || !result.Test {
		t.Fatalf("result = %+v", result)
	}
}

func TestTriggerUnknownDevice(t *testing.T) {
	ctl, _, _ := newTestController(Policy{})
	ad := newFakeAdapter()

	result, err := ctl.Trigger(context.Background(), ad, "nope", 0, t0)
	if !errors.Is(err, directory.ErrUnknownDevice) {
		t.Fatalf("err = %v", err)
	}
	if result.Status != StatusUnknownDevice {
		t.Fatalf("status = %v", result.Status)
	}
	if ad.postCount() != 0 {
		t.Fatal("posted for unknown device")
	}
}

func TestFallbackMessage(t *testing.T) {
	ctl, _, _ := newTestController(Policy{})
	ad := newFakeAdapter()

	if _, err := ctl.Trigger(context.Background(), ad, "dev-blank", 0, t0); err != nil {
		t.Fatal(err)
	}
	post, _ := ad.lastPost()
	if post.Text != "Unknown button pressed." {
		t.Fatalf("text = %q", post.Text)
	}
}

func TestFallbackLocationInDiagnostic(t *testing.T) {
	ctl, _, _ := newTestController(Policy{LongPressThreshold: 2 * time.Second})
	ad := newFakeAdapter()

	if _, err := ctl.Trigger(context.Background(), ad, "dev-blank", 3*time.Second, t0); err != nil {
		t.Fatal(err)
	}
	post, _ := ad.lastPost()
	if !strings.HasPrefix(post.Text, "Testing button at Unknown Location\n") {
		t.Fatalf("diagnostic = %q", post.Text)
	}
}
