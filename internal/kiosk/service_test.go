package kiosk

import (
	"context"
	"strings"
	"testing"
	"time"

	"helpbutton/internal/eventbus"
	"helpbutton/internal/ledger"
	"helpbutton/internal/ratelimit"
	kit "helpbutton/internal/transport"
	logx "helpbutton/pkg/logx"
)

func newTestService(policy Policy, ad *fakeAdapter, bus eventbus.Bus, pacing Pacing) (*Service, *ledger.Ledger) {
	policy.Normalize()
	led := ledger.New(policy.ReplyExtension)
	lim := ratelimit.New()
	ctl := NewController(&fakeDirectory{devices: testDevices()}, led, lim, bus, logx.Nop(), policy)
	return NewService(ctl, led, ad, bus, logx.Nop(), pacing), led
}

func collectEvents(bus eventbus.Bus) (<-chan eventbus.Event, func()) {
	return bus.Subscribe(64)
}

func awaitEvent(t *testing.T, ch <-chan eventbus.Event, eventType string, d time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", eventType, d)
		}
	}
}

// An acknowledgement already queued when the deadline passes must win over
// expiry: the loop drains inbound before expiring.
func TestAckQueuedAtDeadlineWinsOverExpiry(t *testing.T) {
	bus := eventbus.New()
	ad := newFakeAdapter()
	s, led := newTestService(Policy{RequestTimeout: 30 * time.Second}, ad, bus, Pacing{})

	if err := led.Register("m1", "dev-a", "C1", t0, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	s.texts["m1"] = "Help needed at the north desk"

	events, unsub := collectEvents(bus)
	defer unsub()

	s.inbound <- kit.Update{
		Kind:  kit.UpdateReply,
		Reply: &kit.ReplyEvent{RequestID: "m1", Author: "U1", Text: "done :white_check_mark:"},
	}

	// Simulate one tick well past the deadline.
	now := t0.Add(2 * time.Minute)
	ctx := context.Background()
	s.drainInbound(ctx, now)
	s.expireDue(ctx, now)

	ev := awaitEvent(t, events, eventbus.TypeRequestResolved, time.Second)
	data := ev.Data.(EventData)
	if data.RequestID != "m1" || data.Author != "U1" {
		t.Fatalf("event data = %+v", data)
	}

	// No timeout event follows.
	select {
	case ev := <-events:
		if ev.Type == eventbus.TypeRequestTimedOut {
			t.Fatal("timed out despite queued acknowledgement")
		}
	case <-time.After(100 * time.Millisecond):
	}

	edit, ok := waitFor(ad.edited, time.Second)
	if !ok || !strings.HasSuffix(edit.Text, " (RESOLVED)") {
		t.Fatalf("edit = %+v ok=%v", edit, ok)
	}
}

func TestExpiryEditsAndPublishes(t *testing.T) {
	bus := eventbus.New()
	ad := newFakeAdapter()
	s, led := newTestService(Policy{RequestTimeout: 30 * time.Second}, ad, bus, Pacing{})

	if err := led.Register("m1", "dev-a", "C1", t0, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	s.texts["m1"] = "Help needed at the north desk"

	events, unsub := collectEvents(bus)
	defer unsub()

	s.expireDue(context.Background(), t0.Add(time.Minute))

	ev := awaitEvent(t, events, eventbus.TypeRequestTimedOut, time.Second)
	if ev.Data.(EventData).RequestID != "m1" {
		t.Fatalf("event data = %+v", ev.Data)
	}
	edit, ok := waitFor(ad.edited, time.Second)
	if !ok || edit.Text != "Help needed at the north desk (TIMED OUT)" {
		t.Fatalf("edit = %+v ok=%v", edit, ok)
	}
	if led.Len() != 0 {
		t.Fatal("expired request still tracked")
	}
}

// End to end through the running loop: press, poll picks up a resolving
// reaction, request resolves.
func TestServiceResolvesViaPolling(t *testing.T) {
	bus := eventbus.New()
	ad := newFakeAdapter()
	s, _ := newTestService(
		Policy{RequestTimeout: 30 * time.Second},
		ad, bus,
		Pacing{PollInterval: 10 * time.Millisecond, PollTimeout: time.Second},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
	}()

	events, unsub := collectEvents(bus)
	defer unsub()

	result, err := s.Trigger(ctx, "dev-a", 0)
	if err != nil || result.Status != StatusSent {
		t.Fatalf("trigger = %+v err=%v", result, err)
	}

	ad.queue(kit.Update{
		Kind:     kit.UpdateReaction,
		Reaction: &kit.ReactionEvent{RequestID: result.RequestID, Reaction: "white_check_mark"},
	})

	ev := awaitEvent(t, events, eventbus.TypeRequestResolved, 3*time.Second)
	if ev.Data.(EventData).RequestID != result.RequestID {
		t.Fatalf("event data = %+v", ev.Data)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("request still pending after resolution")
	}
}

func TestServiceCancel(t *testing.T) {
	bus := eventbus.New()
	ad := newFakeAdapter()
	s, _ := newTestService(Policy{RequestTimeout: 30 * time.Second}, ad, bus, Pacing{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
	}()

	result, err := s.Trigger(ctx, "dev-a", 0)
	if err != nil || result.Status != StatusSent {
		t.Fatalf("trigger = %+v err=%v", result, err)
	}

	ok, err := s.Cancel(ctx, result.RequestID)
	if err != nil || !ok {
		t.Fatalf("cancel = %v err=%v", ok, err)
	}
	ok, err = s.Cancel(ctx, result.RequestID)
	if err != nil || ok {
		t.Fatalf("second cancel = %v err=%v", ok, err)
	}
	if len(s.Snapshot()) != 0 {
		t.Fatal("cancelled request still pending")
	}
}

func TestServiceTriggerTest(t *testing.T) {
	bus := eventbus.New()
	ad := newFakeAdapter()
	s, led := newTestService(
		Policy{RequestTimeout: 30 * time.Second, LongPressThreshold: 2 * time.Second},
		ad, bus, Pacing{PollInterval: time.Hour},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = s.Stop(stopCtx)
	}()

	result, err := s.TriggerTest(ctx, "dev-a")
	if err != nil || result.Status != StatusSent || !result.Test {
		t.Fatalf("result = %+v err=%v", result, err)
	}
	if led.Len() != 0 {
		t.Fatal("diagnostic send tracked in ledger")
	}
	post, _ := ad.lastPost()
	if !strings.HasPrefix(post.Text, "Testing button at North Desk\n") {
		t.Fatalf("post = %q", post.Text)
	}
}
