package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"helpbutton/internal/eventbus"
	"helpbutton/internal/kiosk"
	logx "helpbutton/pkg/logx"
)

type memStore struct {
	mu      sync.Mutex
	entries []InteractionEntry
	added   chan InteractionEntry
}

func newMemStore() *memStore {
	return &memStore{added: make(chan InteractionEntry, 16)}
}

func (m *memStore) AppendInteraction(ctx context.Context, e InteractionEntry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	m.added <- e
	return nil
}

func (m *memStore) Close() error { return nil }

func awaitEntry(t *testing.T, ch <-chan InteractionEntry, outcome string) InteractionEntry {
	t.Helper()
	select {
	case e := <-ch:
		if e.Outcome != outcome {
			t.Fatalf("outcome = %q, want %q", e.Outcome, outcome)
		}
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s entry recorded", outcome)
		return InteractionEntry{}
	}
}

func TestRecorderMirrorsLifecycle(t *testing.T) {
	bus := eventbus.New()
	store := newMemStore()
	rec := NewRecorder(store, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rec.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = rec.Stop(stopCtx)
	}()

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeRequestSent,
		Time: t0,
		Data: kiosk.EventData{DeviceID: "dev-a", RequestID: "m1"},
	})
	sent := awaitEntry(t, store.added, "sent")
	if sent.DeviceID != "dev-a" || sent.LatencyMS != 0 {
		t.Fatalf("sent = %+v", sent)
	}

	bus.Publish(eventbus.Event{
		Type: eventbus.TypeRequestResolved,
		Time: t0.Add(45 * time.Second),
		Data: kiosk.EventData{DeviceID: "dev-a", RequestID: "m1", Author: "U1"},
	})
	resolved := awaitEntry(t, store.added, "resolved")
	if resolved.Responder != "U1" {
		t.Fatalf("resolved = %+v", resolved)
	}
	if resolved.LatencyMS != 45000 {
		t.Fatalf("latency = %d, want 45000", resolved.LatencyMS)
	}
}

func TestRecorderIgnoresForeignEvents(t *testing.T) {
	bus := eventbus.New()
	store := newMemStore()
	rec := NewRecorder(store, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rec.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = rec.Stop(stopCtx)
	}()

	bus.Publish(eventbus.Event{Type: "something.else", Data: "not ours"})
	bus.Publish(eventbus.Event{
		Type: eventbus.TypeRequestRateLimited,
		Time: time.Now(),
		Data: kiosk.EventData{DeviceID: "dev-a"},
	})

	e := awaitEntry(t, store.added, "rate_limited")
	if e.DeviceID != "dev-a" {
		t.Fatalf("entry = %+v", e)
	}
	store.mu.Lock()
	n := len(store.entries)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("entries = %d, want 1", n)
	}
}
