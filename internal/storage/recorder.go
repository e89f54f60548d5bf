package storage

import (
	"context"
	"time"

	"helpbutton/internal/eventbus"
	"helpbutton/internal/kiosk"
	"helpbutton/internal/runtime/supervisor"
	logx "helpbutton/pkg/logx"
)

// Recorder subscribes to kiosk lifecycle events and mirrors them into the
// store. It rides the bus instead of being called inline so a slow disk never
// stalls the interaction loop; under pressure the bus drops events and the
// audit trail gets gaps rather than the kiosk getting lag.
type Recorder struct {
	log   logx.Logger
	bus   eventbus.Bus
	store Store

	// sentAt remembers when each tracked request was posted, for latency.
	// Touched only by the recorder goroutine.
	sentAt map[string]time.Time

	sup   *supervisor.Supervisor
	unsub func()
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{log: log, bus: bus, store: store, sentAt: map[string]time.Time{}}
}

func (r *Recorder) Start(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	ch, unsub := r.bus.Subscribe(128)
	r.unsub = unsub
	r.sup = supervisor.New(ctx, supervisor.WithLogger(r.log))
	r.sup.Go0("storage.recorder", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	})
	return nil
}

func (r *Recorder) Stop(ctx context.Context) error {
	if r.unsub != nil {
		r.unsub()
	}
	if r.sup == nil {
		return nil
	}
	return r.sup.Stop(ctx)
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	data, ok := ev.Data.(kiosk.EventData)
	if !ok {
		return
	}

	var outcome string
	switch ev.Type {
	case eventbus.TypeRequestSent:
		outcome = "sent"
		if data.RequestID != "" {
			r.sentAt[data.RequestID] = ev.Time
		}
	case eventbus.TypeRequestReplied:
		outcome = "replied"
	case eventbus.TypeRequestResolved:
		outcome = "resolved"
	case eventbus.TypeRequestTimedOut:
		outcome = "timed_out"
	case eventbus.TypeRequestRateLimited:
		outcome = "rate_limited"
	case eventbus.TypeRequestSendFailed:
		outcome = "send_failed"
	case eventbus.TypeRequestCancelled:
		outcome = "cancelled"
	case eventbus.TypeSelfTestRun:
		outcome = "selftest"
	default:
		return
	}

	entry := InteractionEntry{
		At:        ev.Time,
		DeviceID:  data.DeviceID,
		RequestID: data.RequestID,
		Outcome:   outcome,
		Responder: data.Author,
		Text:      data.Text,
		Test:      data.Test,
	}
	if data.RequestID != "" {
		if sent, ok := r.sentAt[data.RequestID]; ok {
			entry.LatencyMS = ev.Time.Sub(sent).Milliseconds()
			if terminal(ev.Type) {
				delete(r.sentAt, data.RequestID)
			}
		}
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.store.AppendInteraction(wctx, entry); err != nil {
		r.log.Warn("audit append failed", logx.String("outcome", outcome), logx.Err(err))
	}
}

func terminal(eventType string) bool {
	switch eventType {
	case eventbus.TypeRequestResolved, eventbus.TypeRequestTimedOut, eventbus.TypeRequestCancelled:
		return true
	}
	return false
}
