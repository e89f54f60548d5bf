package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"helpbutton/internal/eventbus"
	"helpbutton/internal/ledger"
	"helpbutton/internal/runtime/supervisor"
	kit "helpbutton/internal/transport"
	logx "helpbutton/pkg/logx"
)

// Suffixes appended to the posted message when a request reaches a terminal
// state, so the channel history shows the outcome.
const (
	resolvedSuffix = " (RESOLVED)"
	timedOutSuffix = " (TIMED OUT)"
)

const (
	defaultTickInterval = time.Second
	defaultPollInterval = 3 * time.Second
	defaultPollTimeout  = 10 * time.Second

	// editTimeout bounds the best-effort terminal-state message edits.
	editTimeout = 10 * time.Second

	// veryLongPress sits above any configurable long-press threshold.
	veryLongPress = time.Duration(1<<63 - 1)
)

var errNotRunning = errors.New("kiosk service not running")

// Pacing configures the acknowledgement poll loop.
type Pacing struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
}

func (p *Pacing) normalize() {
	if p.PollInterval <= 0 {
		p.PollInterval = defaultPollInterval
	}
	if p.PollTimeout <= 0 {
		p.PollTimeout = defaultPollTimeout
	}
}

type triggerReq struct {
	deviceID string
	held     time.Duration
	resp     chan triggerResp
}

type triggerResp struct {
	result Result
	err    error
}

type cancelReq struct {
	requestID string
	resp      chan bool
}

type reconfigure struct {
	policy Policy
	pacing Pacing
}

// Service runs the interaction loop. One goroutine (the owning loop) performs
// every ledger and limiter mutation; the poll worker and external callers only
// hand work to it over channels.
type Service struct {
	log     logx.Logger
	ctl     *Controller
	led     *ledger.Ledger
	adapter kit.Adapter
	bus     eventbus.Bus

	inbound  chan kit.Update
	triggers chan triggerReq
	cancels  chan cancelReq
	reconfig chan reconfigure

	pacing Pacing

	// texts remembers what each pending request said, for the terminal edit.
	// Touched only by the owning loop.
	texts map[string]string

	mu      sync.Mutex
	sup     *supervisor.Supervisor
	started bool
}

func NewService(ctl *Controller, led *ledger.Ledger, adapter kit.Adapter, bus eventbus.Bus, log logx.Logger, pacing Pacing) *Service {
	pacing.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		ctl:      ctl,
		led:      led,
		adapter:  adapter,
		bus:      bus,
		inbound:  make(chan kit.Update, 64),
		triggers: make(chan triggerReq),
		cancels:  make(chan cancelReq),
		reconfig: make(chan reconfigure, 1),
		pacing:   pacing,
		texts:    map[string]string{},
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup.Go("kiosk.loop", s.run)
	sup.GoRestart("kiosk.poll", s.poll,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	s.sup = sup
	s.started = true
	s.log.Info("kiosk service started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.started = false
	s.mu.Unlock()

	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// Trigger runs a press on the owning loop and waits for the outcome.
func (s *Service) Trigger(ctx context.Context, deviceID string, held time.Duration) (Result, error) {
	req := triggerReq{deviceID: deviceID, held: held, resp: make(chan triggerResp, 1)}
	select {
	case s.triggers <- req:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-s.loopDone():
		return Result{}, errNotRunning
	}
	select {
	case r := <-req.resp:
		return r.result, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// TriggerTest runs the diagnostic send for a device, as if the button had
// been held past the long-press threshold.
func (s *Service) TriggerTest(ctx context.Context, deviceID string) (Result, error) {
	return s.Trigger(ctx, deviceID, veryLongPress)
}

// Cancel dismisses a pending request. Reports whether it existed.
func (s *Service) Cancel(ctx context.Context, requestID string) (bool, error) {
	req := cancelReq{requestID: requestID, resp: make(chan bool, 1)}
	select {
	case s.cancels <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.loopDone():
		return false, errNotRunning
	}
	select {
	case ok := <-req.resp:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Apply hands new policy and pacing to the owning loop. Pending requests keep
// their deadlines.
func (s *Service) Apply(policy Policy, pacing Pacing) {
	pacing.normalize()
	rc := reconfigure{policy: policy, pacing: pacing}
	select {
	case s.reconfig <- rc:
	default:
		// Replace a not-yet-consumed update with the newest one.
		select {
		case <-s.reconfig:
		default:
		}
		select {
		case s.reconfig <- rc:
		default:
		}
	}
}

// Snapshot returns copies of the pending requests, oldest first.
func (s *Service) Snapshot() []ledger.Request { return s.led.Snapshot() }

func (s *Service) loopDone() <-chan struct{} {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return sup.Context().Done()
}

// run is the owning loop. On every tick it drains all queued inbound events
// first and only then expires overdue requests, so an acknowledgement that
// raced the deadline wins.
func (s *Service) run(ctx context.Context) error {
	ticker := time.NewTicker(defaultTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case req := <-s.triggers:
			result, err := s.ctl.Trigger(ctx, s.adapter, req.deviceID, req.held, time.Now())
			if result.Status == StatusSent && !result.Test {
				s.texts[result.RequestID] = result.Message
			}
			req.resp <- triggerResp{result: result, err: err}

		case req := <-s.cancels:
			ok := s.led.Cancel(req.requestID)
			if ok {
				delete(s.texts, req.requestID)
				s.log.Info("request cancelled", logx.String("request_id", req.requestID))
				s.bus.Publish(eventbus.Event{
					Type: eventbus.TypeRequestCancelled,
					Data: EventData{RequestID: req.requestID},
				})
			}
			req.resp <- ok

		case u := <-s.inbound:
			s.applyUpdate(ctx, u, time.Now())

		case rc := <-s.reconfig:
			s.ctl.SetPolicy(rc.policy)
			s.mu.Lock()
			s.pacing = rc.pacing
			s.mu.Unlock()

		case <-ticker.C:
			now := time.Now()
			s.drainInbound(ctx, now)
			s.expireDue(ctx, now)
		}
	}
}

func (s *Service) drainInbound(ctx context.Context, now time.Time) {
	for {
		select {
		case u := <-s.inbound:
			s.applyUpdate(ctx, u, now)
		default:
			return
		}
	}
}

func (s *Service) applyUpdate(ctx context.Context, u kit.Update, now time.Time) {
	switch u.Kind {
	case kit.UpdateReply:
		if u.Reply == nil {
			return
		}
		req, _ := s.led.Get(u.Reply.RequestID)
		outcome := s.led.OnReply(u.Reply.RequestID, u.Reply.Author, u.Reply.Text, now)
		s.handleOutcome(ctx, u.Reply.RequestID, req, outcome, now)

	case kit.UpdateReaction:
		if u.Reaction == nil {
			return
		}
		req, _ := s.led.Get(u.Reaction.RequestID)
		outcome := s.led.OnReaction(u.Reaction.RequestID, u.Reaction.Reaction, now)
		s.handleOutcome(ctx, u.Reaction.RequestID, req, outcome, now)
	}
}

func (s *Service) handleOutcome(ctx context.Context, requestID string, req ledger.Request, outcome ledger.Outcome, now time.Time) {
	switch outcome.Kind {
	case ledger.Unmatched:
		// Already terminal, cancelled, or not ours.

	case ledger.Replied:
		s.log.Info("request replied",
			logx.String("request_id", requestID),
			logx.String("author", outcome.Author),
		)
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeRequestReplied,
			Time: now,
			Data: EventData{
				DeviceID:  req.DeviceID,
				RequestID: requestID,
				Author:    outcome.Author,
				Text:      outcome.Text,
			},
		})

	case ledger.ResolvedBy:
		s.log.Info("request resolved",
			logx.String("request_id", requestID),
			logx.String("author", outcome.Author),
		)
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeRequestResolved,
			Time: now,
			Data: EventData{
				DeviceID:  req.DeviceID,
				RequestID: requestID,
				Author:    outcome.Author,
				Text:      outcome.Text,
			},
		})
		s.editTerminal(ctx, kit.MessageRef{ChannelID: req.ChannelID, ID: requestID}, resolvedSuffix)
	}
}

func (s *Service) expireDue(ctx context.Context, now time.Time) {
	for _, req := range s.led.ExpireDue(now) {
		s.log.Warn("request timed out",
			logx.String("request_id", req.ID),
			logx.String("device", req.DeviceID),
			logx.Time("created_at", req.CreatedAt),
		)
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeRequestTimedOut,
			Time: now,
			Data: EventData{DeviceID: req.DeviceID, RequestID: req.ID},
		})
		s.editTerminal(ctx, kit.MessageRef{ChannelID: req.ChannelID, ID: req.ID}, timedOutSuffix)
	}
}

// editTerminal appends the outcome suffix to the posted message. Best effort
// and off the owning loop; a failed edit only loses the channel annotation.
func (s *Service) editTerminal(ctx context.Context, ref kit.MessageRef, suffix string) {
	text, ok := s.texts[ref.ID]
	delete(s.texts, ref.ID)
	if !ok || s.adapter == nil {
		return
	}
	edited := text + suffix
	go func() {
		ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), editTimeout)
		defer cancel()
		if err := s.adapter.UpdateMessage(ectx, ref, edited); err != nil {
			s.log.Warn("terminal edit failed",
				logx.String("request_id", ref.ID),
				logx.Err(err),
			)
		}
	}()
}

// poll asks the adapter for new acknowledgements on the requests still in the
// ledger and feeds them to the owning loop. Runs under the supervisor's
// restart policy so a bad poll round self-heals.
func (s *Service) poll(ctx context.Context) error {
	for {
		s.mu.Lock()
		pacing := s.pacing
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pacing.PollInterval):
		}

		pending := s.led.Snapshot()
		if len(pending) == 0 {
			continue
		}
		refs := make([]kit.MessageRef, 0, len(pending))
		for _, req := range pending {
			refs = append(refs, kit.MessageRef{ChannelID: req.ChannelID, ID: req.ID})
		}

		pctx, cancel := context.WithTimeout(ctx, pacing.PollTimeout)
		updates, err := s.adapter.Poll(pctx, refs)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("poll round: %w", err)
		}

		for _, u := range updates {
			select {
			case s.inbound <- u:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
