// Package ledger tracks in-flight help requests and correlates asynchronous
// acknowledgements (thread replies, reactions) back to them.
//
// The ledger holds only non-terminal requests: reaching Resolved or TimedOut
// removes the entry immediately, so "currently in ledger" is the single source
// of truth for matching. Events for unknown ids are discarded, which also
// covers late acknowledgements racing a timeout.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateRequest indicates a caller bug: the transport handed out the
	// same request id twice while the first was still pending.
	ErrDuplicateRequest = errors.New("request id already pending")

	// ErrDeviceBusy rejects a second registration for a device that already
	// has an outstanding request. The presentation layer disables the trigger
	// while a request is pending; this is the contract underneath.
	ErrDeviceBusy = errors.New("device already has a pending request")
)

type State string

const (
	StatePending  State = "pending"
	StateReplied  State = "replied_awaiting_resolution"
	StateResolved State = "resolved"
	StateTimedOut State = "timed_out"
)

// Reply is the most recent non-resolving reply on a request.
type Reply struct {
	Author string
	Text   string
}

// Request is one outstanding help request.
type Request struct {
	ID        string
	DeviceID  string
	ChannelID string
	CreatedAt time.Time
	Deadline  time.Time
	State     State
	LastReply *Reply
}

type OutcomeKind string

const (
	// Unmatched: the event's request id is not in the ledger (already
	// resolved, timed out, cancelled, or never ours). Discard silently.
	Unmatched OutcomeKind = "unmatched"
	// Replied: a human answered but did not mark the request handled.
	Replied OutcomeKind = "replied"
	// ResolvedBy: the request was marked handled and removed.
	ResolvedBy OutcomeKind = "resolved"
)

// Outcome reports what an inbound event did to the ledger.
// For reply events Author/Text carry the reply; for a resolving reaction,
// Text carries the reaction name.
type Outcome struct {
	Kind   OutcomeKind
	Author string
	Text   string
}

// Ledger owns all pending-request bookkeeping. The kiosk service's owning
// loop performs every mutation; the mutex exists so read-only snapshots
// (HTTP state endpoint) stay safe from other goroutines.
type Ledger struct {
	mu       sync.Mutex
	byID     map[string]*Request
	byDevice map[string]string // device id -> pending request id

	replyExtension time.Duration
}

// New creates an empty ledger. replyExtension is the deadline floor-bump
// granted on a non-resolving reply (see OnReply).
func New(replyExtension time.Duration) *Ledger {
	return &Ledger{
		byID:           map[string]*Request{},
		byDevice:       map[string]string{},
		replyExtension: replyExtension,
	}
}

// SetReplyExtension updates the floor-bump policy. Applies to subsequent
// replies only; already-extended deadlines are left alone.
func (l *Ledger) SetReplyExtension(d time.Duration) {
	l.mu.Lock()
	l.replyExtension = d
	l.mu.Unlock()
}

// Register inserts a new pending request with deadline now+timeout.
func (l *Ledger) Register(id, deviceID, channelID string, now time.Time, timeout time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[id]; ok {
		return ErrDuplicateRequest
	}
	if _, ok := l.byDevice[deviceID]; ok {
		return ErrDeviceBusy
	}
	l.byID[id] = &Request{
		ID:        id,
		DeviceID:  deviceID,
		ChannelID: channelID,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		State:     StatePending,
	}
	l.byDevice[deviceID] = id
	return nil
}

// OnReply applies a thread reply to the matching request.
//
// A resolving reply removes the entry. A non-resolving reply records the
// reply, moves the request to RepliedAwaitingResolution, and bumps the
// deadline to at least now+replyExtension: a human answering means the
// countdown should not expire moments later, but an already-longer deadline
// is never shortened.
func (l *Ledger) OnReply(id, author, text string, now time.Time) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.byID[id]
	if !ok {
		return Outcome{Kind: Unmatched}
	}

	if IsResolvingText(text) {
		req.State = StateResolved
		l.removeLocked(req)
		return Outcome{Kind: ResolvedBy, Author: author, Text: text}
	}

	req.State = StateReplied
	req.LastReply = &Reply{Author: author, Text: text}
	if bumped := now.Add(l.replyExtension); bumped.After(req.Deadline) {
		req.Deadline = bumped
	}
	return Outcome{Kind: Replied, Author: author, Text: text}
}

// OnReaction applies a reaction to the matching request. Non-resolving
// reactions change nothing and report Unmatched.
func (l *Ledger) OnReaction(id, reaction string, now time.Time) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.byID[id]
	if !ok {
		return Outcome{Kind: Unmatched}
	}
	if !IsResolvingReaction(reaction) {
		return Outcome{Kind: Unmatched}
	}

	req.State = StateResolved
	l.removeLocked(req)
	return Outcome{Kind: ResolvedBy, Text: reaction}
}

// ExpireDue removes and returns every request whose deadline has passed,
// regardless of state. Returned copies carry StateTimedOut. The owning loop
// calls this once per tick, after draining inbound events, so an
// acknowledgement racing the deadline wins over expiry.
func (l *Ledger) ExpireDue(now time.Time) []Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	var due []Request
	for _, req := range l.byID {
		if !req.Deadline.After(now) {
			req.State = StateTimedOut
			due = append(due, *req)
		}
	}
	for i := range due {
		l.removeLocked(&due[i])
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	return due
}

// Cancel forcibly removes an entry (user dismissed the request on-screen).
// Reports whether it existed.
func (l *Ledger) Cancel(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	req, ok := l.byID[id]
	if !ok {
		return false
	}
	l.removeLocked(req)
	return true
}

// Get returns a copy of the request with the given id.
func (l *Ledger) Get(id string) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	req, ok := l.byID[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// ForDevice returns a copy of the device's pending request, if any.
func (l *Ledger) ForDevice(deviceID string) (Request, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byDevice[deviceID]
	if !ok {
		return Request{}, false
	}
	req, ok := l.byID[id]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Snapshot returns copies of all pending requests, oldest first.
func (l *Ledger) Snapshot() []Request {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Request, 0, len(l.byID))
	for _, req := range l.byID {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len reports the number of pending requests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}

func (l *Ledger) removeLocked(req *Request) {
	delete(l.byID, req.ID)
	if cur, ok := l.byDevice[req.DeviceID]; ok && cur == req.ID {
		delete(l.byDevice, req.DeviceID)
	}
}
