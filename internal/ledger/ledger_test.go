package ledger

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger() *Ledger {
	return New(60 * time.Second)
}

func TestRegisterDuplicateAndBusy(t *testing.T) {
	l := newTestLedger()

	if err := l.Register("m1", "dev-a", "C1", t0, 180*time.Second); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := l.Register("m1", "dev-b", "C1", t0, 180*time.Second); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("want ErrDuplicateRequest, got %v", err)
	}
	if err := l.Register("m2", "dev-a", "C1", t0, 180*time.Second); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("want ErrDeviceBusy, got %v", err)
	}

	req, ok := l.Get("m1")
	if !ok || req.State != StatePending {
		t.Fatalf("want pending m1, got %+v ok=%v", req, ok)
	}
	if want := t0.Add(180 * time.Second); !req.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", req.Deadline, want)
	}
}

func TestReplyMovesToRepliedAndBumpsDeadline(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("m1", "dev-a", "C1", t0, 90*time.Second); err != nil {
		t.Fatal(err)
	}

	// Reply arrives 80s in; 10s remain, so the deadline floor-bumps to
	// now+extension.
	now := t0.Add(80 * time.Second)
	out := l.OnReply("m1", "U1", "on my way", now)
	if out.Kind != Replied || out.Author != "U1" {
		t.Fatalf("outcome = %+v", out)
	}

	req, _ := l.Get("m1")
	if req.State != StateReplied {
		t.Fatalf("state = %v", req.State)
	}
	if req.LastReply == nil || req.LastReply.Text != "on my way" {
		t.Fatalf("last reply = %+v", req.LastReply)
	}
	if want := now.Add(60 * time.Second); !req.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", req.Deadline, want)
	}
}

func TestReplyNeverShortensDeadline(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("m1", "dev-a", "C1", t0, 600*time.Second); err != nil {
		t.Fatal(err)
	}

	// An early reply must not pull a generous deadline closer.
	now := t0.Add(5 * time.Second)
	l.OnReply("m1", "U1", "looking", now)

	req, _ := l.Get("m1")
	if want := t0.Add(600 * time.Second); !req.Deadline.Equal(want) {
		t.Fatalf("deadline = %v, want %v", req.Deadline, want)
	}
}

func TestResolvingReplyRemovesEntry(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("m1", "dev-a", "C1", t0, 180*time.Second); err != nil {
		t.Fatal(err)
	}

	out := l.OnReply("m1", "U2", "done :white_check_mark:", t0.Add(time.Minute))
	if out.Kind != ResolvedBy || out.Author != "U2" {
		t.Fatalf("outcome = %+v", out)
	}
	if _, ok := l.Get("m1"); ok {
		t.Fatal("resolved request still in ledger")
	}
	// Device is free for the next press.
	if err := l.Register("m2", "dev-a", "C1", t0.Add(2*time.Minute), 180*time.Second); err != nil {
		t.Fatalf("register after resolve: %v", err)
	}
}

func TestResolvingReactionRemovesEntry(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("m1", "dev-a", "C1", t0, 180*time.Second); err != nil {
		t.Fatal(err)
	}

	// A random reaction changes nothing.
	if out := l.OnReaction("m1", "eyes", t0.Add(time.Second)); out.Kind != Unmatched {
		t.Fatalf("eyes outcome = %+v", out)
	}
	if _, ok := l.Get("m1"); !ok {
		t.Fatal("request vanished on non-resolving reaction")
	}

	out := l.OnReaction("m1", "+1::skin-tone-3", t0.Add(2*time.Second))
	if out.Kind != ResolvedBy {
		t.Fatalf("outcome = %+v", out)
	}
	if _, ok := l.Get("m1"); ok {
		t.Fatal("resolved request still in ledger")
	}
}

func TestUnmatchedEventsAreDiscarded(t *testing.T) {
	l := newTestLedger()

	if out := l.OnReply("ghost", "U1", "anyone?", t0); out.Kind != Unmatched {
		t.Fatalf("reply outcome = %+v", out)
	}
	if out := l.OnReaction("ghost", "white_check_mark", t0); out.Kind != Unmatched {
		t.Fatalf("reaction outcome = %+v", out)
	}
	if l.Len() != 0 {
		t.Fatalf("len = %d", l.Len())
	}
}

func TestExpireDue(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("m1", "dev-a", "C1", t0, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := l.Register("m2", "dev-b", "C1", t0.Add(time.Second), 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := l.Register("m3", "dev-c", "C1", t0, 5*time.Minute); err != nil {
		t.Fatal(err)
	}

	if due := l.ExpireDue(t0.Add(29 * time.Second)); len(due) != 0 {
		t.Fatalf("early expiry: %+v", due)
	}

	due := l.ExpireDue(t0.Add(31 * time.Second))
	if len(due) != 2 {
		t.Fatalf("due = %+v", due)
	}
	// Oldest first.
	if due[0].ID != "m1" || due[1].ID != "m2" {
		t.Fatalf("order = %s, %s", due[0].ID, due[1].ID)
	}
	for _, req := range due {
		if req.State != StateTimedOut {
			t.Fatalf("state = %v", req.State)
		}
	}
	if _, ok := l.Get("m1"); ok {
		t.Fatal("expired request still in ledger")
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d", l.Len())
	}

	// A late acknowledgement for the expired request is a no-op.
	if out := l.OnReply("m1", "U1", ":+1:", t0.Add(time.Minute)); out.Kind != Unmatched {
		t.Fatalf("late ack outcome = %+v", out)
	}
}

func TestReplyExtensionKeepsRequestAlivePastOriginalDeadline(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("m1", "dev-a", "C1", t0, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	l.OnReply("m1", "U1", "coming", t0.Add(25*time.Second))

	// Original deadline has passed, but the reply bumped it.
	if due := l.ExpireDue(t0.Add(40 * time.Second)); len(due) != 0 {
		t.Fatalf("expired despite bump: %+v", due)
	}
	due := l.ExpireDue(t0.Add(25*time.Second + 61*time.Second))
	if len(due) != 1 || due[0].ID != "m1" {
		t.Fatalf("due = %+v", due)
	}
}

func TestCancel(t *testing.T) {
	l := newTestLedger()
	if err := l.Register("m1", "dev-a", "C1", t0, 180*time.Second); err != nil {
		t.Fatal(err)
	}

	if !l.Cancel("m1") {
		t.Fatal("cancel reported missing")
	}
	if l.Cancel("m1") {
		t.Fatal("second cancel reported present")
	}
	if _, busy := l.ForDevice("dev-a"); busy {
		t.Fatal("device still busy after cancel")
	}
}

func TestSnapshotOldestFirst(t *testing.T) {
	l := newTestLedger()
	_ = l.Register("m2", "dev-b", "C1", t0.Add(time.Second), time.Minute)
	_ = l.Register("m1", "dev-a", "C1", t0, time.Minute)

	snap := l.Snapshot()
	if len(snap) != 2 || snap[0].ID != "m1" || snap[1].ID != "m2" {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Copies, not aliases.
	snap[0].State = StateResolved
	if req, _ := l.Get("m1"); req.State != StatePending {
		t.Fatal("snapshot aliases ledger state")
	}
}
