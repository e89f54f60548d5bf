package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"helpbutton/internal/directory"
	kit "helpbutton/internal/transport"
)

type fakeDirectory struct {
	devices map[string]directory.Device
}

func (d *fakeDirectory) Lookup(id string) (directory.Device, error) {
	dev, ok := d.devices[id]
	if !ok {
		return directory.Device{}, directory.ErrUnknownDevice
	}
	return dev, nil
}

type postedMessage struct {
	Channel string
	Text    string
}

type fakeAdapter struct {
	mu      sync.Mutex
	posts   []postedMessage
	edits   []postedMessage
	pending []kit.Update
	failing bool
	seq     int

	edited chan postedMessage
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{edited: make(chan postedMessage, 8)}
}

func (a *fakeAdapter) Start(ctx context.Context) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (a *fakeAdapter) PostMessage(ctx context.Context, to kit.ChannelTarget, text string) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing {
		return kit.MessageRef{}, errors.New("wire down")
	}
	a.seq++
	ref := kit.MessageRef{ChannelID: to.ChannelID, ID: fmt.Sprintf("17000.%06d", a.seq)}
	a.posts = append(a.posts, postedMessage{Channel: to.ChannelID, Text: text})
	return ref, nil
}

func (a *fakeAdapter) UpdateMessage(ctx context.Context, ref kit.MessageRef, text string) error {
	a.mu.Lock()
	a.edits = append(a.edits, postedMessage{Channel: ref.ChannelID, Text: text})
	a.mu.Unlock()
	a.edited <- postedMessage{Channel: ref.ChannelID, Text: text}
	return nil
}

func (a *fakeAdapter) Poll(ctx context.Context, refs []kit.MessageRef) ([]kit.Update, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.pending
	a.pending = nil
	return out, nil
}

func (a *fakeAdapter) queue(u kit.Update) {
	a.mu.Lock()
	a.pending = append(a.pending, u)
	a.mu.Unlock()
}

func (a *fakeAdapter) lastPost() (postedMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.posts) == 0 {
		return postedMessage{}, false
	}
	return a.posts[len(a.posts)-1], true
}

func (a *fakeAdapter) postCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.posts)
}

func (a *fakeAdapter) setFailing(v bool) {
	a.mu.Lock()
	a.failing = v
	a.mu.Unlock()
}

var _ kit.Adapter = (*fakeAdapter)(nil)

func waitFor(ch <-chan postedMessage, d time.Duration) (postedMessage, bool) {
	select {
	case m := <-ch:
		return m, true
	case <-time.After(d):
		return postedMessage{}, false
	}
}
