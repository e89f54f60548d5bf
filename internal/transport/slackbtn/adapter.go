// Package slackbtn is the Slack implementation of the transport adapter.
//
// Posting uses chat.postMessage / chat.update. Acknowledgement polling reads
// conversations.replies and reactions.get for each tracked message and turns
// anything not yet seen into transport updates. The adapter keeps the
// seen-state internally so callers stay stateless; state for messages the
// caller stopped tracking is pruned on every poll.
package slackbtn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	kit "helpbutton/internal/transport"
	logx "helpbutton/pkg/logx"
)

var errNoToken = errors.New("slack bot token is empty")

// Config for the adapter. RatePerSec paces outbound API calls to stay inside
// Slack's per-method limits; the poll loop's cadence is the caller's business.
type Config struct {
	BotToken   string
	RatePerSec float64
}

type seenState struct {
	lastReplyTS string
	reactions   map[string]bool
}

type Adapter struct {
	log logx.Logger
	api *slack.Client
	lim *rate.Limiter

	selfID string

	mu   sync.Mutex
	seen map[string]*seenState // keyed by channel|ts
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if cfg.BotToken == "" {
		return nil, errNoToken
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{
		log:  log,
		api:  slack.New(cfg.BotToken),
		lim:  rate.NewLimiter(rate.Limit(rps), 1),
		seen: map[string]*seenState{},
	}, nil
}

// Start verifies the token and learns the bot's own user id, which the poll
// path uses to ignore the bot's own messages in threads.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.lim.Wait(ctx); err != nil {
		return err
	}
	resp, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.selfID = resp.UserID
	a.log.Info("slack adapter ready",
		logx.String("team", resp.Team),
		logx.String("bot_user", resp.UserID),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error { return nil }

func (a *Adapter) PostMessage(ctx context.Context, to kit.ChannelTarget, text string) (kit.MessageRef, error) {
	if err := a.lim.Wait(ctx); err != nil {
		return kit.MessageRef{}, err
	}
	channel, ts, err := a.api.PostMessageContext(ctx, to.ChannelID,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("slack post to %s: %w", to.ChannelID, err)
	}
	return kit.MessageRef{ChannelID: channel, ID: ts}, nil
}

func (a *Adapter) UpdateMessage(ctx context.Context, ref kit.MessageRef, text string) error {
	if err := a.lim.Wait(ctx); err != nil {
		return err
	}
	_, _, _, err := a.api.UpdateMessageContext(ctx, ref.ChannelID, ref.ID,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		return fmt.Errorf("slack update %s: %w", ref.ID, err)
	}
	return nil
}

// Poll fetches new thread replies and reactions for each tracked message.
// A failure on one message does not abort the round; the first error is
// returned after all refs were attempted so the caller's restart policy
// still sees it.
func (a *Adapter) Poll(ctx context.Context, refs []kit.MessageRef) ([]kit.Update, error) {
	a.prune(refs)

	var (
		updates  []kit.Update
		firstErr error
	)
	for _, ref := range refs {
		if ctx.Err() != nil {
			return updates, ctx.Err()
		}

		ups, err := a.pollReplies(ctx, ref)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		updates = append(updates, ups...)

		ups, err = a.pollReactions(ctx, ref)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		updates = append(updates, ups...)
	}
	return updates, firstErr
}

func (a *Adapter) pollReplies(ctx context.Context, ref kit.MessageRef) ([]kit.Update, error) {
	if err := a.lim.Wait(ctx); err != nil {
		return nil, err
	}
	msgs, _, _, err := a.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: ref.ChannelID,
		Timestamp: ref.ID,
		Limit:     100,
	})
	if err != nil {
		return nil, fmt.Errorf("slack replies %s: %w", ref.ID, err)
	}

	st := a.state(ref)
	var updates []kit.Update
	for _, msg := range msgs {
		// The parent message itself comes back first; skip it, our own
		// messages, and anything already delivered.
		if msg.Timestamp == ref.ID {
			continue
		}
		if a.selfID != "" && msg.User == a.selfID {
			continue
		}
		if st.lastReplyTS != "" && msg.Timestamp <= st.lastReplyTS {
			continue
		}
		st.lastReplyTS = msg.Timestamp
		updates = append(updates, kit.Update{
			Kind: kit.UpdateReply,
			Reply: &kit.ReplyEvent{
				RequestID: ref.ID,
				Author:    msg.User,
				Text:      msg.Text,
			},
		})
	}
	return updates, nil
}

func (a *Adapter) pollReactions(ctx context.Context, ref kit.MessageRef) ([]kit.Update, error) {
	if err := a.lim.Wait(ctx); err != nil {
		return nil, err
	}
	reactions, err := a.api.GetReactionsContext(ctx,
		slack.NewRefToMessage(ref.ChannelID, ref.ID),
		slack.GetReactionsParameters{},
	)
	if err != nil {
		return nil, fmt.Errorf("slack reactions %s: %w", ref.ID, err)
	}

	st := a.state(ref)
	var updates []kit.Update
	for _, r := range reactions {
		if st.reactions[r.Name] {
			continue
		}
		st.reactions[r.Name] = true
		updates = append(updates, kit.Update{
			Kind: kit.UpdateReaction,
			Reaction: &kit.ReactionEvent{
				RequestID: ref.ID,
				Reaction:  r.Name,
			},
		})
	}
	return updates, nil
}

func (a *Adapter) state(ref kit.MessageRef) *seenState {
	key := ref.ChannelID + "|" + ref.ID
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.seen[key]
	if !ok {
		st = &seenState{reactions: map[string]bool{}}
		a.seen[key] = st
	}
	return st
}

// prune drops seen-state for messages no longer tracked, keeping the map
// bounded by the pending-request count.
func (a *Adapter) prune(refs []kit.MessageRef) {
	keep := make(map[string]bool, len(refs))
	for _, ref := range refs {
		keep[ref.ChannelID+"|"+ref.ID] = true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.seen {
		if !keep[key] {
			delete(a.seen, key)
		}
	}
}
