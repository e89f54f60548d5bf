package transport

import "context"

type UpdateKind string

const (
	UpdateReply    UpdateKind = "reply"
	UpdateReaction UpdateKind = "reaction"
)

// Update is one inbound acknowledgement from the chat backend.
// Exactly one of Reply/Reaction is set, per Kind.
type Update struct {
	Kind     UpdateKind
	Reply    *ReplyEvent
	Reaction *ReactionEvent
}

// ReplyEvent is a thread reply to a posted help request.
// RequestID is the id of the request message the reply belongs to.
type ReplyEvent struct {
	RequestID string
	Author    string
	Text      string
}

// ReactionEvent is an emoji reaction added to a posted help request.
type ReactionEvent struct {
	RequestID string
	Reaction  string
}

// ChannelTarget addresses a destination channel.
type ChannelTarget struct {
	ChannelID string
}

// MessageRef identifies a posted message. ID doubles as the request id
// (Slack message timestamps are unique within a channel).
type MessageRef struct {
	ChannelID string
	ID        string
}

// Adapter wraps the chat backend. Poll is stateless from the caller's point
// of view: the caller passes the set of message refs it still cares about and
// receives any new acknowledgements for them.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	PostMessage(ctx context.Context, to ChannelTarget, text string) (MessageRef, error)
	UpdateMessage(ctx context.Context, ref MessageRef, text string) error
	Poll(ctx context.Context, refs []MessageRef) ([]Update, error)
}
