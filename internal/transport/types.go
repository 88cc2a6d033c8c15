package transport

import "context"

// Format selects the markup a message is rendered in.
type Format uint8

const (
	FormatPlain Format = iota
	FormatHTML
	FormatMarkdown
)

func (f Format) String() string {
	switch f {
	case FormatHTML:
		return "html"
	case FormatMarkdown:
		return "markdown"
	default:
		return "plain"
	}
}

type UpdateKind string

const (
	// UpdateChannelPost is a post in a broadcast channel (text or caption).
	UpdateChannelPost UpdateKind = "channel_post"
	// UpdateMessage is a private or group message addressed to the bot.
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string // text or caption
	IsPrivate    bool
}

// Messenger is the outbound push transport.
// Errors should be *RateLimitError, ErrBlocked, ErrChatNotFound or
// *PermanentError when the transport can tell; anything else is transient.
type Messenger interface {
	Send(ctx context.Context, to int64, text string, f Format) error
}

// MembershipChecker asks the transport whether a user belongs to a group.
type MembershipChecker interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}

// Adapter is a full transport: inbound updates plus the outbound ports.
type Adapter interface {
	Messenger
	MembershipChecker

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
