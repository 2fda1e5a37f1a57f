package platform

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateEvent   UpdateKind = "event"
)

// Update is a single incoming stimulus from the platform adapter.
type Update struct {
	Kind    UpdateKind
	Message *Message
	Event   *Event
}

// Message is an incoming chat message.
//
// IDs are platform-opaque strings; the runtime never interprets them
// beyond equality checks.
type Message struct {
	ID       string
	ThreadID string
	SenderID string
	Body     string
	IsGroup  bool
	IsSelf   bool
}

// Event is a non-message platform signal (member joined, thread renamed, ...).
//
// Subtype carries the platform log subtype when the event originates from
// the platform's activity log; it is empty otherwise.
type Event struct {
	Type     string
	Subtype  string
	ThreadID string
	SenderID string
	Body     string
	IsGroup  bool
	Data     map[string]string
}

type ThreadTarget struct {
	ThreadID string
}

type MessageRef struct {
	ThreadID  string
	MessageID string
}

type SendOptions struct {
	ReplyTo string // message id to reply to (optional)
}

type UserInfo struct {
	ID       string
	Name     string
	IsAdmin  bool // platform-level admin of the thread, not bot admin
	Username string
}

type ThreadInfo struct {
	ID      string
	Name    string
	IsGroup bool
	Members []string
}

// API is the opaque platform capability handed to modules.
//
// The concrete client (login, session, realtime transport) lives outside
// this repository; the runtime only depends on this surface.
type API interface {
	SendMessage(ctx context.Context, to ThreadTarget, text string, opt *SendOptions) (MessageRef, error)
	GetUserInfo(ctx context.Context, userID string) (UserInfo, error)
	GetThreadInfo(ctx context.Context, threadID string) (ThreadInfo, error)
	DeleteMessage(ctx context.Context, ref MessageRef) error
}

// Adapter is an API that also produces the incoming update stream.
type Adapter interface {
	API

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
