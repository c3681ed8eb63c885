package transport

import "context"

type UpdateKind string

const (
	UpdateMessage      UpdateKind = "message"
	UpdateMemberJoin   UpdateKind = "member_join"
	UpdateTopicCreated UpdateKind = "topic_created"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Join    *MemberJoin
	Topic   *TopicEvent
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Member is a chat member as seen in join events.
type Member struct {
	UserID    int64
	Username  string
	FirstName string
}

type MemberJoin struct {
	ChatID int64
	Member Member
}

// TopicEvent is emitted when a forum topic (help post) is created.
type TopicEvent struct {
	ChatID   int64
	ThreadID int
	Name     string
	OpenerID int64
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatInfo is a point-in-time snapshot of a chat's public attributes.
type ChatInfo struct {
	ChatID      int64
	Title       string
	Description string
	MemberCount int
}

type Notification struct {
	Priority int // 0 low .. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error

	// SetChatDescription replaces the group description (used for status surfaces).
	SetChatDescription(ctx context.Context, chatID int64, text string) error

	// ChatInfo fetches the current title, description and member count.
	ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error)

	// KickMember removes a user from the chat without a permanent ban (ban+unban).
	KickMember(ctx context.Context, chatID, userID int64) error

	// RestrictDefault toggles whether ordinary members may send messages.
	RestrictDefault(ctx context.Context, chatID int64, canSend bool) error

	// ClosePost / ReopenPost operate on forum topics (help posts).
	ClosePost(ctx context.Context, chatID int64, threadID int) error
	ReopenPost(ctx context.Context, chatID int64, threadID int) error
}
