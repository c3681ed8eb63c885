// Package transporttest provides an in-memory Adapter for tests.
package transporttest

import (
	"context"
	"sync"

	kit "guardbot/internal/transport"
)

type SentMessage struct {
	Target kit.ChatTarget
	Text   string
}

type Restriction struct {
	ChatID  int64
	CanSend bool
}

// Fake records every adapter call. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	out chan<- kit.Update

	// SendErrs is consumed one error per SendText call; nil entries succeed.
	SendErrs []error

	Sent         []SentMessage
	Edited       []SentMessage
	Kicked       []int64
	Descriptions map[int64]string
	Restrictions []Restriction
	ClosedPosts  []int
	ReopenedPost []int
	Chats        map[int64]kit.ChatInfo

	nextMsgID int
}

func New() *Fake {
	return &Fake{
		Descriptions: map[int64]string{},
		Chats:        map[int64]kit.ChatInfo{},
	}
}

func (f *Fake) Start(ctx context.Context, out chan<- kit.Update) error {
	f.mu.Lock()
	f.out = out
	f.mu.Unlock()
	return nil
}

func (f *Fake) Stop(ctx context.Context) error { return nil }

// Inject delivers an update as if it arrived from the platform.
func (f *Fake) Inject(up kit.Update) {
	f.mu.Lock()
	out := f.out
	f.mu.Unlock()
	if out != nil {
		out <- up
	}
}

func (f *Fake) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.SendErrs) > 0 {
		err := f.SendErrs[0]
		f.SendErrs = f.SendErrs[1:]
		if err != nil {
			return kit.MessageRef{}, err
		}
	}
	f.nextMsgID++
	f.Sent = append(f.Sent, SentMessage{Target: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextMsgID}, nil
}

func (f *Fake) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Edited = append(f.Edited, SentMessage{Target: kit.ChatTarget{ChatID: ref.ChatID, ThreadID: ref.ThreadID}, Text: text})
	return nil
}

func (f *Fake) SetChatDescription(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Descriptions[chatID] = text
	return nil
}

// SetChatInfo seeds the snapshot returned by ChatInfo.
func (f *Fake) SetChatInfo(info kit.ChatInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Chats[info.ChatID] = info
}

func (f *Fake) ChatInfo(ctx context.Context, chatID int64) (kit.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Chats[chatID], nil
}

func (f *Fake) KickMember(ctx context.Context, chatID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Kicked = append(f.Kicked, userID)
	return nil
}

func (f *Fake) RestrictDefault(ctx context.Context, chatID int64, canSend bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Restrictions = append(f.Restrictions, Restriction{ChatID: chatID, CanSend: canSend})
	return nil
}

func (f *Fake) ClosePost(ctx context.Context, chatID int64, threadID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClosedPosts = append(f.ClosedPosts, threadID)
	return nil
}

func (f *Fake) ReopenPost(ctx context.Context, chatID int64, threadID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReopenedPost = append(f.ReopenedPost, threadID)
	return nil
}

// SentTexts returns the texts sent so far.
func (f *Fake) SentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.Sent))
	for i, m := range f.Sent {
		out[i] = m.Text
	}
	return out
}

// KickedUsers returns the kicked user ids so far.
func (f *Fake) KickedUsers() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.Kicked...)
}

// Description returns the current description for a chat.
func (f *Fake) Description(chatID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Descriptions[chatID]
}

// ClosedPostIDs returns thread ids closed so far.
func (f *Fake) ClosedPostIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.ClosedPosts...)
}
