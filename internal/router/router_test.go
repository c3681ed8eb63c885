package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	"guardbot/internal/transport/transporttest"
	"guardbot/pkg/logx"
)

type stubDefense struct {
	mu        sync.Mutex
	joins     []kit.MemberJoin
	threshold time.Duration
	expiresAt time.Time
	actions   []string
}

func (d *stubDefense) HandleJoin(ctx context.Context, join kit.MemberJoin) {
	d.mu.Lock()
	d.joins = append(d.joins, join)
	d.mu.Unlock()
}

func (d *stubDefense) SetThreshold(ctx context.Context, threshold time.Duration, expiresAt time.Time, actorID int64) error {
	d.mu.Lock()
	d.threshold, d.expiresAt = threshold, expiresAt
	d.actions = append(d.actions, "set")
	d.mu.Unlock()
	return nil
}

func (d *stubDefense) Threshold() (time.Duration, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold, d.expiresAt
}

func (d *stubDefense) Shutdown(ctx context.Context, actorID int64) error {
	d.mu.Lock()
	d.actions = append(d.actions, "shutdown")
	d.mu.Unlock()
	return nil
}

func (d *stubDefense) Open(ctx context.Context, actorID int64) error {
	d.mu.Lock()
	d.actions = append(d.actions, "open")
	d.mu.Unlock()
	return nil
}

func (d *stubDefense) Status() string { return "defense: stub" }

type stubForum struct {
	mu       sync.Mutex
	posts    []kit.TopicEvent
	activity []kit.Message
	closed   []int
	opener   int64
	tracked  bool
}

func (f *stubForum) HandleNewPost(ctx context.Context, ev kit.TopicEvent) {
	f.mu.Lock()
	f.posts = append(f.posts, ev)
	f.mu.Unlock()
}

func (f *stubForum) HandleActivity(ctx context.Context, msg kit.Message) {
	f.mu.Lock()
	f.activity = append(f.activity, msg)
	f.mu.Unlock()
}

func (f *stubForum) Close(ctx context.Context, threadID int, reason string) error {
	f.mu.Lock()
	f.closed = append(f.closed, threadID)
	f.mu.Unlock()
	return nil
}

func (f *stubForum) Opener(threadID int) int64 { return f.opener }
func (f *stubForum) Tracked(threadID int) bool { return f.tracked }

type stubWatch struct {
	mu       sync.Mutex
	relayed  []kit.Message
	watched  []int64
	entries  []storage.WatchEntry
	unwatchd []int64
}

func (w *stubWatch) HandleMessage(ctx context.Context, msg kit.Message) {
	w.mu.Lock()
	w.relayed = append(w.relayed, msg)
	w.mu.Unlock()
}

func (w *stubWatch) Watch(ctx context.Context, m kit.Member, reason string, actorID int64) error {
	w.mu.Lock()
	w.watched = append(w.watched, m.UserID)
	w.mu.Unlock()
	return nil
}

func (w *stubWatch) Unwatch(ctx context.Context, userID int64, reason string, actorID int64) error {
	w.mu.Lock()
	w.unwatchd = append(w.unwatchd, userID)
	w.mu.Unlock()
	return nil
}

func (w *stubWatch) List() []storage.WatchEntry { return w.entries }

type stubInfo struct {
	mu      sync.Mutex
	userIDs []int64
}

func (i *stubInfo) UserInfo(ctx context.Context, userID int64) (string, error) {
	i.mu.Lock()
	i.userIDs = append(i.userIDs, userID)
	i.mu.Unlock()
	return fmt.Sprintf("user %d", userID), nil
}

func (i *stubInfo) ServerInfo(ctx context.Context) (string, error) {
	return "server: stub", nil
}

const ownerID = 1000

func newTestRouter(t *testing.T) (*Router, *transporttest.Fake, *stubDefense, *stubForum, *stubWatch, chan kit.Update, func()) {
	t.Helper()
	fake := transporttest.New()
	def := &stubDefense{}
	forum := &stubForum{}
	w := &stubWatch{}
	r := New(Config{OwnerUserIDs: []int64{ownerID}}, Deps{
		Adapter: fake,
		Defense: def,
		Forum:   forum,
		Watch:   w,
		Info:    &stubInfo{},
		Log:     logx.Nop(),
	})

	in := make(chan kit.Update, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx, in)
	}()
	stop := func() {
		cancel()
		<-done
	}
	return r, fake, def, forum, w, in, stop
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func msgUpdate(m kit.Message) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &m}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		in   string
		cmd  string
		args []string
		ok   bool
	}{
		{"/defense 30d", "defense", []string{"30d"}, true},
		{"/close@guard_bot", "close", nil, true},
		{"  /STATUS  ", "status", nil, true},
		{"hello", "", nil, false},
		{"/", "", nil, false},
	}
	for _, c := range cases {
		cmd, args, ok := parseCommand(c.in)
		if ok != c.ok || cmd != c.cmd || len(args) != len(c.args) {
			t.Fatalf("parseCommand(%q) = %q %v %v", c.in, cmd, args, ok)
		}
	}
}

func TestParseDur(t *testing.T) {
	cases := map[string]time.Duration{
		"30d":  30 * 24 * time.Hour,
		"2w":   14 * 24 * time.Hour,
		"12h":  12 * time.Hour,
		"1.5d": 36 * time.Hour,
	}
	for in, want := range cases {
		got, err := parseDur(in)
		if err != nil || got != want {
			t.Fatalf("parseDur(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseDur("soon"); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestJoinRoutedToDefense(t *testing.T) {
	_, _, def, _, _, in, stop := newTestRouter(t)
	defer stop()

	in <- kit.Update{Kind: kit.UpdateMemberJoin, Join: &kit.MemberJoin{ChatID: -1, Member: kit.Member{UserID: 5}}}
	waitFor(t, 2*time.Second, func() bool {
		def.mu.Lock()
		defer def.mu.Unlock()
		return len(def.joins) == 1
	})
}

func TestPlainMessageFansOut(t *testing.T) {
	_, _, _, forum, w, in, stop := newTestRouter(t)
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, ThreadID: 4, FromID: 9, Text: "hello", IsGroup: true})
	waitFor(t, 2*time.Second, func() bool {
		forum.mu.Lock()
		fa := len(forum.activity)
		forum.mu.Unlock()
		w.mu.Lock()
		wr := len(w.relayed)
		w.mu.Unlock()
		return fa == 1 && wr == 1
	})
}

func TestDefenseCommandRequiresOwner(t *testing.T) {
	_, fake, def, _, _, in, stop := newTestRouter(t)
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: 42, Text: "/defense 30d"})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
	if got := fake.SentTexts()[0]; !strings.Contains(got, "not allowed") {
		t.Fatalf("reply: %q", got)
	}
	if th, _ := def.Threshold(); th != 0 {
		t.Fatal("threshold changed by non-owner")
	}
}

func TestDefenseCommandSetsThreshold(t *testing.T) {
	_, fake, def, _, _, in, stop := newTestRouter(t)
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: ownerID, Text: "/defense 30d for 48h"})
	waitFor(t, 2*time.Second, func() bool {
		th, _ := def.Threshold()
		return th == 30*24*time.Hour
	})
	if _, exp := def.Threshold(); exp.IsZero() {
		t.Fatal("expiry not set")
	}
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
}

func TestStatusIsPublic(t *testing.T) {
	_, fake, _, _, _, in, stop := newTestRouter(t)
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: 42, Text: "/defense status"})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
	if got := fake.SentTexts()[0]; got != "defense: stub" {
		t.Fatalf("reply: %q", got)
	}
}

func TestWatchCommand(t *testing.T) {
	_, fake, _, _, w, in, stop := newTestRouter(t)
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: ownerID, Text: "/watch 555 posting spam"})
	waitFor(t, 2*time.Second, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.watched) == 1 && w.watched[0] == 555
	})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: ownerID, Text: "/unwatch 555"})
	waitFor(t, 2*time.Second, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.unwatchd) == 1
	})
}

func TestCloseByOpener(t *testing.T) {
	_, _, _, forum, _, in, stop := newTestRouter(t)
	forum.tracked = true
	forum.opener = 42
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, ThreadID: 8, FromID: 42, Text: "/close"})
	waitFor(t, 2*time.Second, func() bool {
		forum.mu.Lock()
		defer forum.mu.Unlock()
		return len(forum.closed) == 1 && forum.closed[0] == 8
	})
}

func TestCloseByStrangerRejected(t *testing.T) {
	_, fake, _, forum, _, in, stop := newTestRouter(t)
	forum.tracked = true
	forum.opener = 42
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, ThreadID: 8, FromID: 99, Text: "/close"})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
	forum.mu.Lock()
	defer forum.mu.Unlock()
	if len(forum.closed) != 0 {
		t.Fatal("stranger closed the post")
	}
}

func TestUserCommandSelfLookup(t *testing.T) {
	_, fake, _, _, _, in, stop := newTestRouter(t)
	defer stop()

	// No argument means "me"; no owner gate applies.
	in <- msgUpdate(kit.Message{ChatID: -1, FromID: 42, Text: "/user"})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
	if got := fake.SentTexts()[0]; got != "user 42" {
		t.Fatalf("reply: %q", got)
	}
}

func TestUserCommandOtherRequiresOwner(t *testing.T) {
	_, fake, _, _, _, in, stop := newTestRouter(t)
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: 42, Text: "/user 555"})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
	if got := fake.SentTexts()[0]; !strings.Contains(got, "not allowed") {
		t.Fatalf("reply: %q", got)
	}

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: ownerID, Text: "/user 555"})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 2 })
	if got := fake.SentTexts()[1]; got != "user 555" {
		t.Fatalf("reply: %q", got)
	}
}

func TestServerCommandIsPublic(t *testing.T) {
	_, fake, _, _, _, in, stop := newTestRouter(t)
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: 42, Text: "/server"})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
	if got := fake.SentTexts()[0]; got != "server: stub" {
		t.Fatalf("reply: %q", got)
	}
}

func TestUnknownCommandSilent(t *testing.T) {
	_, fake, _, _, _, in, stop := newTestRouter(t)
	defer stop()

	in <- msgUpdate(kit.Message{ChatID: -1, FromID: ownerID, Text: "/fortune"})
	time.Sleep(50 * time.Millisecond)
	if got := fake.SentTexts(); len(got) != 0 {
		t.Fatalf("unexpected reply: %v", got)
	}
}
