package info

import (
	"context"
	"strings"
	"testing"
	"time"

	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	"guardbot/internal/transport/transporttest"
	"guardbot/pkg/logx"
)

type stubDefense struct{ status string }

func (d *stubDefense) Status() string { return d.status }

type stubWatch struct{ entries []storage.WatchEntry }

func (w *stubWatch) List() []storage.WatchEntry { return w.entries }

func TestUserInfoEstimatesAge(t *testing.T) {
	svc := New(Config{GuardedChatID: -100}, Deps{Adapter: transporttest.New(), Log: logx.Nop()})

	text, err := svc.UserInfo(context.Background(), 2_000_000)
	if err != nil {
		t.Fatalf("user info: %v", err)
	}
	if !strings.Contains(text, "user 2000000") {
		t.Fatalf("missing id line: %q", text)
	}
	// An id from the earliest allocation range maps to 2013.
	if !strings.Contains(text, "2013") {
		t.Fatalf("missing registration estimate: %q", text)
	}

	if _, err := svc.UserInfo(context.Background(), 0); err == nil {
		t.Fatal("non-positive id accepted")
	}
}

func TestUserInfoShowsWatchState(t *testing.T) {
	w := &stubWatch{entries: []storage.WatchEntry{{
		UserID:    555,
		Reason:    "posting spam",
		WatchedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}}}
	svc := New(Config{GuardedChatID: -100}, Deps{Adapter: transporttest.New(), Watch: w, Log: logx.Nop()})

	text, err := svc.UserInfo(context.Background(), 555)
	if err != nil {
		t.Fatalf("user info: %v", err)
	}
	if !strings.Contains(text, "watched since 2026-08-01: posting spam") {
		t.Fatalf("watch state missing: %q", text)
	}

	other, err := svc.UserInfo(context.Background(), 556)
	if err != nil {
		t.Fatalf("user info: %v", err)
	}
	if strings.Contains(other, "watched") {
		t.Fatalf("unwatched user marked watched: %q", other)
	}
}

func TestServerInfo(t *testing.T) {
	fake := transporttest.New()
	fake.SetChatInfo(kit.ChatInfo{
		ChatID:      -100,
		Title:       "Gopher Den",
		Description: "all things Go",
		MemberCount: 1234,
	})
	svc := New(Config{GuardedChatID: -100}, Deps{
		Adapter: fake,
		Defense: &stubDefense{status: "defense: off"},
		Watch:   &stubWatch{entries: make([]storage.WatchEntry, 2)},
		Log:     logx.Nop(),
	})

	text, err := svc.ServerInfo(context.Background())
	if err != nil {
		t.Fatalf("server info: %v", err)
	}
	for _, want := range []string{"Gopher Den", "members: 1234", "all things Go", "defense: off", "watched users: 2"} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in %q", want, text)
		}
	}
}
