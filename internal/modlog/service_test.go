package modlog

import (
	"context"
	"errors"
	"testing"
	"time"

	kit "guardbot/internal/transport"
	"guardbot/internal/transport/transporttest"
	"guardbot/pkg/logx"
)

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

func TestSendDelivers(t *testing.T) {
	fake := transporttest.New()
	s := New(Config{Enabled: true, RatePerSec: 100}, fake, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer stop(s)

	err := s.Send(context.Background(), kit.Notification{
		Target: kit.ChatTarget{ChatID: 10},
		Text:   "user kicked: account too new",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
	if got := fake.SentTexts()[0]; got != "user kicked: account too new" {
		t.Fatalf("sent %q", got)
	}
}

func TestPriorityPrefix(t *testing.T) {
	fake := transporttest.New()
	s := New(Config{Enabled: true, RatePerSec: 100}, fake, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer stop(s)

	_ = s.Send(context.Background(), kit.Notification{
		Target:   kit.ChatTarget{ChatID: 1},
		Priority: 9,
		Text:     "raid detected",
	})
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
	if got := fake.SentTexts()[0]; got != "🚨 raid detected" {
		t.Fatalf("sent %q", got)
	}
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	fake := transporttest.New()
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, fake, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer stop(s)

	n := kit.Notification{Target: kit.ChatTarget{ChatID: 5}, Text: "defense active"}
	for i := 0; i < 3; i++ {
		if err := s.Send(context.Background(), n); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(fake.SentTexts()); got != 1 {
		t.Fatalf("dedup failed: %d sends", got)
	}
}

func TestRetryOnSendFailure(t *testing.T) {
	fake := transporttest.New()
	fake.SendErrs = []error{errors.New("flood wait"), nil}
	s := New(Config{
		Enabled:    true,
		RatePerSec: 100,
		RetryMax:   2,
		RetryBase:  time.Millisecond,
	}, fake, logx.Nop(), nil, nil)
	s.Start(context.Background())
	defer stop(s)

	if err := s.Send(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 2}, Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(fake.SentTexts()) == 1 })
}

func TestDisabledReturnsError(t *testing.T) {
	s := New(Config{Enabled: false}, transporttest.New(), logx.Nop(), nil, nil)
	s.Start(context.Background())
	err := s.Send(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 1}, Text: "x"})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("got %v, want ErrDisabled", err)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	fake := transporttest.New()
	s := New(Config{Enabled: true, RatePerSec: 1000, Workers: 1}, fake, logx.Nop(), nil, nil)
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		_ = s.Send(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 3}, Text: "drain me"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)

	// Dedup off: every enqueued message must have been delivered before Stop returned.
	if got := len(fake.SentTexts()); got != 5 {
		t.Fatalf("drained %d of 5", got)
	}

	if err := s.Send(context.Background(), kit.Notification{Target: kit.ChatTarget{ChatID: 3}, Text: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("send after stop: %v", err)
	}
}

func stop(s *Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}
