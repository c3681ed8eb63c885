package defense

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	"guardbot/internal/transport/transporttest"
	"guardbot/pkg/logx"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []kit.Notification
}

func (r *recordingNotifier) Send(ctx context.Context, n kit.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Text
	}
	return out
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

func newTestService(t *testing.T, store storage.Store) (*Service, *transporttest.Fake, *recordingNotifier) {
	t.Helper()
	fake := transporttest.New()
	notif := &recordingNotifier{}
	svc := New(Config{GuardedChatID: -100, ModChatID: -200}, Deps{
		Adapter: fake,
		ModLog:  notif,
		Store:   store,
		Log:     logx.Nop(),
	})
	return svc, fake, notif
}

func TestHandleJoinKicksNewAccount(t *testing.T) {
	svc, fake, notif := newTestService(t, nil)
	ctx := context.Background()

	// Threshold far above any plausible account age.
	if err := svc.SetThreshold(ctx, 100*365*24*time.Hour, time.Time{}, 1); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	svc.HandleJoin(ctx, kit.MemberJoin{
		ChatID: -100,
		Member: kit.Member{UserID: 6_900_000_000, Username: "newbie"},
	})

	kicked := fake.KickedUsers()
	if len(kicked) != 1 || kicked[0] != 6_900_000_000 {
		t.Fatalf("kicked: %v", kicked)
	}

	// DM precedes the kick notification flow.
	sent := fake.SentTexts()
	if len(sent) == 0 {
		t.Fatal("no rejection dm sent")
	}

	found := false
	for _, txt := range notif.texts() {
		if strings.HasPrefix(txt, "defense:") && strings.Contains(txt, "rejected") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no mod-log entry for rejection: %v", notif.texts())
	}
}

func TestHandleJoinAllowsOldAccount(t *testing.T) {
	svc, fake, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.SetThreshold(ctx, 30*24*time.Hour, time.Time{}, 1); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	svc.HandleJoin(ctx, kit.MemberJoin{
		ChatID: -100,
		Member: kit.Member{UserID: 2_000_000, Username: "veteran"},
	})

	if kicked := fake.KickedUsers(); len(kicked) != 0 {
		t.Fatalf("old account kicked: %v", kicked)
	}
}

func TestJoinIgnoredWhenOff(t *testing.T) {
	svc, fake, _ := newTestService(t, nil)
	svc.HandleJoin(context.Background(), kit.MemberJoin{
		ChatID: -100,
		Member: kit.Member{UserID: 6_900_000_000},
	})
	if kicked := fake.KickedUsers(); len(kicked) != 0 {
		t.Fatalf("kick with defense off: %v", kicked)
	}
}

func TestExpiryDisablesThreshold(t *testing.T) {
	svc, fake, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.SetThreshold(ctx, time.Hour, time.Now().Add(30*time.Millisecond), 1); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		th, _ := svc.Threshold()
		return th == 0
	})

	// Expiry refreshes the status surface.
	if desc := fake.Description(-100); desc != "defense: off" {
		t.Fatalf("description after expiry: %q", desc)
	}
}

func TestChangingThresholdReplacesExpiry(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.SetThreshold(ctx, time.Hour, time.Now().Add(40*time.Millisecond), 1); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	// Replace with a no-expiry setting before the old expiry fires.
	if err := svc.SetThreshold(ctx, 2*time.Hour, time.Time{}, 1); err != nil {
		t.Fatalf("replace threshold: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	th, exp := svc.Threshold()
	if th != 2*time.Hour || !exp.IsZero() {
		t.Fatalf("old expiry fired against new setting: threshold=%v expiry=%v", th, exp)
	}
}

// gateNotifier blocks the first "defense disabled" notification so a test can
// hold the expiry task mid-run.
type gateNotifier struct {
	mu      sync.Mutex
	gated   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gateNotifier) Send(ctx context.Context, n kit.Notification) error {
	g.mu.Lock()
	first := !g.gated && n.Text == "defense disabled"
	if first {
		g.gated = true
	}
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	return nil
}

func TestReplaceThresholdWhileExpiryRunning(t *testing.T) {
	fake := transporttest.New()
	gate := &gateNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	svc := New(Config{GuardedChatID: -100, ModChatID: -200}, Deps{
		Adapter: fake,
		ModLog:  gate,
		Log:     logx.Nop(),
	})
	ctx := context.Background()

	if err := svc.SetThreshold(ctx, time.Hour, time.Now().Add(20*time.Millisecond), 1); err != nil {
		t.Fatalf("set threshold: %v", err)
	}

	// Wait until the expiry task is mid-run, blocked in its disable notice.
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("expiry never fired")
	}

	// Re-arm while the old expiry task still occupies the scheduler.
	if err := svc.SetThreshold(ctx, 2*time.Hour, time.Now().Add(40*time.Millisecond), 1); err != nil {
		t.Fatalf("replace threshold: %v", err)
	}
	close(gate.release)

	// The replacement expiry must still fire and disable the new setting.
	waitFor(t, 2*time.Second, func() bool {
		th, _ := svc.Threshold()
		return th == 0
	})
}

func TestRestartRederivesFromStore(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	svc, _, _ := newTestService(t, st)
	if err := svc.SetThreshold(ctx, 3*time.Hour, time.Now().Add(time.Hour), 7); err != nil {
		t.Fatalf("set threshold: %v", err)
	}
	svc.Stop(ctx)

	// A fresh instance must pick the persisted state back up.
	svc2, _, _ := newTestService(t, st)
	if err := svc2.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc2.Stop(ctx)

	th, exp := svc2.Threshold()
	if th != 3*time.Hour || exp.IsZero() {
		t.Fatalf("restart state: threshold=%v expiry=%v", th, exp)
	}
}

func TestShutdownAndOpen(t *testing.T) {
	svc, fake, _ := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.Shutdown(ctx, 1); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := svc.Open(ctx, 1); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Ordered: lock first, reopen second.
	got := fakeRestrictions(fake)
	if len(got) != 2 || got[0].CanSend || !got[1].CanSend {
		t.Fatalf("restrictions: %+v", got)
	}
}

func fakeRestrictions(f *transporttest.Fake) []transporttest.Restriction {
	// Shutdown/Open are synchronous, so no waiting is needed.
	return f.Restrictions
}
