package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"guardbot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st == nil {
		t.Fatal("open returned nil store")
	}
	return st
}

func TestFileStoreDefenseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)

	if _, ok, err := st.GetDefense(ctx); err != nil || ok {
		t.Fatalf("fresh store: got ok=%v err=%v", ok, err)
	}

	want := DefenseState{
		Threshold: 30 * 24 * time.Hour,
		ExpiresAt: time.Now().Add(2 * time.Hour).Truncate(time.Millisecond),
		UpdatedAt: time.Now().Truncate(time.Millisecond),
		UpdatedBy: 42,
	}
	if err := st.PutDefense(ctx, want); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen: state must survive via the journal.
	st = openTestStore(t, dir)
	defer st.Close()

	got, ok, err := st.GetDefense(ctx)
	if err != nil || !ok {
		t.Fatalf("reopen get: ok=%v err=%v", ok, err)
	}
	if got.Threshold != want.Threshold || got.UpdatedBy != want.UpdatedBy {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("expires: got %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestFileStorePostActivity(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	defer st.Close()

	now := time.Now().Truncate(time.Millisecond)
	for _, p := range []PostActivity{
		{ThreadID: 7, OpenerID: 1, Title: "cannot build", LastActivity: now},
		{ThreadID: 3, OpenerID: 2, Title: "import cycle", LastActivity: now.Add(-time.Hour)},
	} {
		if err := st.PutPostActivity(ctx, p); err != nil {
			t.Fatalf("put %d: %v", p.ThreadID, err)
		}
	}

	got, err := st.ListPostActivity(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ThreadID != 3 || got[1].ThreadID != 7 {
		t.Fatalf("list order wrong: %+v", got)
	}

	if err := st.DeletePostActivity(ctx, 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = st.ListPostActivity(ctx)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(got) != 1 || got[0].ThreadID != 3 {
		t.Fatalf("after delete: %+v", got)
	}
}

func TestFileStoreWatchesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	w := WatchEntry{UserID: 99, Username: "suspect", Reason: "spam links", InfractionID: 5, WatchedAt: time.Now().Truncate(time.Millisecond)}
	if err := st.PutWatch(ctx, w); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.DeleteWatch(ctx, 12345); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
	st.Close()

	st = openTestStore(t, dir)
	defer st.Close()
	got, err := st.ListWatches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].UserID != 99 || got[0].Reason != "spam links" {
		t.Fatalf("got %+v", got)
	}
}

func TestFileStoreDedup(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	defer st.Close()

	until := time.Now().Add(time.Minute)
	if err := st.PutDedup(ctx, "modlog:abc", until); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, ok, err := st.GetDedup(ctx, "modlog:abc")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until: got %v, want %v", got, until)
	}

	if _, ok, _ := st.GetDedup(ctx, "missing"); ok {
		t.Fatal("missing key reported present")
	}
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: ""}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("disabled open: st=%v err=%v", st, err)
	}
	st, err = Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("none open: st=%v err=%v", st, err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("bogus driver must error")
	}
}
