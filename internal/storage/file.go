package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"guardbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.state.snapshot.json (periodic snapshot)
//   - <prefix>.state.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File

	state  fileState
	writes int
}

type fileState struct {
	Defense *DefenseState        `json:"defense,omitempty"`
	Posts   map[int]PostActivity `json:"posts"`
	Watches map[int64]WatchEntry `json:"watches"`
	Dedup   map[string]int64     `json:"dedup"` // unix milli
}

type journalRecord struct {
	Op string `json:"op"`

	Defense *DefenseState `json:"defense,omitempty"`
	Post    *PostActivity `json:"post,omitempty"`
	Watch   *WatchEntry   `json:"watch,omitempty"`

	ThreadID int    `json:"thread_id,omitempty"`
	UserID   int64  `json:"user_id,omitempty"`
	Key      string `json:"key,omitempty"`
	Until    int64  `json:"until,omitempty"`
}

const (
	opDefense   = "defense"
	opPost      = "post"
	opPostDel   = "post_del"
	opWatch     = "watch"
	opWatchDel  = "watch_del"
	opDedup     = "dedup"
	compactEach = 1000
)

func newFileState() fileState {
	return fileState{
		Posts:   map[int]PostActivity{},
		Watches: map[int64]WatchEntry{},
		Dedup:   map[string]int64{},
	}
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load state from snapshot + journal.
	st := newFileState()
	_ = loadSnapshot(snapPath, &st)
	_ = replayJournal(journalPath, &st)
	pruneExpiredDedup(st.Dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) GetDefense(ctx context.Context) (DefenseState, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Defense == nil {
		return DefenseState{}, false, nil
	}
	return *s.state.Defense, true, nil
}

func (s *fileStore) PutDefense(ctx context.Context, st DefenseState) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := st
	s.state.Defense = &cp
	return s.appendLocked(journalRecord{Op: opDefense, Defense: &cp})
}

func (s *fileStore) PutPostActivity(ctx context.Context, p PostActivity) error {
	_ = ctx
	if p.ThreadID == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Posts[p.ThreadID] = p
	cp := p
	return s.appendLocked(journalRecord{Op: opPost, Post: &cp})
}

func (s *fileStore) DeletePostActivity(ctx context.Context, threadID int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Posts, threadID)
	return s.appendLocked(journalRecord{Op: opPostDel, ThreadID: threadID})
}

func (s *fileStore) ListPostActivity(ctx context.Context) ([]PostActivity, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PostActivity, 0, len(s.state.Posts))
	for _, p := range s.state.Posts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

func (s *fileStore) PutWatch(ctx context.Context, w WatchEntry) error {
	_ = ctx
	if w.UserID == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Watches[w.UserID] = w
	cp := w
	return s.appendLocked(journalRecord{Op: opWatch, Watch: &cp})
}

func (s *fileStore) DeleteWatch(ctx context.Context, userID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.Watches, userID)
	return s.appendLocked(journalRecord{Op: opWatchDel, UserID: userID})
}

func (s *fileStore) ListWatches(ctx context.Context) ([]WatchEntry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WatchEntry, 0, len(s.state.Watches))
	for _, w := range s.state.Watches {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Dedup[key] = ms
	return s.appendLocked(journalRecord{Op: opDedup, Key: key, Until: ms})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.state.Dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journalFile == nil {
		return errors.New("state journal closed")
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEach == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.state.Dedup)

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Posts == nil {
		st.Posts = map[int]PostActivity{}
	}
	if st.Watches == nil {
		st.Watches = map[int64]WatchEntry{}
	}
	if st.Dedup == nil {
		st.Dedup = map[string]int64{}
	}
	*out = st
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case opDefense:
			if r.Defense != nil {
				cp := *r.Defense
				out.Defense = &cp
			}
		case opPost:
			if r.Post != nil && r.Post.ThreadID != 0 {
				out.Posts[r.Post.ThreadID] = *r.Post
			}
		case opPostDel:
			delete(out.Posts, r.ThreadID)
		case opWatch:
			if r.Watch != nil && r.Watch.UserID != 0 {
				out.Watches[r.Watch.UserID] = *r.Watch
			}
		case opWatchDel:
			delete(out.Watches, r.UserID)
		case opDedup:
			if r.Key != "" {
				out.Dedup[r.Key] = r.Until
			}
		}
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
