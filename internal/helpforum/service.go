package helpforum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"guardbot/internal/eventbus"
	"guardbot/internal/sched"
	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	"guardbot/pkg/logx"
)

type Config struct {
	ForumChatID int64

	// IdleTimeout closes a post after this long without activity.
	IdleTimeout time.Duration
}

type Deps struct {
	Adapter kit.Adapter
	Store   storage.Store
	Bus     eventbus.Bus
	Log     logx.Logger
}

// Service archives idle help posts (forum topics).
//
// Every open post has at most one pending idle timer, keyed by thread id.
// Activity cancels and re-arms the timer; closing cancels it. Last-activity
// timestamps are persisted so timers survive restarts: posts already overdue
// at start get a past fire time and close immediately.
type Service struct {
	cfg Config
	log logx.Logger

	adapter kit.Adapter
	store   storage.Store

	timers *sched.Scheduler[int]

	mu      sync.Mutex
	openers map[int]int64 // thread id -> opener user id
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "helpforum"))
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		adapter: deps.Adapter,
		store:   deps.Store,
		timers:  sched.New[int]("helpforum", log, deps.Bus),
		openers: map[int]int64{},
	}
}

// Start re-derives idle timers for posts that were open when the process
// last stopped.
func (s *Service) Start(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	posts, err := s.store.ListPostActivity(ctx)
	if err != nil {
		s.log.Warn("loading open posts failed", logx.Err(err))
		return nil
	}
	for _, p := range posts {
		s.mu.Lock()
		s.openers[p.ThreadID] = p.OpenerID
		s.mu.Unlock()
		s.armTimer(p.ThreadID, p.LastActivity.Add(s.cfg.IdleTimeout))
	}
	if len(posts) > 0 {
		s.log.Info("idle timers re-derived", logx.Int("posts", len(posts)))
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.timers.CancelAll()
	s.log.Info("stopped")
}

// HandleNewPost registers a freshly created help post.
func (s *Service) HandleNewPost(ctx context.Context, ev kit.TopicEvent) {
	if ev.ChatID != s.cfg.ForumChatID || ev.ThreadID == 0 {
		return
	}
	now := time.Now()

	s.mu.Lock()
	s.openers[ev.ThreadID] = ev.OpenerID
	s.mu.Unlock()

	s.persistActivity(ctx, ev.ThreadID, ev.OpenerID, ev.Name, now)
	s.armTimer(ev.ThreadID, now.Add(s.cfg.IdleTimeout))
	s.log.Debug("post tracked", logx.Int("thread", ev.ThreadID), logx.String("title", ev.Name))
}

// HandleActivity resets the idle timer for a post that saw a new message.
func (s *Service) HandleActivity(ctx context.Context, msg kit.Message) {
	if msg.ChatID != s.cfg.ForumChatID || msg.ThreadID == 0 {
		return
	}
	// Only tracked posts get their timer re-armed; stray thread ids (e.g.
	// general topic chatter) are ignored.
	if !s.timers.Has(msg.ThreadID) {
		return
	}
	now := time.Now()

	s.timers.Cancel(msg.ThreadID)
	s.armTimer(msg.ThreadID, now.Add(s.cfg.IdleTimeout))

	s.mu.Lock()
	opener := s.openers[msg.ThreadID]
	s.mu.Unlock()
	s.persistActivity(ctx, msg.ThreadID, opener, "", now)
}

// Close closes a post now, cancelling any pending idle timer. Permission
// (opener or staff) is enforced by the caller.
func (s *Service) Close(ctx context.Context, threadID int, reason string) error {
	if s.timers.Has(threadID) {
		s.timers.Cancel(threadID)
	}
	return s.closePost(ctx, threadID, reason)
}

// Opener returns the opener of a tracked post (0 if unknown).
func (s *Service) Opener(threadID int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openers[threadID]
}

// Tracked reports whether a post currently has an idle timer pending.
func (s *Service) Tracked(threadID int) bool {
	return s.timers.Has(threadID)
}

func (s *Service) armTimer(threadID int, closeAt time.Time) {
	err := s.timers.ScheduleAt(threadID, closeAt, func(ctx context.Context) error {
		return s.closePost(ctx, threadID, "closed for inactivity")
	})
	if err != nil {
		s.log.Error("arming idle timer failed", logx.Int("thread", threadID), logx.Err(err))
	}
}

func (s *Service) closePost(ctx context.Context, threadID int, reason string) error {
	notice := fmt.Sprintf("This post has been %s. Open a new post if you still need help.", reason)
	if _, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.cfg.ForumChatID, ThreadID: threadID}, notice, nil); err != nil {
		s.log.Debug("close notice failed", logx.Int("thread", threadID), logx.Err(err))
	}

	if err := s.adapter.ClosePost(ctx, s.cfg.ForumChatID, threadID); err != nil {
		return fmt.Errorf("closing post %d: %w", threadID, err)
	}

	s.mu.Lock()
	delete(s.openers, threadID)
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeletePostActivity(ctx, threadID); err != nil {
			s.log.Debug("dropping post activity failed", logx.Int("thread", threadID), logx.Err(err))
		}
	}
	s.log.Info("post closed", logx.Int("thread", threadID), logx.String("reason", reason))
	return nil
}

func (s *Service) persistActivity(ctx context.Context, threadID int, opener int64, title string, at time.Time) {
	if s.store == nil {
		return
	}
	p := storage.PostActivity{ThreadID: threadID, OpenerID: opener, Title: title, LastActivity: at}
	if err := s.store.PutPostActivity(ctx, p); err != nil {
		s.log.Debug("persisting post activity failed", logx.Int("thread", threadID), logx.Err(err))
	}
}
