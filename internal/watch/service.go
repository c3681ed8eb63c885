package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"guardbot/internal/eventbus"
	"guardbot/internal/modapi"
	"guardbot/internal/sched"
	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	"guardbot/pkg/logx"
)

var (
	ErrAlreadyWatched = errors.New("watch: user is already watched")
	ErrNotWatched     = errors.New("watch: user is not watched")
)

type Config struct {
	// WatchChatID receives relayed messages from watched users.
	WatchChatID int64

	// ReviewAfter schedules a review reminder this long after a watch starts.
	ReviewAfter time.Duration
}

// Records is the slice of the moderation-record API the watch needs.
type Records interface {
	CreateInfraction(ctx context.Context, inf modapi.NewInfraction) (modapi.Infraction, error)
	ActiveWatches(ctx context.Context) ([]modapi.Infraction, error)
	CloseInfraction(ctx context.Context, id int64, reason string) error
}

// Notifier is the slice of the mod-log pipeline the watch needs.
type Notifier interface {
	Send(ctx context.Context, n kit.Notification) error
}

type Deps struct {
	API    Records
	ModLog Notifier
	Store  storage.Store
	Bus    eventbus.Bus
	Log    logx.Logger
}

// Service relays messages from watched users to the watch chat and reminds
// staff to review stale watches.
//
// The record API is authoritative for who is watched; the local store is a
// cache that lets the relay work while the API is down and carries the
// review deadlines across restarts.
type Service struct {
	cfg Config
	log logx.Logger

	api    Records
	modlog Notifier
	store  storage.Store

	timers *sched.Scheduler[int64]

	mu      sync.Mutex
	entries map[int64]storage.WatchEntry
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "watch"))
	if cfg.ReviewAfter <= 0 {
		cfg.ReviewAfter = 7 * 24 * time.Hour
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		api:     deps.API,
		modlog:  deps.ModLog,
		store:   deps.Store,
		timers:  sched.New[int64]("watch", log, deps.Bus),
		entries: map[int64]storage.WatchEntry{},
	}
}

// Start loads watches and re-derives review timers. The API wins over the
// local cache when both are available; when the API is unreachable the cache
// alone keeps the relay working.
func (s *Service) Start(ctx context.Context) error {
	local := map[int64]storage.WatchEntry{}
	if s.store != nil {
		list, err := s.store.ListWatches(ctx)
		if err != nil {
			s.log.Warn("loading cached watches failed", logx.Err(err))
		}
		for _, w := range list {
			local[w.UserID] = w
		}
	}

	if s.api != nil {
		active, err := s.api.ActiveWatches(ctx)
		if err != nil {
			s.log.Warn("watch sync failed; using cached watches", logx.Err(err))
		} else {
			synced := map[int64]storage.WatchEntry{}
			for _, inf := range active {
				e, ok := local[inf.UserID]
				if !ok {
					e = storage.WatchEntry{
						UserID:       inf.UserID,
						Username:     inf.Username,
						Reason:       inf.Reason,
						InfractionID: inf.ID,
						WatchedAt:    inf.Inserted,
					}
					if err := s.putWatch(ctx, e); err != nil {
						s.log.Warn("caching synced watch failed", logx.Int64("user", e.UserID), logx.Err(err))
					}
				}
				synced[inf.UserID] = e
			}
			// Watches closed elsewhere drop out of the cache.
			for id := range local {
				if _, ok := synced[id]; !ok {
					s.deleteWatch(ctx, id)
				}
			}
			local = synced
		}
	}

	s.mu.Lock()
	s.entries = local
	s.mu.Unlock()

	for _, w := range local {
		s.armReview(w)
	}
	s.log.Info("started", logx.Int("watches", len(local)))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.timers.CancelAll()
	s.log.Info("stopped")
}

// Watch puts a user under watch: a record is created via the API, cached
// locally, and a review reminder is scheduled.
func (s *Service) Watch(ctx context.Context, m kit.Member, reason string, actorID int64) error {
	s.mu.Lock()
	_, exists := s.entries[m.UserID]
	s.mu.Unlock()
	if exists {
		return ErrAlreadyWatched
	}

	entry := storage.WatchEntry{
		UserID:    m.UserID,
		Username:  m.Username,
		Reason:    reason,
		WatchedAt: time.Now(),
	}
	if s.api != nil {
		inf, err := s.api.CreateInfraction(ctx, modapi.NewInfraction{
			Type:     "watch",
			UserID:   m.UserID,
			Username: m.Username,
			Reason:   reason,
			ActorID:  actorID,
			Hidden:   true,
		})
		if err != nil {
			return fmt.Errorf("watch: recording infraction: %w", err)
		}
		entry.InfractionID = inf.ID
	}

	if err := s.putWatch(ctx, entry); err != nil {
		s.log.Warn("caching watch failed", logx.Int64("user", m.UserID), logx.Err(err))
	}
	s.mu.Lock()
	s.entries[m.UserID] = entry
	s.mu.Unlock()

	s.armReview(entry)
	s.audit(ctx, actorID, "watch", fmt.Sprintf("%d", m.UserID))
	s.log.Info("watch started", logx.Int64("user", m.UserID), logx.Int64("actor", actorID))
	return nil
}

// Unwatch ends a watch: the record is closed, the cache entry removed, and
// the pending review reminder cancelled.
func (s *Service) Unwatch(ctx context.Context, userID int64, reason string, actorID int64) error {
	s.mu.Lock()
	entry, ok := s.entries[userID]
	s.mu.Unlock()
	if !ok {
		return ErrNotWatched
	}

	if s.api != nil && entry.InfractionID != 0 {
		if err := s.api.CloseInfraction(ctx, entry.InfractionID, reason); err != nil {
			return fmt.Errorf("watch: closing infraction %d: %w", entry.InfractionID, err)
		}
	}

	s.mu.Lock()
	delete(s.entries, userID)
	s.mu.Unlock()
	s.deleteWatch(ctx, userID)
	s.timers.Cancel(userID)

	s.audit(ctx, actorID, "unwatch", fmt.Sprintf("%d", userID))
	s.log.Info("watch ended", logx.Int64("user", userID), logx.Int64("actor", actorID))
	return nil
}

// Watched reports whether a user is currently under watch.
func (s *Service) Watched(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[userID]
	return ok
}

// List returns the current watches.
func (s *Service) List() []storage.WatchEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.WatchEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// HandleMessage relays a watched user's message to the watch chat.
func (s *Service) HandleMessage(ctx context.Context, msg kit.Message) {
	if !msg.IsGroup || !s.Watched(msg.FromID) {
		return
	}
	who := msg.FromUsername
	if who == "" {
		who = fmt.Sprintf("id %d", msg.FromID)
	} else {
		who = "@" + who
	}
	text := msg.Text
	if len(text) > 500 {
		text = text[:500] + "…"
	}
	s.send(ctx, 3, fmt.Sprintf("watch %s: %s", who, text))
}

func (s *Service) armReview(entry storage.WatchEntry) {
	userID := entry.UserID
	err := s.timers.ScheduleAt(userID, entry.WatchedAt.Add(s.cfg.ReviewAfter), func(ctx context.Context) error {
		s.mu.Lock()
		e, ok := s.entries[userID]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		who := e.Username
		if who == "" {
			who = fmt.Sprintf("id %d", e.UserID)
		} else {
			who = "@" + who
		}
		s.send(ctx, 5, fmt.Sprintf(
			"watch review due for %s (watched %s ago): %s. Use /unwatch %d to end it.",
			who, time.Since(e.WatchedAt).Round(time.Hour), e.Reason, e.UserID,
		))
		return nil
	})
	if err != nil {
		s.log.Error("arming review timer failed", logx.Int64("user", userID), logx.Err(err))
	}
}

func (s *Service) putWatch(ctx context.Context, e storage.WatchEntry) error {
	if s.store == nil {
		return nil
	}
	return s.store.PutWatch(ctx, e)
}

func (s *Service) deleteWatch(ctx context.Context, userID int64) {
	if s.store == nil {
		return
	}
	if err := s.store.DeleteWatch(ctx, userID); err != nil {
		s.log.Debug("dropping cached watch failed", logx.Int64("user", userID), logx.Err(err))
	}
}

func (s *Service) send(ctx context.Context, priority int, text string) {
	if s.modlog == nil {
		return
	}
	err := s.modlog.Send(ctx, kit.Notification{
		Priority: priority,
		Target:   kit.ChatTarget{ChatID: s.cfg.WatchChatID},
		Text:     text,
	})
	if err != nil {
		s.log.Debug("modlog send failed", logx.Err(err))
	}
}

func (s *Service) audit(ctx context.Context, actorID int64, action, target string) {
	if s.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:        time.Now(),
		ActorID:   actorID,
		ChatID:    s.cfg.WatchChatID,
		Subsystem: "watch",
		Action:    action,
		Target:    target,
		OK:        1,
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}
