package defense

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"guardbot/internal/agecurve"
	"guardbot/internal/eventbus"
	"guardbot/internal/sched"
	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	"guardbot/pkg/logx"
)

type Config struct {
	GuardedChatID int64
	ModChatID     int64

	// InitialThreshold applies only when the store has no persisted state.
	InitialThreshold time.Duration

	// ReminderSpec is a cron spec for the periodic status reminder.
	ReminderSpec string
}

type Deps struct {
	Adapter kit.Adapter
	ModLog  Notifier
	Store   storage.Store
	Bus     eventbus.Bus
	Log     logx.Logger
}

// Notifier is the slice of the mod-log pipeline the defense needs.
type Notifier interface {
	Send(ctx context.Context, n kit.Notification) error
}

// Service rejects too-new accounts from the guarded chat.
//
// The active threshold and optional expiry are persisted; the expiry timer
// itself is re-derived from the store on every start.
type Service struct {
	cfg Config
	log logx.Logger

	adapter kit.Adapter
	modlog  Notifier
	store   storage.Store

	timers *sched.Scheduler[string]
	cron   *cron.Cron

	mu        sync.Mutex
	threshold time.Duration
	expiresAt time.Time
	// expiryGen invalidates expiry tasks from earlier settings. Bumped on
	// every SetThreshold; a fired task compares its own generation first.
	expiryGen uint64

	// lastReminder lets the periodic reminder edit its previous message
	// instead of stacking a new one every tick.
	lastReminder kit.MessageRef
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "defense"))
	return &Service{
		cfg:     cfg,
		log:     log,
		adapter: deps.Adapter,
		modlog:  deps.ModLog,
		store:   deps.Store,
		timers:  sched.New[string]("defense", log, deps.Bus),
	}
}

// Start loads persisted state, re-derives the expiry timer, and starts the
// reminder loop. An expiry already in the past fires immediately.
func (s *Service) Start(ctx context.Context) error {
	threshold := s.cfg.InitialThreshold
	var expiresAt time.Time

	if s.store != nil {
		st, ok, err := s.store.GetDefense(ctx)
		if err != nil {
			s.log.Warn("loading persisted state failed; using config default", logx.Err(err))
		} else if ok {
			threshold = st.Threshold
			expiresAt = st.ExpiresAt
		}
	}

	s.mu.Lock()
	s.threshold = threshold
	s.expiresAt = expiresAt
	s.mu.Unlock()

	if threshold > 0 && !expiresAt.IsZero() {
		s.scheduleExpiry(expiresAt)
	}

	spec := strings.TrimSpace(s.cfg.ReminderSpec)
	if spec == "" {
		spec = "@hourly"
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(spec, s.remind); err != nil {
		return fmt.Errorf("defense: reminder spec %q: %w", spec, err)
	}
	s.cron.Start()

	s.log.Info("started", logx.Duration("threshold", threshold), logx.Time("expires_at", expiresAt))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	s.timers.CancelAll()
	s.log.Info("stopped")
}

// Threshold returns the active minimum account age (0 = off) and its expiry.
func (s *Service) Threshold() (time.Duration, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threshold, s.expiresAt
}

// SetThreshold installs a new minimum account age. expiresAt zero means no
// expiry; threshold 0 disables the defense. Any previously pending expiry
// task is cancelled before the new one (if any) is scheduled.
func (s *Service) SetThreshold(ctx context.Context, threshold time.Duration, expiresAt time.Time, actorID int64) error {
	if threshold < 0 {
		threshold = 0
	}
	if threshold == 0 {
		expiresAt = time.Time{}
	}

	s.mu.Lock()
	s.threshold = threshold
	s.expiresAt = expiresAt
	s.expiryGen++
	s.mu.Unlock()

	s.timers.CancelAll()
	if threshold > 0 && !expiresAt.IsZero() {
		s.scheduleExpiry(expiresAt)
	}

	if s.store != nil {
		st := storage.DefenseState{
			Threshold: threshold,
			ExpiresAt: expiresAt,
			UpdatedAt: time.Now(),
			UpdatedBy: actorID,
		}
		if err := s.store.PutDefense(ctx, st); err != nil {
			s.log.Warn("persisting threshold failed", logx.Err(err))
		}
		s.audit(ctx, actorID, "set_threshold", threshold.String())
	}

	s.updateDescription(ctx)
	s.notifyChange(ctx, threshold, expiresAt)
	s.log.Info("threshold updated",
		logx.Duration("threshold", threshold),
		logx.Time("expires_at", expiresAt),
		logx.Int64("actor", actorID),
	)
	return nil
}

func (s *Service) scheduleExpiry(expiresAt time.Time) {
	s.mu.Lock()
	gen := s.expiryGen
	s.mu.Unlock()

	// The key carries the generation: a replacement expiry can be armed even
	// while a previous expiry task is still running under its own key.
	key := fmt.Sprintf("expiry.%d", gen)
	err := s.timers.ScheduleAt(key, expiresAt, func(ctx context.Context) error {
		s.mu.Lock()
		stale := gen != s.expiryGen
		s.mu.Unlock()
		if stale {
			return nil
		}
		s.log.Info("threshold expired; disabling defense")
		return s.SetThreshold(ctx, 0, time.Time{}, 0)
	})
	if err != nil {
		s.log.Error("scheduling expiry failed", logx.Err(err))
	}
}

// HandleJoin screens a new member against the active threshold.
// Too-new accounts get a best-effort DM, then a kick; failures are logged and
// reported to the mod chat but never propagate.
func (s *Service) HandleJoin(ctx context.Context, join kit.MemberJoin) {
	if join.ChatID != s.cfg.GuardedChatID {
		return
	}
	s.mu.Lock()
	threshold := s.threshold
	s.mu.Unlock()
	if threshold <= 0 {
		return
	}

	now := time.Now()
	created, ok := agecurve.EstimateCreation(join.Member.UserID, now)
	if !ok {
		return
	}
	age := now.Sub(created)
	if age >= threshold {
		return
	}

	// Best-effort DM before the kick; the user can't be messaged afterwards.
	dm := fmt.Sprintf(
		"Your account is too new to join this community (minimum age: %s). Feel free to come back later.",
		humanDuration(threshold),
	)
	if _, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: join.Member.UserID}, dm, nil); err != nil {
		s.log.Debug("rejection dm failed", logx.Int64("user", join.Member.UserID), logx.Err(err))
	}

	if err := s.adapter.KickMember(ctx, join.ChatID, join.Member.UserID); err != nil {
		s.log.Error("kick failed", logx.Int64("user", join.Member.UserID), logx.Err(err))
		s.send(ctx, 7, fmt.Sprintf("defense: failed to kick %s (id %d): %v", displayName(join.Member), join.Member.UserID, err))
		return
	}

	s.log.Info("member rejected",
		logx.Int64("user", join.Member.UserID),
		logx.Duration("age", age),
		logx.Duration("threshold", threshold),
	)
	s.send(ctx, 5, fmt.Sprintf(
		"defense: rejected %s (id %d), account age ~%s below threshold %s",
		displayName(join.Member), join.Member.UserID, humanDuration(age), humanDuration(threshold),
	))
	s.audit(ctx, 0, "kick", fmt.Sprintf("%d", join.Member.UserID))
}

// Shutdown revokes the default send permission in the guarded chat.
func (s *Service) Shutdown(ctx context.Context, actorID int64) error {
	if err := s.adapter.RestrictDefault(ctx, s.cfg.GuardedChatID, false); err != nil {
		return err
	}
	s.send(ctx, 9, "defense: chat locked down, only staff can send messages")
	s.audit(ctx, actorID, "shutdown", "")
	return nil
}

// Open restores the default send permission in the guarded chat.
func (s *Service) Open(ctx context.Context, actorID int64) error {
	if err := s.adapter.RestrictDefault(ctx, s.cfg.GuardedChatID, true); err != nil {
		return err
	}
	s.send(ctx, 5, "defense: chat reopened")
	s.audit(ctx, actorID, "open", "")
	return nil
}

// Status renders the current state for operators.
func (s *Service) Status() string {
	threshold, expiresAt := s.Threshold()
	if threshold <= 0 {
		return "defense: off"
	}
	if expiresAt.IsZero() {
		return fmt.Sprintf("defense: on, minimum account age %s, no expiry", humanDuration(threshold))
	}
	return fmt.Sprintf("defense: on, minimum account age %s, expires %s",
		humanDuration(threshold), expiresAt.UTC().Format("2006-01-02 15:04 MST"))
}

// remind posts the periodic status message to the mod chat while the defense
// is active without an expiry. It edits the previous reminder when possible.
func (s *Service) remind() {
	s.mu.Lock()
	threshold := s.threshold
	expiresAt := s.expiresAt
	ref := s.lastReminder
	s.mu.Unlock()

	if threshold <= 0 || !expiresAt.IsZero() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	text := fmt.Sprintf("%s (as of %s)", s.Status(), time.Now().UTC().Format("15:04 MST"))
	if ref.MessageID != 0 {
		if err := s.adapter.EditText(ctx, ref, text, nil); err == nil {
			return
		}
		// Edit can fail when the message was deleted; fall through to a new send.
	}
	newRef, err := s.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.cfg.ModChatID}, text, nil)
	if err != nil {
		s.log.Debug("reminder send failed", logx.Err(err))
		return
	}
	s.mu.Lock()
	s.lastReminder = newRef
	s.mu.Unlock()
}

func (s *Service) updateDescription(ctx context.Context) {
	if err := s.adapter.SetChatDescription(ctx, s.cfg.GuardedChatID, s.Status()); err != nil {
		s.log.Debug("description update failed", logx.Err(err))
	}
}

func (s *Service) notifyChange(ctx context.Context, threshold time.Duration, expiresAt time.Time) {
	var text string
	switch {
	case threshold <= 0:
		text = "defense disabled"
	case expiresAt.IsZero():
		text = fmt.Sprintf("defense enabled: minimum account age %s", humanDuration(threshold))
	default:
		text = fmt.Sprintf("defense enabled: minimum account age %s until %s",
			humanDuration(threshold), expiresAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	s.send(ctx, 5, text)
}

func (s *Service) send(ctx context.Context, priority int, text string) {
	if s.modlog == nil {
		return
	}
	err := s.modlog.Send(ctx, kit.Notification{
		Priority: priority,
		Target:   kit.ChatTarget{ChatID: s.cfg.ModChatID},
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
		ChatID:    s.cfg.GuardedChatID,
		Subsystem: "defense",
		Action:    action,
		Target:    target,
		OK:        1,
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}

func displayName(m kit.Member) string {
	if m.Username != "" {
		return "@" + m.Username
	}
	if m.FirstName != "" {
		return m.FirstName
	}
	return "unknown"
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour:
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		return d.String()
	}
}
