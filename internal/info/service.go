// Package info renders user and server summaries for the command surface.
package info

import (
	"context"
	"fmt"
	"strings"
	"time"

	"guardbot/internal/agecurve"
	"guardbot/internal/storage"
	kit "guardbot/internal/transport"
	"guardbot/pkg/logx"
)

type Config struct {
	GuardedChatID int64
}

// DefenseStatus and WatchList are the slices of other subsystems the
// summaries pull in when those subsystems are enabled.
type DefenseStatus interface {
	Status() string
}

type WatchList interface {
	List() []storage.WatchEntry
}

type Deps struct {
	Adapter kit.Adapter
	Defense DefenseStatus
	Watch   WatchList
	Log     logx.Logger
}

type Service struct {
	cfg Config
	log logx.Logger

	adapter kit.Adapter
	defense DefenseStatus
	watch   WatchList
}

func New(cfg Config, deps Deps) *Service {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "info")),
		adapter: deps.Adapter,
		defense: deps.Defense,
		watch:   deps.Watch,
	}
}

// UserInfo renders what is known about a user from their id alone: the
// approximate registration date and, when the watch service is enabled,
// whether they are currently watched.
func (s *Service) UserInfo(ctx context.Context, userID int64) (string, error) {
	now := time.Now()
	created, ok := agecurve.EstimateCreation(userID, now)
	if !ok {
		return "", fmt.Errorf("bad user id %d", userID)
	}

	lines := []string{
		fmt.Sprintf("user %d", userID),
		fmt.Sprintf("registered: ~%s (about %s ago)", created.Format("January 2006"), humanAge(now.Sub(created))),
	}
	if s.watch != nil {
		for _, w := range s.watch.List() {
			if w.UserID == userID {
				lines = append(lines, fmt.Sprintf("watched since %s: %s",
					w.WatchedAt.UTC().Format("2006-01-02"), w.Reason))
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

// ServerInfo summarizes the guarded chat plus whatever the moderation
// subsystems report about it.
func (s *Service) ServerInfo(ctx context.Context) (string, error) {
	info, err := s.adapter.ChatInfo(ctx, s.cfg.GuardedChatID)
	if err != nil {
		return "", err
	}

	title := info.Title
	if title == "" {
		title = fmt.Sprintf("chat %d", s.cfg.GuardedChatID)
	}
	lines := []string{title}
	if info.MemberCount > 0 {
		lines = append(lines, fmt.Sprintf("members: %d", info.MemberCount))
	}
	if info.Description != "" {
		lines = append(lines, info.Description)
	}
	if s.defense != nil {
		lines = append(lines, s.defense.Status())
	}
	if s.watch != nil {
		lines = append(lines, fmt.Sprintf("watched users: %d", len(s.watch.List())))
	}
	return strings.Join(lines, "\n"), nil
}

func humanAge(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	switch {
	case days >= 365:
		years := days / 365
		if years == 1 {
			return "1 year"
		}
		return fmt.Sprintf("%d years", years)
	case days >= 30:
		months := days / 30
		if months == 1 {
			return "1 month"
		}
		return fmt.Sprintf("%d months", months)
	case days >= 1:
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	default:
		return "less than a day"
	}
}
