package app

import (
	"fmt"
	"strings"

	"guardbot/internal/defense"
	"guardbot/internal/helpforum"
	"guardbot/internal/modapi"
	"guardbot/internal/modlog"
	"guardbot/internal/observability/httpdebug"
	"guardbot/internal/watch"
	"time"
)

// mapModLogConfig maps the mod_log section. An omitted section means the
// pipeline runs with defaults.
func mapModLogConfig(cfg *Config) (modlog.Config, error) {
	out := modlog.Config{Enabled: true}
	if cfg == nil || cfg.ModLog == nil {
		return out, nil
	}
	ml := cfg.ModLog
	out.Enabled = ml.Enabled
	out.Workers = ml.Workers
	out.QueueSize = ml.QueueSize
	out.RatePerSec = ml.RatePerSec
	out.RetryMax = ml.RetryMax
	out.DedupMaxEntries = ml.DedupMaxEntries
	out.PersistDedup = ml.PersistDedup

	var err error
	if out.RetryBase, err = parseDurationField("mod_log.retry_base", ml.RetryBase); err != nil {
		return modlog.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationField("mod_log.retry_max_delay", ml.RetryMaxDelay); err != nil {
		return modlog.Config{}, err
	}
	if out.DedupWindow, err = parseDurationField("mod_log.dedup_window", ml.DedupWindow); err != nil {
		return modlog.Config{}, err
	}
	if out.Workers < 0 || out.QueueSize < 0 || out.RatePerSec < 0 || out.RetryMax < 0 {
		return modlog.Config{}, fmt.Errorf("mod_log: counts must be >= 0")
	}
	return out, nil
}

func mapModAPIConfig(cfg *Config) (modapi.Config, error) {
	ma := cfg.ModAPI
	timeout, err := parseDurationOrDefault("mod_api.timeout", ma.Timeout, 10*time.Second)
	if err != nil {
		return modapi.Config{}, err
	}
	return modapi.Config{
		BaseURL:    ma.BaseURL,
		Token:      ma.Token,
		Timeout:    timeout,
		RatePerSec: ma.RatePerSec,
		RetryMax:   ma.RetryMax,
	}, nil
}

func mapDefenseConfig(cfg *Config) (defense.Config, error) {
	d := cfg.Defense
	if cfg.Telegram.GuardedChatID == 0 {
		return defense.Config{}, fmt.Errorf("defense requires telegram.guarded_chat_id")
	}
	threshold, err := parseDurationField("defense.threshold", d.Threshold)
	if err != nil {
		return defense.Config{}, err
	}
	return defense.Config{
		GuardedChatID:    cfg.Telegram.GuardedChatID,
		ModChatID:        cfg.Telegram.ModChatID,
		InitialThreshold: threshold,
		ReminderSpec:     strings.TrimSpace(d.ReminderSpec),
	}, nil
}

func mapHelpForumConfig(cfg *Config) (helpforum.Config, error) {
	hf := cfg.HelpForum
	if hf.ForumChatID == 0 {
		return helpforum.Config{}, fmt.Errorf("help_forum.forum_chat_id is required")
	}
	idle, err := parseDurationOrDefault("help_forum.idle_timeout", hf.IdleTimeout, 30*time.Minute)
	if err != nil {
		return helpforum.Config{}, err
	}
	return helpforum.Config{ForumChatID: hf.ForumChatID, IdleTimeout: idle}, nil
}

func mapWatchConfig(cfg *Config) (watch.Config, error) {
	w := cfg.Watch
	if w.WatchChatID == 0 {
		return watch.Config{}, fmt.Errorf("watch.watch_chat_id is required")
	}
	review, err := parseDurationOrDefault("watch.review_after", w.ReviewAfter, 24*time.Hour)
	if err != nil {
		return watch.Config{}, err
	}
	return watch.Config{WatchChatID: w.WatchChatID, ReviewAfter: review}, nil
}

func mapDebugConfig(cfg *Config) (httpdebug.Config, error) {
	d := cfg.Debug
	read, err := parseDurationField("debug.read_timeout", d.ReadTimeout)
	if err != nil {
		return httpdebug.Config{}, err
	}
	write, err := parseDurationField("debug.write_timeout", d.WriteTimeout)
	if err != nil {
		return httpdebug.Config{}, err
	}
	idle, err := parseDurationField("debug.idle_timeout", d.IdleTimeout)
	if err != nil {
		return httpdebug.Config{}, err
	}
	return httpdebug.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
