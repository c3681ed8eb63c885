package config

import (
	"reflect"
	"sort"
	"strings"

	"guardbot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.GuardedChatID != newCfg.Telegram.GuardedChatID ||
		oldCfg.Telegram.ModChatID != newCfg.Telegram.ModChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Int64("telegram.guarded_chat_id", newCfg.Telegram.GuardedChatID),
			logx.Int64("telegram.mod_chat_id", newCfg.Telegram.ModChatID),
		)
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Debug HTTP (never log token)
	if oldCfg.Debug.Enabled != newCfg.Debug.Enabled ||
		strings.TrimSpace(oldCfg.Debug.Addr) != strings.TrimSpace(newCfg.Debug.Addr) ||
		oldCfg.Debug.AllowInsecure != newCfg.Debug.AllowInsecure ||
		strings.TrimSpace(oldCfg.Debug.ReadTimeout) != strings.TrimSpace(newCfg.Debug.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Debug.WriteTimeout) != strings.TrimSpace(newCfg.Debug.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Debug.IdleTimeout) != strings.TrimSpace(newCfg.Debug.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Debug.Token) != "") != (strings.TrimSpace(newCfg.Debug.Token) != "") {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
		)
	}

	// Defense
	if !eqDefense(oldCfg.Defense, newCfg.Defense) {
		changed = append(changed, "defense")
		d := derefDefense(newCfg.Defense)
		attrs = append(attrs,
			logx.Bool("defense.enabled", d.Enabled),
			logx.String("defense.threshold", strings.TrimSpace(d.Threshold)),
			logx.String("defense.reminder_spec", strings.TrimSpace(d.ReminderSpec)),
		)
	}

	// Help forum
	if !eqHelpForum(oldCfg.HelpForum, newCfg.HelpForum) {
		changed = append(changed, "help_forum")
		h := derefHelpForum(newCfg.HelpForum)
		attrs = append(attrs,
			logx.Bool("help_forum.enabled", h.Enabled),
			logx.Int64("help_forum.forum_chat_id", h.ForumChatID),
			logx.String("help_forum.idle_timeout", strings.TrimSpace(h.IdleTimeout)),
		)
	}

	// Watch
	if !eqWatch(oldCfg.Watch, newCfg.Watch) {
		changed = append(changed, "watch")
		w := derefWatch(newCfg.Watch)
		attrs = append(attrs,
			logx.Bool("watch.enabled", w.Enabled),
			logx.Int64("watch.watch_chat_id", w.WatchChatID),
			logx.String("watch.review_after", strings.TrimSpace(w.ReviewAfter)),
		)
	}

	// Moderation API (never log token)
	oAPI := derefModAPI(oldCfg.ModAPI)
	nAPI := derefModAPI(newCfg.ModAPI)
	if oAPI.BaseURL != nAPI.BaseURL ||
		(strings.TrimSpace(oAPI.Token) != "") != (strings.TrimSpace(nAPI.Token) != "") ||
		oAPI.Timeout != nAPI.Timeout || oAPI.RatePerSec != nAPI.RatePerSec || oAPI.RetryMax != nAPI.RetryMax {
		changed = append(changed, "mod_api")
		attrs = append(attrs,
			logx.Bool("mod_api.base_url_set", strings.TrimSpace(nAPI.BaseURL) != ""),
			logx.Bool("mod_api.token_set", strings.TrimSpace(nAPI.Token) != ""),
			logx.Int("mod_api.rate_per_sec", nAPI.RatePerSec),
			logx.Int("mod_api.retry_max", nAPI.RetryMax),
		)
	}

	// Mod-log pipeline.
	// Note: section may be nil (omitted). Treat nil as runtime defaults for a more accurate summary.
	defM := &ModLogConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
	oldM := oldCfg.ModLog
	newM := newCfg.ModLog
	if oldM == nil {
		oldM = defM
	}
	if newM == nil {
		newM = defM
	}
	if !reflect.DeepEqual(*oldM, *newM) {
		changed = append(changed, "mod_log")
		attrs = append(attrs,
			logx.Bool("mod_log.enabled", newM.Enabled),
			logx.Int("mod_log.workers", newM.Workers),
			logx.Int("mod_log.queue_size", newM.QueueSize),
			logx.Int("mod_log.rate_per_sec", newM.RatePerSec),
			logx.Int("mod_log.retry_max", newM.RetryMax),
			logx.Bool("mod_log.persist_dedup", newM.PersistDedup),
		)
	}

	// Storage (persistence). Nil means disabled.
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefDefense(d *DefenseConfig) DefenseConfig {
	if d == nil {
		return DefenseConfig{}
	}
	return *d
}

func derefHelpForum(h *HelpForumConfig) HelpForumConfig {
	if h == nil {
		return HelpForumConfig{}
	}
	return *h
}

func derefWatch(w *WatchConfig) WatchConfig {
	if w == nil {
		return WatchConfig{}
	}
	return *w
}

func derefModAPI(m *ModAPIConfig) ModAPIConfig {
	if m == nil {
		return ModAPIConfig{}
	}
	return *m
}

func eqDefense(a, b *DefenseConfig) bool {
	return reflect.DeepEqual(derefDefense(a), derefDefense(b)) && (a == nil) == (b == nil)
}

func eqHelpForum(a, b *HelpForumConfig) bool {
	return reflect.DeepEqual(derefHelpForum(a), derefHelpForum(b)) && (a == nil) == (b == nil)
}

func eqWatch(a, b *WatchConfig) bool {
	return reflect.DeepEqual(derefWatch(a), derefWatch(b)) && (a == nil) == (b == nil)
}
