package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  owner_user_ids: [1, 2]
  guarded_chat_id: -100
  mod_chat_id: -200
  poll_timeout: "10s"
logging:
  level: "debug"
  console: true
defense:
  enabled: true
  threshold: "720h"
watch:
  enabled: true
  watch_chat_id: -300
  review_after: "24h"
storage:
  driver: "file"
  path: "./store"
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.GuardedChatID != -100 || len(cfg.Telegram.OwnerUserIDs) != 2 {
		t.Fatalf("telegram section: %+v", cfg.Telegram)
	}
	if cfg.Defense == nil || !cfg.Defense.Enabled || cfg.Defense.Threshold != "720h" {
		t.Fatalf("defense section: %+v", cfg.Defense)
	}
	if cfg.Watch == nil || cfg.Watch.WatchChatID != -300 {
		t.Fatalf("watch section: %+v", cfg.Watch)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "telegram": {"token": "t", "owner_user_ids": [], "guarded_chat_id": -1, "mod_chat_id": -2, "poll_timeout": "5s"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}
}`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.PollTimeout != "5s" {
		t.Fatalf("poll_timeout: %q", cfg.Telegram.PollTimeout)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "t"
  guarded_chat_id: -1
  mod_chat_id: -2
  frobnicate: true
logging:
  level: "info"
`)
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "90m"); err != nil || d != 90*time.Minute {
		t.Fatalf("90m: %v %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative accepted")
	}
	if _, err := ParseDurationField("x", "bogus"); err == nil {
		t.Fatal("garbage accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: %v %v", d, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	base := &Config{
		Telegram: TelegramConfig{Token: "t", GuardedChatID: -1, ModChatID: -2},
		Logging:  LoggingConfig{Level: "info", Console: true},
	}
	same := *base
	if sections, _ := SummarizeConfigChange(base, &same); len(sections) != 0 {
		t.Fatalf("identical configs diffed: %v", sections)
	}

	changed := *base
	changed.Logging.Level = "debug"
	changed.Defense = &DefenseConfig{Enabled: true, Threshold: "720h"}
	sections, _ := SummarizeConfigChange(base, &changed)

	want := map[string]bool{"logging": false, "defense": false}
	for _, s := range sections {
		if _, ok := want[s]; ok {
			want[s] = true
		}
	}
	for s, seen := range want {
		if !seen {
			t.Fatalf("section %q not reported in %v", s, sections)
		}
	}
}
