package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DefenseState is the persisted account-age defense setting.
// Threshold 0 means the defense is off.
type DefenseState struct {
	Threshold time.Duration `json:"threshold"`
	ExpiresAt time.Time     `json:"expires_at"` // zero = no expiry
	UpdatedAt time.Time     `json:"updated_at"`
	UpdatedBy int64         `json:"updated_by"`
}

// PostActivity tracks the last activity seen in an open help post,
// so idle timers can be re-derived after a restart.
type PostActivity struct {
	ThreadID     int       `json:"thread_id"`
	OpenerID     int64     `json:"opener_id"`
	Title        string    `json:"title"`
	LastActivity time.Time `json:"last_activity"`
}

// WatchEntry caches an active watch placed on a user.
type WatchEntry struct {
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username"`
	Reason       string    `json:"reason"`
	InfractionID int64     `json:"infraction_id"`
	WatchedAt    time.Time `json:"watched_at"`
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	ChatID        int64
	ThreadID      int
	Subsystem     string
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}
