package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"guardbot/pkg/logx"
)

// Store is the persistence API used by the subsystems.
type Store interface {
	// Account-age defense settings.
	GetDefense(ctx context.Context) (DefenseState, bool, error)
	PutDefense(ctx context.Context, st DefenseState) error

	// Help-post activity (open posts only).
	PutPostActivity(ctx context.Context, p PostActivity) error
	DeletePostActivity(ctx context.Context, threadID int) error
	ListPostActivity(ctx context.Context) ([]PostActivity, error)

	// Watch cache.
	PutWatch(ctx context.Context, w WatchEntry) error
	DeleteWatch(ctx context.Context, userID int64) error
	ListWatches(ctx context.Context) ([]WatchEntry, error)

	// Mod-log dedup state (optional persistence across restarts).
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
