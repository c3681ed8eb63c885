//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"guardbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetDefense(ctx context.Context) (DefenseState, bool, error) {
	if s == nil || s.db == nil {
		return DefenseState{}, false, ErrDisabled
	}
	var thresholdNS int64
	var expiresMS, updatedMS, updatedBy int64
	err := s.db.QueryRowContext(ctx,
		`SELECT threshold_ns, expires_ms, updated_ms, updated_by FROM defense WHERE id = 1`,
	).Scan(&thresholdNS, &expiresMS, &updatedMS, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return DefenseState{}, false, nil
	}
	if err != nil {
		return DefenseState{}, false, err
	}
	st := DefenseState{
		Threshold: time.Duration(thresholdNS),
		UpdatedAt: time.UnixMilli(updatedMS),
		UpdatedBy: updatedBy,
	}
	if expiresMS > 0 {
		st.ExpiresAt = time.UnixMilli(expiresMS)
	}
	return st, true, nil
}

func (s *sqliteStore) PutDefense(ctx context.Context, st DefenseState) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	var expiresMS int64
	if !st.ExpiresAt.IsZero() {
		expiresMS = st.ExpiresAt.UnixMilli()
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO defense(id, threshold_ns, expires_ms, updated_ms, updated_by)
		 VALUES(1,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   threshold_ns=excluded.threshold_ns,
		   expires_ms=excluded.expires_ms,
		   updated_ms=excluded.updated_ms,
		   updated_by=excluded.updated_by`,
		int64(st.Threshold), expiresMS, st.UpdatedAt.UnixMilli(), st.UpdatedBy,
	)
	return err
}

func (s *sqliteStore) PutPostActivity(ctx context.Context, p PostActivity) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.ThreadID == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO post_activity(thread_id, opener_id, title, last_activity_ms)
		 VALUES(?,?,?,?)
		 ON CONFLICT(thread_id) DO UPDATE SET
		   opener_id=excluded.opener_id,
		   title=excluded.title,
		   last_activity_ms=excluded.last_activity_ms`,
		p.ThreadID, p.OpenerID, nullStr(p.Title), p.LastActivity.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeletePostActivity(ctx context.Context, threadID int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM post_activity WHERE thread_id = ?`, threadID)
	return err
}

func (s *sqliteStore) ListPostActivity(ctx context.Context) ([]PostActivity, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, opener_id, COALESCE(title, ''), last_activity_ms FROM post_activity ORDER BY thread_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostActivity
	for rows.Next() {
		var p PostActivity
		var ms int64
		if err := rows.Scan(&p.ThreadID, &p.OpenerID, &p.Title, &ms); err != nil {
			return nil, err
		}
		p.LastActivity = time.UnixMilli(ms)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutWatch(ctx context.Context, w WatchEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if w.UserID == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watches(user_id, username, reason, infraction_id, watched_ms)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   username=excluded.username,
		   reason=excluded.reason,
		   infraction_id=excluded.infraction_id,
		   watched_ms=excluded.watched_ms`,
		w.UserID, nullStr(w.Username), nullStr(w.Reason), w.InfractionID, w.WatchedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteWatch(ctx context.Context, userID int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) ListWatches(ctx context.Context) ([]WatchEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, COALESCE(username, ''), COALESCE(reason, ''), infraction_id, watched_ms FROM watches ORDER BY user_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WatchEntry
	for rows.Next() {
		var w WatchEntry
		var ms int64
		if err := rows.Scan(&w.UserID, &w.Username, &w.Reason, &w.InfractionID, &ms); err != nil {
			return nil, err
		}
		w.WatchedAt = time.UnixMilli(ms)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, subsystem, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.ThreadID,
		e.Subsystem, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
