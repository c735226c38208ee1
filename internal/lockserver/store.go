package lockserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"droneops-gcs/internal/arbiter"
)

// LockID is the single resource guarded by the lock.
const LockID = "gcs_main"

// LockRecord is the stored lock row. OwnerID is empty when nobody holds it.
type LockRecord struct {
	OwnerID   string
	UpdatedAt time.Time
}

// SessionFilter selects session rows. Zero fields do not filter.
type SessionFilter struct {
	Token         string
	ExpiresAfter  time.Time
	ExpiresBefore time.Time
}

func (f SessionFilter) empty() bool {
	return f.Token == "" && f.ExpiresAfter.IsZero() && f.ExpiresBefore.IsZero()
}

// Store persists the lock record and the session table.
type Store interface {
	// AcquireLock grants the lock to clientID when it is free, already
	// owned by clientID, or older than timeout. It returns the current
	// owner when the lock is refused.
	AcquireLock(ctx context.Context, clientID string, now time.Time, timeout time.Duration) (granted bool, owner string, err error)
	// HeartbeatLock refreshes the lock if clientID owns it and it has not
	// expired.
	HeartbeatLock(ctx context.Context, clientID string, now time.Time, timeout time.Duration) (bool, error)
	// ReleaseLock clears ownership if clientID is the owner.
	ReleaseLock(ctx context.Context, clientID string, now time.Time) error
	Lock(ctx context.Context) (LockRecord, error)

	ListSessions(ctx context.Context, f SessionFilter) ([]arbiter.SessionRow, error)
	InsertSession(ctx context.Context, row arbiter.SessionRow) error
	UpdateSessions(ctx context.Context, f SessionFilter, expiresAt, heartbeat time.Time) ([]arbiter.SessionRow, error)
	DeleteSessions(ctx context.Context, f SessionFilter) ([]arbiter.SessionRow, error)
	Close() error
}

// ErrUnfiltered is returned for a session update or delete without a filter.
var ErrUnfiltered = errors.New("lockserver: refusing to modify every session")

// SQLStore implements Store on database/sql. Timestamps are stored as unix
// milliseconds so the same schema works on sqlite3 and postgres.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

var _ Store = (*SQLStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS gcs_lock (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT,
	updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS active_sessions (
	session_token  TEXT PRIMARY KEY,
	expires_at     BIGINT NOT NULL,
	last_heartbeat BIGINT
);
CREATE INDEX IF NOT EXISTS active_sessions_expires_at ON active_sessions (expires_at);
`

// Open connects to driver ("sqlite3" or "postgres") and creates the tables.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("lockserver: unsupported driver %q", driver)
	}
	if driver == "sqlite3" && dsn == "" {
		dsn = "gcs-lock.db"
	}
	d, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := d.Ping(); err != nil {
		_ = d.Close()
		return nil, err
	}
	s := &SQLStore{db: d, postgres: driver == "postgres"}
	if !s.postgres {
		// sqlite has a single writer.
		d.SetMaxOpenConns(1)
		_, _ = d.Exec(`PRAGMA journal_mode=WAL`)
		if _, err := d.Exec(`PRAGMA busy_timeout=5000`); err != nil {
			_ = d.Close()
			return nil, err
		}
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.Exec(stmt); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

// q rewrites ? placeholders to $n for postgres.
func (s *SQLStore) q(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (s *SQLStore) readLock(ctx context.Context, tx *sql.Tx) (LockRecord, bool, error) {
	query := `SELECT owner_id, updated_at FROM gcs_lock WHERE id = ?`
	if s.postgres {
		query += ` FOR UPDATE`
	}
	var owner sql.NullString
	var updated int64
	err := tx.QueryRowContext(ctx, s.q(query), LockID).Scan(&owner, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return LockRecord{}, false, nil
	}
	if err != nil {
		return LockRecord{}, false, err
	}
	return LockRecord{OwnerID: owner.String, UpdatedAt: fromMS(updated)}, true, nil
}

func expired(rec LockRecord, now time.Time, timeout time.Duration) bool {
	return now.Sub(rec.UpdatedAt) > timeout
}

func (s *SQLStore) AcquireLock(ctx context.Context, clientID string, now time.Time, timeout time.Duration) (bool, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback()

	rec, found, err := s.readLock(ctx, tx)
	if err != nil {
		return false, "", fmt.Errorf("read lock: %w", err)
	}
	if found && rec.OwnerID != "" && rec.OwnerID != clientID && !expired(rec, now, timeout) {
		return false, rec.OwnerID, nil
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO gcs_lock (id, owner_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, updated_at = excluded.updated_at`),
		LockID, clientID, ms(now))
	if err != nil {
		return false, "", fmt.Errorf("write lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", err
	}
	return true, clientID, nil
}

func (s *SQLStore) HeartbeatLock(ctx context.Context, clientID string, now time.Time, timeout time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	rec, found, err := s.readLock(ctx, tx)
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	if !found || rec.OwnerID != clientID || expired(rec, now, timeout) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE gcs_lock SET updated_at = ? WHERE id = ? AND owner_id = ?`),
		ms(now), LockID, clientID); err != nil {
		return false, fmt.Errorf("update lock: %w", err)
	}
	return true, tx.Commit()
}

func (s *SQLStore) ReleaseLock(ctx context.Context, clientID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE gcs_lock SET owner_id = NULL, updated_at = ? WHERE id = ? AND owner_id = ?`),
		ms(now), LockID, clientID)
	return err
}

func (s *SQLStore) Lock(ctx context.Context) (LockRecord, error) {
	var owner sql.NullString
	var updated int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT owner_id, updated_at FROM gcs_lock WHERE id = ?`), LockID).Scan(&owner, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return LockRecord{}, nil
	}
	if err != nil {
		return LockRecord{}, err
	}
	return LockRecord{OwnerID: owner.String, UpdatedAt: fromMS(updated)}, nil
}

func (s *SQLStore) where(f SessionFilter) (string, []any) {
	var conds []string
	var args []any
	if f.Token != "" {
		conds = append(conds, "session_token = ?")
		args = append(args, f.Token)
	}
	if !f.ExpiresAfter.IsZero() {
		conds = append(conds, "expires_at > ?")
		args = append(args, ms(f.ExpiresAfter))
	}
	if !f.ExpiresBefore.IsZero() {
		conds = append(conds, "expires_at < ?")
		args = append(args, ms(f.ExpiresBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLStore) querySessions(ctx context.Context, q execer, f SessionFilter) ([]arbiter.SessionRow, error) {
	where, args := s.where(f)
	rows, err := q.QueryContext(ctx, s.q(`SELECT session_token, expires_at, last_heartbeat FROM active_sessions`+where+` ORDER BY expires_at`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []arbiter.SessionRow{}
	for rows.Next() {
		var row arbiter.SessionRow
		var exp int64
		var hb sql.NullInt64
		if err := rows.Scan(&row.SessionToken, &exp, &hb); err != nil {
			return nil, err
		}
		row.ExpiresAt = fromMS(exp)
		if hb.Valid {
			t := fromMS(hb.Int64)
			row.LastHeartbeat = &t
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) ListSessions(ctx context.Context, f SessionFilter) ([]arbiter.SessionRow, error) {
	return s.querySessions(ctx, s.db, f)
}

func (s *SQLStore) InsertSession(ctx context.Context, row arbiter.SessionRow) error {
	var hb sql.NullInt64
	if row.LastHeartbeat != nil {
		hb = sql.NullInt64{Int64: ms(*row.LastHeartbeat), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO active_sessions (session_token, expires_at, last_heartbeat) VALUES (?, ?, ?)`),
		row.SessionToken, ms(row.ExpiresAt), hb)
	return err
}

func (s *SQLStore) UpdateSessions(ctx context.Context, f SessionFilter, expiresAt, heartbeat time.Time) ([]arbiter.SessionRow, error) {
	if f.empty() {
		return nil, ErrUnfiltered
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	where, args := s.where(f)
	set := []any{ms(expiresAt), ms(heartbeat)}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE active_sessions SET expires_at = ?, last_heartbeat = ?`+where), append(set, args...)...); err != nil {
		return nil, err
	}
	// Re-select by token when filtering on expiry would hide updated rows.
	sel := f
	if f.Token != "" {
		sel = SessionFilter{Token: f.Token}
	}
	rows, err := s.querySessions(ctx, tx, sel)
	if err != nil {
		return nil, err
	}
	return rows, tx.Commit()
}

func (s *SQLStore) DeleteSessions(ctx context.Context, f SessionFilter) ([]arbiter.SessionRow, error) {
	if f.empty() {
		return nil, ErrUnfiltered
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := s.querySessions(ctx, tx, f)
	if err != nil {
		return nil, err
	}
	where, args := s.where(f)
	if _, err := tx.ExecContext(ctx, `DELETE FROM active_sessions`+s.q(where), args...); err != nil {
		return nil, err
	}
	return rows, tx.Commit()
}
