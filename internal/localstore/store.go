// Package localstore provides the SQLite-backed durable store for sync
// envelopes on the device.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"backend-pawwalk/internal/apperr"
	"backend-pawwalk/internal/syncengine"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Open creates the database file if needed and runs migrations.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := New(db)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an already opened database. Callers own migration.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS envelopes (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		payload BLOB NOT NULL,
		revision INTEGER NOT NULL,
		is_synced INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL,
		stored_at INTEGER NOT NULL,
		PRIMARY KEY (kind, id)
	);
	CREATE INDEX IF NOT EXISTS idx_envelopes_kind_synced ON envelopes(kind, is_synced);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *Store) Upsert(ctx context.Context, env syncengine.StoredEnvelope) error {
	const q = `
	INSERT INTO envelopes (kind, id, payload, revision, is_synced, state, attempts, last_error, checksum, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (kind, id) DO UPDATE SET
		payload = excluded.payload,
		revision = excluded.revision,
		is_synced = excluded.is_synced,
		state = excluded.state,
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		checksum = excluded.checksum,
		stored_at = excluded.stored_at`

	storedAt := env.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, q,
		env.Kind, env.ID, env.Payload, env.Revision.UnixNano(), env.IsSynced,
		string(env.State), env.Attempts, env.LastError, env.Checksum, storedAt.UnixNano(),
	)
	if err != nil {
		return apperr.Wrap(fmt.Errorf("upsert %s %s: %w", env.Kind, env.ID, err), apperr.CategoryIOFailure, "store_write", false)
	}
	return nil
}

const selectColumns = `SELECT kind, id, payload, revision, is_synced, state, attempts, last_error, checksum, stored_at FROM envelopes`

func (s *Store) Get(ctx context.Context, kind, id string) (syncengine.StoredEnvelope, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE kind = ? AND id = ?`, kind, id)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return syncengine.StoredEnvelope{}, fmt.Errorf("%s %s: %w", kind, id, apperr.ErrNotFound)
	}
	if err != nil {
		return syncengine.StoredEnvelope{}, apperr.Wrap(fmt.Errorf("get %s %s: %w", kind, id, err), apperr.CategoryIOFailure, "store_read", false)
	}
	return env, nil
}

func (s *Store) List(ctx context.Context, kind string) ([]syncengine.StoredEnvelope, error) {
	return s.query(ctx, selectColumns+` WHERE kind = ? ORDER BY revision DESC, id`, kind)
}

// ListUnsynced returns pending envelopes oldest revision first.
func (s *Store) ListUnsynced(ctx context.Context, kind string) ([]syncengine.StoredEnvelope, error) {
	return s.query(ctx, selectColumns+` WHERE kind = ? AND is_synced = 0 ORDER BY revision, id`, kind)
}

// Delete removes a synced envelope. Unsynced envelopes are kept and
// syncengine.ErrUnsyncedPurge is returned.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM envelopes WHERE kind = ? AND id = ? AND is_synced = 1`, kind, id)
	if err != nil {
		return apperr.Wrap(fmt.Errorf("delete %s %s: %w", kind, id, err), apperr.CategoryIOFailure, "store_write", false)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var synced bool
	err = s.db.QueryRowContext(ctx, `SELECT is_synced FROM envelopes WHERE kind = ? AND id = ?`, kind, id).Scan(&synced)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", kind, id, syncengine.ErrUnsyncedPurge)
}

// Counts reports stored and unsynced envelopes per kind.
func (s *Store) Counts(ctx context.Context) (map[string][2]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*), SUM(CASE WHEN is_synced = 0 THEN 1 ELSE 0 END) FROM envelopes GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][2]int{}
	for rows.Next() {
		var kind string
		var total, pending int
		if err := rows.Scan(&kind, &total, &pending); err != nil {
			return nil, err
		}
		out[kind] = [2]int{total, pending}
	}
	return out, rows.Err()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]syncengine.StoredEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(fmt.Errorf("query envelopes: %w", err), apperr.CategoryIOFailure, "store_read", false)
	}
	defer rows.Close()

	var out []syncengine.StoredEnvelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(sc scanner) (syncengine.StoredEnvelope, error) {
	var env syncengine.StoredEnvelope
	var state string
	var revision, storedAt int64
	err := sc.Scan(&env.Kind, &env.ID, &env.Payload, &revision, &env.IsSynced,
		&state, &env.Attempts, &env.LastError, &env.Checksum, &storedAt)
	if err != nil {
		return syncengine.StoredEnvelope{}, err
	}
	env.State = syncengine.State(state)
	env.Revision = time.Unix(0, revision).UTC()
	env.StoredAt = time.Unix(0, storedAt).UTC()
	return env, nil
}
