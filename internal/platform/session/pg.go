package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationUserSessions is the DDL for the user_sessions table, applied by
// the migrate command. It is safe to execute repeatedly.
const MigrationUserSessions = `
CREATE TABLE IF NOT EXISTS user_sessions (
    session_key  TEXT PRIMARY KEY,
    token        TEXT NOT NULL,
    role         TEXT NOT NULL,
    patient_id   TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_sessions_expires_at
    ON user_sessions (expires_at);
`

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the minimal database surface PGStore needs, so tests can run
// without a live database.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGStore is a PostgreSQL-backed Store. Rows outlive token expiry until
// Cleanup runs; Current returns them anyway so the token manager reports the
// session as expired rather than missing.
type PGStore struct {
	db  pgConn
	now func() time.Time
}

// NewPGStore creates a store over the given connection abstraction.
func NewPGStore(db pgConn) *PGStore {
	return &PGStore{db: db, now: time.Now}
}

// NewPGStoreFromPool wraps a *pgxpool.Pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return NewPGStore(&pgxPoolWrapper{pool: pool})
}

func (s *PGStore) Create(ctx context.Context, key, token string, expiresIn time.Duration, role Role, patientID string) (*Session, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	sess, err := New(token, expiresIn, role, patientID, s.now())
	if err != nil {
		return nil, err
	}

	const query = `INSERT INTO user_sessions (session_key, token, role, patient_id, expires_at)
VALUES ($1, $2, $3, NULLIF($4, ''), $5)
ON CONFLICT (session_key) DO UPDATE SET token      = EXCLUDED.token,
                                        role       = EXCLUDED.role,
                                        patient_id = EXCLUDED.patient_id,
                                        created_at = now(),
                                        expires_at = EXCLUDED.expires_at`

	if err := s.db.Exec(ctx, query, key, sess.Token, string(sess.Role), sess.PatientID, sess.Expiry); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess.clone(), nil
}

func (s *PGStore) Current(ctx context.Context, key string) (*Session, error) {
	if key == "" {
		return nil, nil
	}
	const query = `SELECT token, role, COALESCE(patient_id, ''), expires_at
FROM user_sessions WHERE session_key = $1`

	var (
		sess Session
		role string
	)
	if err := s.db.QueryRow(ctx, query, key).Scan(&sess.Token, &role, &sess.PatientID, &sess.Expiry); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	sess.Role = Role(role)
	return &sess, nil
}

func (s *PGStore) Clear(ctx context.Context, key string) error {
	const query = `DELETE FROM user_sessions WHERE session_key = $1`
	if err := s.db.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Cleanup deletes rows whose tokens have expired.
func (s *PGStore) Cleanup(ctx context.Context) error {
	const query = `DELETE FROM user_sessions WHERE expires_at < now()`
	if err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool, whose Exec also returns a command tag.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}
