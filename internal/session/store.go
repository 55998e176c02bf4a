// Package session maps session names to their storage roots and keeps
// per-session settings.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mattjoyce/snapline/internal/storage"
)

var (
	// ErrNotFound is returned for a session that was never resolved.
	ErrNotFound    = errors.New("session not found")
	ErrInvalidName = errors.New("invalid session name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// Session is one isolated set of lineages sharing a storage root.
type Session struct {
	Name      string    `json:"name"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	db      *storage.DB
	dataDir string
}

// NewStore keeps session rows in db and creates work dirs under dataDir.
func NewStore(db *storage.DB, dataDir string) (*Store, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	return &Store{db: db, dataDir: abs}, nil
}

// ValidName reports whether name can be used as a session name.
func ValidName(name string) bool { return namePattern.MatchString(name) }

// Resolve returns the session called name, creating its row and work dir on
// first use.
func (s *Store) Resolve(ctx context.Context, name string) (*Session, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w %q", ErrInvalidName, name)
	}

	sess, err := s.Get(ctx, name)
	if err == nil {
		if err := os.MkdirAll(sess.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("create session work dir: %w", err)
		}
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	workDir := filepath.Join(s.dataDir, name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create session work dir: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO sessions(name, work_dir, created_at, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(name) DO NOTHING;
`), name, workDir, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.Get(ctx, name)
}

// Get returns an existing session.
func (s *Store) Get(ctx context.Context, name string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT name, work_dir, created_at, updated_at FROM sessions WHERE name = ?;"), name)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return sess, nil
}

// List returns every session ordered by name.
func (s *Store) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, work_dir, created_at, updated_at FROM sessions ORDER BY name;")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess             Session
		created, updated string
	)
	if err := row.Scan(&sess.Name, &sess.WorkDir, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &sess, nil
}

// SetSetting stores key=value for session, replacing any previous value.
func (s *Store) SetSetting(ctx context.Context, session, key, value string) error {
	if key == "" {
		return fmt.Errorf("setting key is empty")
	}
	if _, err := s.Get(ctx, session); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, s.db.Rebind(`
INSERT INTO session_settings(session, key, value, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(session, key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`), session, key, value, now)
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind("UPDATE sessions SET updated_at = ? WHERE name = ?;"), now, session); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Settings returns all settings of session.
func (s *Store) Settings(ctx context.Context, session string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		"SELECT key, value FROM session_settings WHERE session = ? ORDER BY key;"), session)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
