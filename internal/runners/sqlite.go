package runners

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists runner records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a runner store at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open runner store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing database handle, migrating the
// runner tables. The caller keeps ownership of the handle.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runners (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			authorized_users TEXT NOT NULL DEFAULT '[]',
			capabilities TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'offline',
			last_heartbeat INTEGER NOT NULL DEFAULT 0,
			defaults TEXT NOT NULL DEFAULT '{}',
			token TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runners_token ON runners(token);
	`)
	if err != nil {
		return fmt.Errorf("migrate runner store: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new runner record.
func (s *SQLiteStore) Create(ctx context.Context, runner *Runner) error {
	now := time.Now()
	runner.CreatedAt = now
	runner.UpdatedAt = now

	users, caps, defaults, err := encodeRunnerFields(runner)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runners (id, name, owner_id, authorized_users, capabilities,
			status, last_heartbeat, defaults, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runner.ID, runner.Name, runner.OwnerID, users, caps,
		string(runner.Status), runner.LastHeartbeat.UnixMilli(), defaults,
		runner.Token, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create runner: %w", err)
	}
	return nil
}

// Get retrieves a runner by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Runner, error) {
	row := s.db.QueryRowContext(ctx, selectRunner+` WHERE id = ?`, id)
	return scanRunner(row)
}

// GetByToken retrieves the runner holding a shared token.
func (s *SQLiteStore) GetByToken(ctx context.Context, token string) (*Runner, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, selectRunner+` WHERE token = ? LIMIT 1`, token)
	return scanRunner(row)
}

// List returns all runner records.
func (s *SQLiteStore) List(ctx context.Context) ([]*Runner, error) {
	rows, err := s.db.QueryContext(ctx, selectRunner+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var result []*Runner
	for rows.Next() {
		runner, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, runner)
	}
	return result, rows.Err()
}

// Update replaces an existing runner record.
func (s *SQLiteStore) Update(ctx context.Context, runner *Runner) error {
	users, caps, defaults, err := encodeRunnerFields(runner)
	if err != nil {
		return err
	}

	runner.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE runners SET name = ?, owner_id = ?, authorized_users = ?,
			capabilities = ?, status = ?, last_heartbeat = ?, defaults = ?,
			token = ?, updated_at = ?
		WHERE id = ?`,
		runner.Name, runner.OwnerID, users, caps, string(runner.Status),
		runner.LastHeartbeat.UnixMilli(), defaults, runner.Token,
		runner.UpdatedAt.UnixMilli(), runner.ID,
	)
	if err != nil {
		return fmt.Errorf("update runner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a runner record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete runner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectRunner = `
	SELECT id, name, owner_id, authorized_users, capabilities, status,
		last_heartbeat, defaults, token, created_at, updated_at
	FROM runners`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunner(row rowScanner) (*Runner, error) {
	var (
		runner                        Runner
		users, caps, defaults, status string
		heartbeat, created, updated   int64
	)
	err := row.Scan(&runner.ID, &runner.Name, &runner.OwnerID, &users, &caps,
		&status, &heartbeat, &defaults, &runner.Token, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan runner: %w", err)
	}

	runner.Status = Status(status)
	runner.LastHeartbeat = time.UnixMilli(heartbeat)
	runner.CreatedAt = time.UnixMilli(created)
	runner.UpdatedAt = time.UnixMilli(updated)

	if err := json.Unmarshal([]byte(users), &runner.AuthorizedUsers); err != nil {
		return nil, fmt.Errorf("decode authorized users: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &runner.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(defaults), &runner.Defaults); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	return &runner, nil
}

func encodeRunnerFields(runner *Runner) (users, caps, defaults string, err error) {
	u, err := json.Marshal(emptySlice(runner.AuthorizedUsers))
	if err != nil {
		return "", "", "", fmt.Errorf("encode authorized users: %w", err)
	}
	c, err := json.Marshal(emptySlice(runner.Capabilities))
	if err != nil {
		return "", "", "", fmt.Errorf("encode capabilities: %w", err)
	}
	d := runner.Defaults
	if d == nil {
		d = map[string]map[string]string{}
	}
	df, err := json.Marshal(d)
	if err != nil {
		return "", "", "", fmt.Errorf("encode defaults: %w", err)
	}
	return string(u), string(c), string(df), nil
}

func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
