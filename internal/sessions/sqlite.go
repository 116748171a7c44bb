package sessions

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

// SQLiteStore persists session records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a session store at path.
// Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing database handle, migrating the
// session tables. The caller keeps ownership of the handle.
func NewSQLiteStoreFromDB(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			runner_id TEXT NOT NULL,
			channel_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			kind TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			options TEXT NOT NULL DEFAULT '{}',
			creator_id TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			sync_state TEXT NOT NULL DEFAULT '',
			pending_action TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			last_sync_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			ended_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_runner ON sessions(runner_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_external ON sessions(kind, external_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate session store: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new session record.
func (s *SQLiteStore) Create(ctx context.Context, session *Session) error {
	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	options, err := encodeOptions(session.Options)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, runner_id, channel_id, status, kind,
			working_dir, options, creator_id, external_id, sync_state,
			pending_action, message_count, last_sync_at, created_at,
			updated_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.RunnerID, session.ChannelID, string(session.Status),
		session.Kind, session.WorkingDir, options, session.CreatorID,
		session.ExternalID, string(session.SyncState), session.PendingAction,
		session.MessageCount, unixOrZero(session.LastSyncAt),
		now.UnixMilli(), now.UnixMilli(), unixOrZero(session.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get retrieves a session by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE id = ?`, id)
	return scanSession(row)
}

// GetByExternal looks a session up by (kind, externalID). An empty kind
// matches any kind.
func (s *SQLiteStore) GetByExternal(ctx context.Context, kind, externalID string) (*Session, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	if kind == "" {
		row := s.db.QueryRowContext(ctx,
			selectSession+` WHERE external_id = ? LIMIT 1`, externalID)
		return scanSession(row)
	}
	row := s.db.QueryRowContext(ctx,
		selectSession+` WHERE kind = ? AND external_id = ? LIMIT 1`, kind, externalID)
	return scanSession(row)
}

// GetByChannel looks a session up by its transcript-surface id.
func (s *SQLiteStore) GetByChannel(ctx context.Context, channelID string) (*Session, error) {
	if channelID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		selectSession+` WHERE channel_id = ? LIMIT 1`, channelID)
	return scanSession(row)
}

// ListByRunner returns a runner's sessions.
func (s *SQLiteStore) ListByRunner(ctx context.Context, runnerID string, activeOnly bool) ([]*Session, error) {
	query := selectSession + ` WHERE runner_id = ?`
	if activeOnly {
		query += ` AND status = 'active'`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, runnerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// Update replaces an existing session record.
func (s *SQLiteStore) Update(ctx context.Context, session *Session) error {
	options, err := encodeOptions(session.Options)
	if err != nil {
		return err
	}

	session.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET runner_id = ?, channel_id = ?, status = ?,
			kind = ?, working_dir = ?, options = ?, creator_id = ?,
			external_id = ?, sync_state = ?, pending_action = ?,
			message_count = ?, last_sync_at = ?, updated_at = ?, ended_at = ?
		WHERE id = ?`,
		session.RunnerID, session.ChannelID, string(session.Status),
		session.Kind, session.WorkingDir, options, session.CreatorID,
		session.ExternalID, string(session.SyncState), session.PendingAction,
		session.MessageCount, unixOrZero(session.LastSyncAt),
		session.UpdatedAt.UnixMilli(), unixOrZero(session.EndedAt), session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectSession = `
	SELECT id, runner_id, channel_id, status, kind, working_dir, options,
		creator_id, external_id, sync_state, pending_action, message_count,
		last_sync_at, created_at, updated_at, ended_at
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session                           Session
		status, syncState, options        string
		lastSync, created, updated, ended int64
	)
	err := row.Scan(&session.ID, &session.RunnerID, &session.ChannelID,
		&status, &session.Kind, &session.WorkingDir, &options,
		&session.CreatorID, &session.ExternalID, &syncState,
		&session.PendingAction, &session.MessageCount,
		&lastSync, &created, &updated, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.Status = Status(status)
	session.SyncState = SyncState(syncState)
	session.LastSyncAt = timeOrZero(lastSync)
	session.CreatedAt = time.UnixMilli(created)
	session.UpdatedAt = time.UnixMilli(updated)
	session.EndedAt = timeOrZero(ended)

	if err := json.Unmarshal([]byte(options), &session.Options); err != nil {
		return nil, fmt.Errorf("decode session options: %w", err)
	}
	return &session, nil
}

func encodeOptions(options map[string]string) (string, error) {
	if options == nil {
		options = map[string]string{}
	}
	b, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("encode session options: %w", err)
	}
	return string(b), nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
