// Package sessions provides the durable session directory.
//
// The directory is the single source of truth for which sessions exist and
// what state they are in. Sessions are created on user start or on discovery
// during sync, mutated on transitions and option changes, and never hard
// deleted: ending a session only marks it ended.
package sessions

import (
	"context"
	"errors"
	"time"
)

// Status is the directory-level session lifecycle state.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// SyncState is the normalized runner-reported state of a session.
type SyncState string

const (
	SyncRunning     SyncState = "running"
	SyncInputNeeded SyncState = "input_needed"
	SyncIdle        SyncState = "idle"
	SyncError       SyncState = "error"
)

// NormalizeSyncState maps arbitrary runner-reported state strings onto the
// known set, defaulting to idle.
func NormalizeSyncState(s string) SyncState {
	switch SyncState(s) {
	case SyncRunning, SyncInputNeeded, SyncIdle, SyncError:
		return SyncState(s)
	case "busy", "working":
		return SyncRunning
	case "waiting", "blocked":
		return SyncInputNeeded
	case "failed":
		return SyncError
	default:
		return SyncIdle
	}
}

// Session is one logical CLI conversation bound to a transcript surface and
// a runner.
type Session struct {
	// ID is the coordinator-local session identifier.
	ID string `json:"id"`

	// RunnerID is the owning runner.
	RunnerID string `json:"runner_id"`

	// ChannelID is the transcript-surface identifier.
	ChannelID string `json:"channel_id"`

	// Status is the lifecycle status.
	Status Status `json:"status"`

	// Kind is the session kind (which CLI the runner drives).
	Kind string `json:"kind,omitempty"`

	// WorkingDir is the session's working-folder path on the runner host.
	WorkingDir string `json:"working_dir,omitempty"`

	// Options holds per-session option overrides.
	Options map[string]string `json:"options,omitempty"`

	// CreatorID is the user who started the session, if user-started.
	CreatorID string `json:"creator_id,omitempty"`

	// ExternalID is the runner/CLI-local session id, set once known.
	// Together with Kind it is the sync merge key.
	ExternalID string `json:"external_id,omitempty"`

	// SyncState is the last runner-reported state.
	SyncState SyncState `json:"sync_state,omitempty"`

	// PendingAction summarizes what the session is waiting on, if anything.
	PendingAction string `json:"pending_action,omitempty"`

	// MessageCount is the runner-reported transcript length.
	MessageCount int `json:"message_count,omitempty"`

	// LastSyncAt is when the runner last reported on this session.
	LastSyncAt time.Time `json:"last_sync_at,omitzero"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last updated.
	UpdatedAt time.Time `json:"updated_at"`

	// EndedAt is when the session was marked ended.
	EndedAt time.Time `json:"ended_at,omitzero"`
}

// Store errors.
var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyExists = errors.New("session already exists")
)

// Store persists session records.
type Store interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id string) (*Session, error)

	// GetByExternal looks a session up by the sync merge key. An empty
	// kind matches any kind.
	GetByExternal(ctx context.Context, kind, externalID string) (*Session, error)

	// GetByChannel looks a session up by its transcript-surface id.
	GetByChannel(ctx context.Context, channelID string) (*Session, error)

	// ListByRunner returns a runner's sessions, optionally active only.
	ListByRunner(ctx context.Context, runnerID string, activeOnly bool) ([]*Session, error)

	Update(ctx context.Context, session *Session) error
}
