// Package runners provides the durable runner registry.
//
// A runner record is the persistent identity of a remote agent process. The
// live transport attached to it is ephemeral and owned by the connection
// registry; everything else references runners by id.
//
// At most one online runner may hold a given shared token. An offline
// runner's identity may be reclaimed by a newly connecting instance
// presenting the same token, which happens when a runner redeploys with a
// fresh instance id.
package runners

import (
	"context"
	"errors"
	"time"
)

// Status represents runner availability.
type Status string

const (
	// StatusOnline means the runner has a live transport.
	StatusOnline Status = "online"

	// StatusOffline means the runner is known but disconnected.
	StatusOffline Status = "offline"
)

// Runner is a registered remote agent.
type Runner struct {
	// ID is the unique runner identifier.
	ID string `json:"id"`

	// Name is the human-readable name.
	Name string `json:"name"`

	// OwnerID is the user who issued the runner's token.
	OwnerID string `json:"owner_id"`

	// AuthorizedUsers may interact with this runner's sessions.
	AuthorizedUsers []string `json:"authorized_users,omitempty"`

	// Capabilities declared at registration (session kinds it can run).
	Capabilities []string `json:"capabilities,omitempty"`

	// Status is the current availability.
	Status Status `json:"status"`

	// LastHeartbeat is when the runner last proved liveness.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// Defaults holds per-capability default session options.
	Defaults map[string]map[string]string `json:"defaults,omitempty"`

	// Token is the shared secret presented at registration.
	Token string `json:"-"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Authorized reports whether userID may act on this runner.
func (r *Runner) Authorized(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == r.OwnerID {
		return true
	}
	for _, id := range r.AuthorizedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Store errors.
var (
	ErrNotFound      = errors.New("runner not found")
	ErrAlreadyExists = errors.New("runner already exists")
)

// Store persists runner records.
type Store interface {
	Create(ctx context.Context, runner *Runner) error
	Get(ctx context.Context, id string) (*Runner, error)
	GetByToken(ctx context.Context, token string) (*Runner, error)
	List(ctx context.Context) ([]*Runner, error)
	Update(ctx context.Context, runner *Runner) error
	Delete(ctx context.Context, id string) error
}
