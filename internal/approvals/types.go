// Package approvals tracks the tool-approval request lifecycle.
//
// A permission request is born when a runner asks whether a proposed action
// may proceed, lives while its prompt is rendered on the surface, and dies
// exactly once: completion is idempotent, and replayed decisions for a
// completed request are a no-op rather than an error.
//
// Controls rendered on the surface encode (action, requestId, runnerId,
// sessionId) in their identifier, which lets the service reconstruct a
// minimal request after total in-memory state loss. An unresolvable control
// must never apply a wrong decision: only the stored or reconstructed one,
// or an explicit "expired, re-requesting" degradation.
package approvals

import (
	"encoding/json"
	"time"
)

// Scope is the breadth of an approval.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeProject Scope = "project"
	ScopeGlobal  Scope = "global"
)

// NextScope advances the session -> project -> global -> session cycle.
func NextScope(s Scope) Scope {
	switch s {
	case ScopeSession:
		return ScopeProject
	case ScopeProject:
		return ScopeGlobal
	default:
		return ScopeSession
	}
}

// Control actions encoded into control identifiers.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
	ActionScope   = "scope"
)

// RequestStatus is the lifecycle state of a permission request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
)

// Request is one outstanding tool-approval request.
type Request struct {
	// ID is the runner-assigned request identifier.
	ID string

	// SessionID is the owning coordinator-local session.
	SessionID string

	// RunnerID is the owning runner.
	RunnerID string

	// Tool is the action name awaiting approval.
	Tool string

	// Input is the normalized tool input.
	Input json.RawMessage

	// Suggestions are runner-suggested input deltas.
	Suggestions json.RawMessage

	// IsQuestion marks a free-text question prompt.
	IsQuestion bool

	// IsPlan marks a plan-approval prompt.
	IsPlan bool

	// Scope is the currently selected approval scope.
	Scope Scope

	// BlockedPath and BlockedReason describe a blocked filesystem access.
	BlockedPath   string
	BlockedReason string

	// CreatedAt is when the request was received.
	CreatedAt time.Time

	// ChannelID and MessageID locate the rendered prompt on the surface.
	ChannelID string
	MessageID string

	// Status is pending or completed.
	Status RequestStatus

	// CompletedAt is when the request reached a terminal state.
	CompletedAt time.Time

	// Reconstructed marks a request rebuilt from a control identifier
	// after in-memory state loss.
	Reconstructed bool
}
