// Package protocol defines the JSON message protocol spoken between the
// coordinator and runner agents over a persistent websocket connection.
//
// Every frame is an envelope of the form:
//
//	{"type": "<kind>", "data": {...}}
//
// Each kind has a typed payload struct, decoded and validated at the
// boundary. Frames that fail to parse into a known variant are logged and
// ignored by the router; they are never fatal to the connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the message variant carried by an envelope.
type Kind string

// Runner -> coordinator kinds.
const (
	KindRegister         Kind = "register"
	KindHeartbeat        Kind = "heartbeat"
	KindApprovalRequest  Kind = "approval_request"
	KindOutput           Kind = "output"
	KindActionItem       Kind = "action_item"
	KindMetadata         Kind = "metadata"
	KindSessionReady     Kind = "session_ready"
	KindStatus           Kind = "status"
	KindSyncProjectsResp Kind = "sync_projects_response"
	KindSyncSessionsResp Kind = "sync_sessions_response"
	KindSyncDiscovered   Kind = "sync_session_discovered"
	KindSyncUpdated      Kind = "sync_session_updated"
	KindSyncStatusResp   Kind = "sync_status_response"
)

// Coordinator -> runner kinds.
const (
	KindRegistered         Kind = "registered"
	KindError              Kind = "error"
	KindApprovalResponse   Kind = "approval_response"
	KindPermissionDecision Kind = "permission_decision"
	KindSessionStart       Kind = "session_start"
	KindSessionEnd         Kind = "session_end"
	KindSyncProjectsReq    Kind = "sync_projects_request"
	KindSyncSessionsReq    Kind = "sync_sessions_request"
	KindSyncStatusReq      Kind = "sync_status_request"
)

// Common decode errors.
var (
	ErrEmptyKind   = errors.New("message has no type")
	ErrUnknownKind = errors.New("unknown message kind")
)

// Envelope is the wire form of every protocol message.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Register is the first frame a runner must send after opening its transport.
type Register struct {
	RunnerID     string            `json:"runnerId"`
	Name         string            `json:"name,omitempty"`
	Token        string            `json:"token"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Version      string            `json:"version,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	RunnerID          string `json:"runnerId"`
	Reclaimed         bool   `json:"reclaimed,omitempty"`
	HeartbeatInterval int    `json:"heartbeatIntervalSeconds,omitempty"`
}

// ErrorMessage reports a protocol-level failure to the peer.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Heartbeat refreshes runner liveness.
type Heartbeat struct {
	RunnerID       string `json:"runnerId"`
	ActiveSessions int    `json:"activeSessions,omitempty"`
}

// ApprovalRequest asks whether a proposed tool action may proceed.
type ApprovalRequest struct {
	RequestID   string          `json:"requestId"`
	RunnerID    string          `json:"runnerId"`
	SessionID   string          `json:"sessionId"`
	Tool        string          `json:"tool"`
	Input       json.RawMessage `json:"input,omitempty"`
	Suggestions json.RawMessage `json:"suggestions,omitempty"`
	IsQuestion  bool            `json:"isQuestion,omitempty"`
	IsPlan      bool            `json:"isPlan,omitempty"`
	BlockedPath string          `json:"blockedPath,omitempty"`
	BlockedWhy  string          `json:"blockedReason,omitempty"`
}

// ApprovalResponse carries a user decision back to the runner.
type ApprovalResponse struct {
	RequestID string          `json:"requestId"`
	SessionID string          `json:"sessionId,omitempty"`
	Approved  bool            `json:"approved"`
	Scope     string          `json:"scope,omitempty"`
	Answer    string          `json:"answer,omitempty"`
	Updates   json.RawMessage `json:"updatedInput,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// PermissionDecision asks a runner to re-issue or finalize a permission
// prompt whose coordinator-side context was lost.
type PermissionDecision struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	Reissue   bool   `json:"reissue,omitempty"`
	Approved  bool   `json:"approved,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

// OutputKind tags a chunk of streamed program output.
type OutputKind string

const (
	OutputText     OutputKind = "text"
	OutputThinking OutputKind = "thinking"
	OutputToolUse  OutputKind = "tool_use"
	OutputResult   OutputKind = "result"
	OutputStderr   OutputKind = "stderr"
)

// Output carries incrementally delivered program output. Runners may resend
// their full accumulated text each event rather than only the new bytes.
type Output struct {
	RunnerID   string     `json:"runnerId"`
	SessionID  string     `json:"sessionId"`
	Kind       OutputKind `json:"outputKind"`
	Text       string     `json:"text"`
	IsComplete bool       `json:"isComplete,omitempty"`
}

// ActionItem reports a pending item requiring user attention.
type ActionItem struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Detail    string `json:"detail,omitempty"`
}

// Metadata reports session-level metadata updates (model, cwd, cost).
type Metadata struct {
	RunnerID  string            `json:"runnerId"`
	SessionID string            `json:"sessionId"`
	Fields    map[string]string `json:"fields"`
}

// SessionReady signals that a runner finished starting a session.
type SessionReady struct {
	RunnerID          string `json:"runnerId"`
	SessionID         string `json:"sessionId"`
	ExternalSessionID string `json:"externalSessionId,omitempty"`
}

// Status reports a runner-side session status transition.
type Status struct {
	RunnerID  string `json:"runnerId"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Detail    string `json:"detail,omitempty"`
}

// SessionStart instructs a runner to begin a session.
type SessionStart struct {
	SessionID         string            `json:"sessionId"`
	Kind              string            `json:"kind,omitempty"`
	WorkingDir        string            `json:"workingDir,omitempty"`
	ExternalSessionID string            `json:"externalSessionId,omitempty"`
	Options           map[string]string `json:"options,omitempty"`
}

// SessionEnd instructs a runner to terminate a session.
type SessionEnd struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SyncProjectsRequest asks a runner for its known project list.
type SyncProjectsRequest struct {
	SyncID string `json:"syncId"`
}

// SyncSessionsRequest asks a runner for the sessions of one project.
type SyncSessionsRequest struct {
	SyncID      string `json:"syncId"`
	ProjectPath string `json:"projectPath"`
}

// SyncStatusRequest asks a runner for the status of one external session.
type SyncStatusRequest struct {
	SyncID            string `json:"syncId"`
	ExternalSessionID string `json:"externalSessionId"`
}

// SyncProjectsResponse lists the project paths known to a runner.
type SyncProjectsResponse struct {
	RunnerID string   `json:"runnerId"`
	SyncID   string   `json:"syncId"`
	Projects []string `json:"projects"`
}

// SyncedSession is one runner-local session as reported during sync.
type SyncedSession struct {
	ExternalSessionID string `json:"externalSessionId"`
	Kind              string `json:"kind,omitempty"`
	ProjectPath       string `json:"projectPath"`
	State             string `json:"state"`
	PendingAction     string `json:"pendingAction,omitempty"`
	MessageCount      int    `json:"messageCount,omitempty"`
}

// SyncSessionsResponse is the bulk session list for one project.
type SyncSessionsResponse struct {
	RunnerID    string          `json:"runnerId"`
	SyncID      string          `json:"syncId"`
	ProjectPath string          `json:"projectPath"`
	Sessions    []SyncedSession `json:"sessions"`
}

// SyncSessionEvent is a push-style discovery or update for one session.
type SyncSessionEvent struct {
	RunnerID string        `json:"runnerId"`
	Session  SyncedSession `json:"session"`
}

// SyncStatusResponse answers a SyncStatusRequest.
type SyncStatusResponse struct {
	RunnerID          string `json:"runnerId"`
	SyncID            string `json:"syncId"`
	ExternalSessionID string `json:"externalSessionId"`
	State             string `json:"state"`
}

// Encode marshals a payload into an envelope ready for the wire.
func Encode(kind Kind, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: kind, Data: raw})
}

// Decode parses a wire frame into its envelope and typed payload. The second
// return value is the decoded payload struct for known kinds; callers switch
// on the concrete type. Unknown kinds return ErrUnknownKind with the envelope
// still populated so the router can log the offending type.
func Decode(frame []byte) (*Envelope, any, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return &env, nil, ErrEmptyKind
	}

	payload, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return &env, nil, err
	}
	return &env, payload, nil
}

func decodePayload(kind Kind, data json.RawMessage) (any, error) {
	unmarshal := func(v any) (any, error) {
		if len(data) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(data, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return v, nil
	}

	switch kind {
	case KindRegister:
		return unmarshal(&Register{})
	case KindRegistered:
		return unmarshal(&Registered{})
	case KindError:
		return unmarshal(&ErrorMessage{})
	case KindHeartbeat:
		return unmarshal(&Heartbeat{})
	case KindApprovalRequest:
		return unmarshal(&ApprovalRequest{})
	case KindApprovalResponse:
		return unmarshal(&ApprovalResponse{})
	case KindPermissionDecision:
		return unmarshal(&PermissionDecision{})
	case KindOutput:
		return unmarshal(&Output{})
	case KindActionItem:
		return unmarshal(&ActionItem{})
	case KindMetadata:
		return unmarshal(&Metadata{})
	case KindSessionReady:
		return unmarshal(&SessionReady{})
	case KindStatus:
		return unmarshal(&Status{})
	case KindSessionStart:
		return unmarshal(&SessionStart{})
	case KindSessionEnd:
		return unmarshal(&SessionEnd{})
	case KindSyncProjectsReq:
		return unmarshal(&SyncProjectsRequest{})
	case KindSyncSessionsReq:
		return unmarshal(&SyncSessionsRequest{})
	case KindSyncStatusReq:
		return unmarshal(&SyncStatusRequest{})
	case KindSyncProjectsResp:
		return unmarshal(&SyncProjectsResponse{})
	case KindSyncSessionsResp:
		return unmarshal(&SyncSessionsResponse{})
	case KindSyncDiscovered, KindSyncUpdated:
		return unmarshal(&SyncSessionEvent{})
	case KindSyncStatusResp:
		return unmarshal(&SyncStatusResponse{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
