// Package controlid encodes interactive-control identifiers that survive
// coordinator restarts.
//
// A control identifier packs (action, requestId, runnerId, sessionId) into a
// single delimiter-joined ASCII string. It is the only persisted reference to
// in-flight approval context for controls rendered before a restart, so it
// must remain decodable after arbitrary process restarts.
package controlid

import (
	"errors"
	"fmt"
	"strings"
)

// Delimiter joins the encoded fields. The session id is always last and may
// itself contain the delimiter; decoding gives it the remainder.
const Delimiter = ":"

// MaxLength is the identifier length ceiling imposed by the host surface.
const MaxLength = 100

// ErrMalformed reports an identifier that cannot be decoded.
var ErrMalformed = errors.New("malformed control id")

// ID is the decoded form of a control identifier.
type ID struct {
	Action    string
	RequestID string
	RunnerID  string
	SessionID string
}

// Encode packs the 4-tuple into one bounded-length string. Action and
// request id are required for correctness and are never truncated; when the
// naive encoding exceeds MaxLength, the runner and session ids are truncated
// evenly to fit.
func Encode(id ID) string {
	action := sanitize(id.Action)
	requestID := sanitize(id.RequestID)
	runnerID := sanitize(id.RunnerID)
	sessionID := id.SessionID // remainder field, delimiter allowed

	overhead := len(action) + len(requestID) + 3*len(Delimiter)
	budget := MaxLength - overhead
	if budget < 0 {
		budget = 0
	}

	if len(runnerID)+len(sessionID) > budget {
		runnerID, sessionID = truncateEvenly(runnerID, sessionID, budget)
	}

	return action + Delimiter + requestID + Delimiter + runnerID + Delimiter + sessionID
}

// Decode parses a control identifier. It also accepts the legacy
// underscore-joined "action_requestId" format emitted by already-rendered
// controls from earlier protocol iterations.
func Decode(raw string) (ID, error) {
	if raw == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrMalformed)
	}

	if strings.Contains(raw, Delimiter) {
		parts := strings.SplitN(raw, Delimiter, 4)
		if len(parts) != 4 {
			return ID{}, fmt.Errorf("%w: %d fields", ErrMalformed, len(parts))
		}
		if parts[0] == "" || parts[1] == "" {
			return ID{}, fmt.Errorf("%w: missing action or request id", ErrMalformed)
		}
		return ID{
			Action:    parts[0],
			RequestID: parts[1],
			RunnerID:  parts[2],
			SessionID: parts[3],
		}, nil
	}

	// Legacy format: action_requestId. Actions never contain underscores in
	// that scheme, so the first underscore is the separator.
	idx := strings.Index(raw, "_")
	if idx <= 0 || idx == len(raw)-1 {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformed, raw)
	}
	return ID{
		Action:    raw[:idx],
		RequestID: raw[idx+1:],
	}, nil
}

// truncateEvenly shrinks both ids so their combined length fits budget,
// taking the reduction from each as evenly as possible.
func truncateEvenly(runnerID, sessionID string, budget int) (string, string) {
	total := len(runnerID) + len(sessionID)
	excess := total - budget
	if excess <= 0 {
		return runnerID, sessionID
	}

	cutRunner := excess / 2
	cutSession := excess - cutRunner

	// Give back slack when one field is too short to absorb its share.
	if cutRunner > len(runnerID) {
		cutSession += cutRunner - len(runnerID)
		cutRunner = len(runnerID)
	}
	if cutSession > len(sessionID) {
		cutRunner += cutSession - len(sessionID)
		cutSession = len(sessionID)
		if cutRunner > len(runnerID) {
			cutRunner = len(runnerID)
		}
	}

	return runnerID[:len(runnerID)-cutRunner], sessionID[:len(sessionID)-cutSession]
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, Delimiter, "-")
}
