// Package stream assembles incrementally delivered program output into
// size-bounded display units on the surface.
//
// Rapid incremental output renders as one live-updating unit (edits, not new
// messages). Runners may resend their full accumulated text per event; the
// assembler detects prefix extension and appends only the delta, which keeps
// splitting correct under overlapping resends.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/protocol"
	"github.com/haasonsaas/relay/internal/surface"
)

// IdleTimeout is how long an open unit may sit without updates before the
// next event opens a fresh unit.
const IdleTimeout = 10 * time.Second

// unit is the streaming state for one session's open display unit.
type unit struct {
	messageID  string
	channelID  string
	kind       protocol.OutputKind
	lastUpdate time.Time

	// display is the text currently rendered in the open unit.
	display string

	// accumulated is the full upstream text seen for the current output
	// block. It survives unit splits so later full-text resends still
	// compute the right delta; it is cleared on completion or kind change.
	accumulated string
}

// Assembler converts output events into surface display units.
type Assembler struct {
	surface surface.Surface
	metrics *observability.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	units map[string]*unit

	now func() time.Time
}

// NewAssembler wires the output assembler.
func NewAssembler(surf surface.Surface, metrics *observability.Metrics, logger *slog.Logger) *Assembler {
	return &Assembler{
		surface: surf,
		metrics: metrics,
		logger:  logger.With("component", "stream"),
		units:   make(map[string]*unit),
		now:     time.Now,
	}
}

// OnOutput folds one output event into the session's display unit in the
// given transcript channel.
func (a *Assembler) OnOutput(ctx context.Context, out *protocol.Output, channelID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	u := a.units[out.SessionID]

	// Rotate the unit when the kind changes or the open unit went idle. A
	// kind change starts a new output block, so accumulated-text tracking
	// resets; an idle rotation keeps it, since the runner may still resend
	// the same block's full text.
	if u != nil {
		switch {
		case u.kind != out.Kind:
			a.finalize(out.SessionID, "kind_change")
			u = nil
		case a.now().Sub(u.lastUpdate) > IdleTimeout:
			carried := u.accumulated
			a.finalize(out.SessionID, "timeout")
			u = &unit{channelID: channelID, kind: out.Kind, accumulated: carried}
			a.units[out.SessionID] = u
		}
	}

	if u == nil {
		u = &unit{channelID: channelID, kind: out.Kind}
		a.units[out.SessionID] = u
	}

	u.display += a.delta(u, out.Text)
	u.lastUpdate = a.now()

	if err := a.render(ctx, out.SessionID, u); err != nil {
		return err
	}

	if out.IsComplete {
		a.finalize(out.SessionID, "complete")
	}
	return nil
}

// delta computes the new bytes this event contributes, updating the unit's
// accumulated-text tracking.
func (a *Assembler) delta(u *unit, text string) string {
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, u.accumulated) {
		d := text[len(u.accumulated):]
		u.accumulated = text
		return d
	}
	// Not a resend of the block so far: treat as a pure increment.
	u.accumulated += text
	return text
}

// render pushes the unit's display buffer to the surface, splitting into
// fresh units while the buffer exceeds the soft limit. Callers hold a.mu.
func (a *Assembler) render(ctx context.Context, sessionID string, u *unit) error {
	for len(u.display) > SoftLimit {
		// The split is exact: the head ends at the cut and the remainder
		// starts there, so the finalized units concatenate back to the
		// full text byte for byte.
		cut := splitPoint(u.display)
		head := u.display[:cut]
		rest := u.display[cut:]

		if err := a.flush(ctx, u, head); err != nil {
			return err
		}
		a.metrics.StreamUnitsFinalized.WithLabelValues("split").Inc()

		// Continue in a fresh unit; accumulated tracking carries over so
		// later full-text resends still diff correctly.
		u.messageID = ""
		u.display = rest
	}

	if u.display == "" {
		return nil
	}
	return a.flush(ctx, u, u.display)
}

// flush posts or edits the unit's surface message.
func (a *Assembler) flush(ctx context.Context, u *unit, content string) error {
	if u.messageID == "" {
		id, err := a.surface.PostMessage(ctx, u.channelID, content)
		if err != nil {
			a.metrics.ErrorCounter.WithLabelValues("stream", "post").Inc()
			return fmt.Errorf("post display unit: %w", err)
		}
		u.messageID = id
		return nil
	}
	if err := a.surface.EditMessage(ctx, u.channelID, u.messageID, content); err != nil {
		a.metrics.ErrorCounter.WithLabelValues("stream", "edit").Inc()
		return fmt.Errorf("edit display unit %s: %w", u.messageID, err)
	}
	return nil
}

// finalize closes the session's open unit. Callers hold a.mu.
func (a *Assembler) finalize(sessionID, reason string) {
	if _, ok := a.units[sessionID]; !ok {
		return
	}
	delete(a.units, sessionID)
	a.metrics.StreamUnitsFinalized.WithLabelValues(reason).Inc()
	a.logger.Debug("display unit finalized", "session_id", sessionID, "reason", reason)
}

// Clear drops any open unit for a session, e.g. when the session ends.
func (a *Assembler) Clear(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalize(sessionID, "complete")
}

// Open reports whether a session currently has an open display unit.
func (a *Assembler) Open(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.units[sessionID]
	return ok
}
