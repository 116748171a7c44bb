// Package router dispatches runner-originated protocol messages to the
// components that own them.
//
// Protocol-level failures are contained here: malformed payloads, unknown
// kinds, and events referencing unknown sessions are logged (and, for
// approvals, answered negatively) without ever crashing the dispatch path.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/approvals"
	"github.com/haasonsaas/relay/internal/dedupe"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/protocol"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/stream"
	"github.com/haasonsaas/relay/internal/surface"
	"github.com/haasonsaas/relay/internal/syncer"
)

// Sender delivers protocol messages back to a connected runner.
type Sender interface {
	Send(runnerID string, kind protocol.Kind, payload any) error
}

// Router fans inbound runner messages out to the session directory, the
// approval service, the sync reconciler, and the output assembler.
type Router struct {
	sessions  sessions.Store
	approvals *approvals.Service
	syncer    *syncer.Reconciler
	assembler *stream.Assembler
	surface   surface.Surface
	sender    Sender
	seen      *dedupe.Window
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// New wires the router.
func New(
	store sessions.Store,
	approvalSvc *approvals.Service,
	reconciler *syncer.Reconciler,
	assembler *stream.Assembler,
	surf surface.Surface,
	sender Sender,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Router {
	return &Router{
		sessions:  store,
		approvals: approvalSvc,
		syncer:    reconciler,
		assembler: assembler,
		surface:   surf,
		sender:    sender,
		seen:      dedupe.NewWindow(dedupe.Options{TTL: 5 * time.Minute}),
		metrics:   metrics,
		logger:    logger.With("component", "router"),
	}
}

// Dispatch routes one decoded inbound message. It is the registry server's
// inbound handler.
func (r *Router) Dispatch(ctx context.Context, runnerID string, env *protocol.Envelope, payload any) {
	r.metrics.MessageCounter.WithLabelValues(string(env.Type), "inbound").Inc()

	var err error
	switch p := payload.(type) {
	case *protocol.ApprovalRequest:
		err = r.onApprovalRequest(ctx, runnerID, p)
	case *protocol.Output:
		err = r.onOutput(ctx, p)
	case *protocol.ActionItem:
		err = r.onActionItem(ctx, p)
	case *protocol.Metadata:
		err = r.onMetadata(ctx, p)
	case *protocol.SessionReady:
		err = r.onSessionReady(ctx, p)
	case *protocol.Status:
		err = r.onStatus(ctx, p)
	case *protocol.SyncProjectsResponse:
		r.syncer.OnResponse(p.SyncID, p)
	case *protocol.SyncSessionsResponse:
		r.syncer.OnResponse(p.SyncID, p)
	case *protocol.SyncStatusResponse:
		r.syncer.OnResponse(p.SyncID, p)
	case *protocol.SyncSessionEvent:
		err = r.syncer.OnSessionEvent(ctx, p)
	case *protocol.ErrorMessage:
		r.logger.Warn("runner reported error", "runner_id", runnerID, "message", p.Message)
	default:
		r.logger.Warn("ignoring message of unhandled kind",
			"runner_id", runnerID, "kind", env.Type)
	}

	if err != nil {
		r.metrics.ErrorCounter.WithLabelValues("router", string(env.Type)).Inc()
		r.logger.Error("inbound message handling failed",
			"runner_id", runnerID, "kind", env.Type, "error", err)
	}
}

// HandleDecision forwards a user control interaction to the approval service.
func (r *Router) HandleDecision(ctx context.Context, d surface.Decision) error {
	return r.approvals.HandleDecision(ctx, d)
}

func (r *Router) onApprovalRequest(ctx context.Context, runnerID string, req *protocol.ApprovalRequest) error {
	key := "approval:" + req.RequestID
	if r.seen.Seen(key) {
		r.logger.Debug("suppressing duplicate approval request", "request_id", req.RequestID)
		return nil
	}
	if req.RunnerID == "" {
		req.RunnerID = runnerID
	}

	session, err := r.resolveSession(ctx, req.SessionID)
	if err != nil {
		// Never drop silently: the runner is blocked waiting on this.
		reason := fmt.Sprintf("unknown session %s", req.SessionID)
		if sendErr := r.sender.Send(req.RunnerID, protocol.KindApprovalResponse, &protocol.ApprovalResponse{
			RequestID: req.RequestID,
			SessionID: req.SessionID,
			Approved:  false,
			Reason:    reason,
		}); sendErr != nil {
			r.seen.Forget(key)
			return fmt.Errorf("deny unroutable approval %s: %w", req.RequestID, sendErr)
		}
		r.logger.Warn("denied approval for unknown session",
			"request_id", req.RequestID, "session_id", req.SessionID)
		return nil
	}

	if err := r.approvals.OnApprovalRequest(ctx, req, session.ChannelID, session.CreatorID); err != nil {
		// Unmark the request so the runner's replay gets a fresh attempt
		// at rendering the prompt.
		r.seen.Forget(key)
		return err
	}
	return nil
}

func (r *Router) onOutput(ctx context.Context, out *protocol.Output) error {
	session, err := r.resolveSession(ctx, out.SessionID)
	if err != nil {
		r.logger.Debug("dropping output for unknown session", "session_id", out.SessionID)
		return nil
	}
	if session.ChannelID == "" {
		// Discovered but not yet attached to a transcript channel.
		return nil
	}
	return r.assembler.OnOutput(ctx, out, session.ChannelID)
}

func (r *Router) onActionItem(ctx context.Context, item *protocol.ActionItem) error {
	session, err := r.resolveSession(ctx, item.SessionID)
	if err != nil || session.ChannelID == "" {
		return nil
	}
	content := "**Action needed:** " + item.Title
	if item.Detail != "" {
		content += "\n" + item.Detail
	}
	if _, err := r.surface.PostMessage(ctx, session.ChannelID, content); err != nil {
		return fmt.Errorf("post action item: %w", err)
	}
	return nil
}

func (r *Router) onMetadata(ctx context.Context, meta *protocol.Metadata) error {
	session, err := r.resolveSession(ctx, meta.SessionID)
	if err != nil {
		return nil
	}
	if session.Options == nil {
		session.Options = make(map[string]string, len(meta.Fields))
	}
	for k, v := range meta.Fields {
		session.Options[k] = v
	}
	return r.sessions.Update(ctx, session)
}

func (r *Router) onSessionReady(ctx context.Context, ready *protocol.SessionReady) error {
	session, err := r.resolveSession(ctx, ready.SessionID)
	if err != nil {
		return nil
	}
	if ready.ExternalSessionID != "" {
		session.ExternalID = ready.ExternalSessionID
	}
	session.SyncState = sessions.SyncIdle
	if err := r.sessions.Update(ctx, session); err != nil {
		return err
	}
	if session.ChannelID != "" {
		if _, err := r.surface.PostMessage(ctx, session.ChannelID, "Session is ready."); err != nil {
			r.logger.Warn("failed to announce session readiness",
				"session_id", session.ID, "error", err)
		}
	}
	return nil
}

func (r *Router) onStatus(ctx context.Context, status *protocol.Status) error {
	session, err := r.resolveSession(ctx, status.SessionID)
	if err != nil {
		return nil
	}
	session.SyncState = sessions.NormalizeSyncState(status.State)
	session.PendingAction = status.Detail
	session.LastSyncAt = time.Now()
	return r.sessions.Update(ctx, session)
}

// resolveSession looks a runner-referenced session id up in the directory,
// accepting either the coordinator-local id or an external id the reconciler
// has materialized.
func (r *Router) resolveSession(ctx context.Context, sessionID string) (*sessions.Session, error) {
	if sessionID == "" {
		return nil, sessions.ErrNotFound
	}
	session, err := r.sessions.Get(ctx, sessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sessions.ErrNotFound) {
		return nil, err
	}
	if session, extErr := r.sessions.GetByExternal(ctx, "", sessionID); extErr == nil {
		return session, nil
	}
	return nil, err
}
