package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/relay/internal/controlid"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/protocol"
	"github.com/haasonsaas/relay/internal/runners"
	"github.com/haasonsaas/relay/internal/surface"
)

// Sender delivers protocol messages to a connected runner. The connection
// registry satisfies this.
type Sender interface {
	Send(runnerID string, kind protocol.Kind, payload any) error
}

// RunnerLookup answers whether a runner identity is known, independent of
// whether it is currently connected.
type RunnerLookup interface {
	Get(ctx context.Context, id string) (*runners.Runner, error)
}

// Service renders approval prompts and resolves user decisions, including
// decisions arriving after the coordinator lost its in-memory request state.
type Service struct {
	store   *Store
	runners RunnerLookup
	sender  Sender
	surface surface.Surface
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService wires the approval service.
func NewService(store *Store, lookup RunnerLookup, sender Sender, surf surface.Surface, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		runners: lookup,
		sender:  sender,
		surface: surf,
		metrics: metrics,
		logger:  logger.With("component", "approvals"),
	}
}

// OnApprovalRequest stores an incoming request and renders its prompt in the
// given transcript channel. A replayed request id for a still-pending request
// refreshes the stored copy without posting a second prompt.
func (s *Service) OnApprovalRequest(ctx context.Context, req *protocol.ApprovalRequest, channelID, userID string) error {
	if existing, ok := s.store.Get(req.RequestID); ok && existing.Status == StatusPending && existing.MessageID != "" {
		s.logger.Debug("duplicate approval request, prompt already rendered",
			"request_id", req.RequestID, "runner_id", req.RunnerID)
		return nil
	}

	stored := &Request{
		ID:            req.RequestID,
		SessionID:     req.SessionID,
		RunnerID:      req.RunnerID,
		Tool:          req.Tool,
		Input:         req.Input,
		Suggestions:   req.Suggestions,
		IsQuestion:    req.IsQuestion,
		IsPlan:        req.IsPlan,
		Scope:         s.store.DefaultScope(userID),
		BlockedPath:   req.BlockedPath,
		BlockedReason: req.BlockedWhy,
		ChannelID:     channelID,
	}
	s.store.Save(stored)

	messageID, err := s.surface.PostPrompt(ctx, channelID, s.promptContent(stored), s.controls(stored))
	if err != nil {
		s.metrics.ErrorCounter.WithLabelValues("approvals", "render").Inc()
		return fmt.Errorf("render approval prompt %s: %w", req.RequestID, err)
	}
	s.store.UpdateRendering(req.RequestID, channelID, messageID)

	s.logger.Info("approval prompt rendered",
		"request_id", req.RequestID,
		"runner_id", req.RunnerID,
		"session_id", req.SessionID,
		"tool", req.Tool)
	return nil
}

// HandleDecision resolves a control interaction against a rendered prompt.
//
// Resolution order:
//  1. the stored request, when present;
//  2. a request reconstructed from the control identifier, when the named
//     runner is still known;
//  3. asking the runner to re-issue the prompt, when the identifier predates
//     session-aware encoding;
//  4. an explicit expired notice, only when the runner itself is unknown.
func (s *Service) HandleDecision(ctx context.Context, d surface.Decision) error {
	id, err := controlid.Decode(d.ControlID)
	if err != nil {
		s.metrics.ApprovalCounter.WithLabelValues("expired").Inc()
		s.notifyExpired(ctx, d)
		return fmt.Errorf("decode control id %q: %w", d.ControlID, err)
	}

	req, ok := s.store.Get(id.RequestID)
	if !ok {
		req, err = s.recover(ctx, id, d)
		if err != nil {
			return err
		}
		if req == nil {
			// Recovery already answered the user (re-issue or expired).
			return nil
		}
	}

	if req.Status == StatusCompleted {
		s.logger.Debug("decision replayed for completed request", "request_id", req.ID)
		return nil
	}

	switch id.Action {
	case ActionScope:
		return s.cycleScope(ctx, req, d)
	case ActionApprove:
		return s.resolve(ctx, req, d, true)
	case ActionDeny:
		return s.resolve(ctx, req, d, false)
	default:
		return fmt.Errorf("%w: action %q", controlid.ErrMalformed, id.Action)
	}
}

// recover rebuilds approval context after in-memory loss. It returns a
// reconstructed request when a full decision can proceed, or nil after it has
// handled the decision by degraded means.
func (s *Service) recover(ctx context.Context, id controlid.ID, d surface.Decision) (*Request, error) {
	if id.RunnerID == "" {
		s.metrics.ApprovalCounter.WithLabelValues("expired").Inc()
		s.notifyExpired(ctx, d)
		return nil, nil
	}

	if _, err := s.runners.Get(ctx, id.RunnerID); err != nil {
		if errors.Is(err, runners.ErrNotFound) {
			s.metrics.ApprovalCounter.WithLabelValues("expired").Inc()
			s.notifyExpired(ctx, d)
			return nil, nil
		}
		return nil, fmt.Errorf("look up runner %s: %w", id.RunnerID, err)
	}

	if id.SessionID == "" {
		// Legacy identifier without session context. The runner still holds
		// the authoritative request, so ask it to re-issue the prompt.
		if err := s.sender.Send(id.RunnerID, protocol.KindPermissionDecision, &protocol.PermissionDecision{
			RequestID: id.RequestID,
			Reissue:   true,
		}); err != nil {
			s.metrics.ApprovalCounter.WithLabelValues("expired").Inc()
			s.notifyExpired(ctx, d)
			return nil, nil
		}
		s.metrics.ApprovalCounter.WithLabelValues("recovered").Inc()
		s.disablePrompt(ctx, d, "This prompt expired; a fresh one has been requested.")
		s.logger.Info("requested prompt re-issue after state loss",
			"request_id", id.RequestID, "runner_id", id.RunnerID)
		return nil, nil
	}

	req := &Request{
		ID:            id.RequestID,
		SessionID:     id.SessionID,
		RunnerID:      id.RunnerID,
		Scope:         s.store.DefaultScope(d.UserID),
		ChannelID:     d.ChannelID,
		MessageID:     d.MessageID,
		Reconstructed: true,
	}
	s.store.Save(req)
	s.metrics.ApprovalCounter.WithLabelValues("recovered").Inc()
	s.logger.Info("reconstructed approval request from control id",
		"request_id", id.RequestID,
		"runner_id", id.RunnerID,
		"session_id", id.SessionID)
	return req, nil
}

// resolve forwards the decision to the runner and finalizes the prompt. The
// completion claim happens before delivery so that concurrent decisions for
// one request dispatch at most one response.
func (s *Service) resolve(ctx context.Context, req *Request, d surface.Decision, approved bool) error {
	if !s.store.Complete(req.ID) {
		// Lost the race with a concurrent decision for the same request;
		// that decision owns delivery and finalization.
		s.logger.Debug("decision lost completion race", "request_id", req.ID)
		return nil
	}

	resp := &protocol.ApprovalResponse{
		RequestID: req.ID,
		SessionID: req.SessionID,
		Approved:  approved,
		Answer:    d.Answer,
	}
	if approved {
		resp.Scope = string(req.Scope)
		resp.Updates = req.Suggestions
	}

	if err := s.sender.Send(req.RunnerID, protocol.KindApprovalResponse, resp); err != nil {
		// Give the claim back so a later decision can retry delivery.
		s.store.Reopen(req.ID)
		s.metrics.ErrorCounter.WithLabelValues("approvals", "deliver").Inc()
		return fmt.Errorf("deliver decision for %s: %w", req.ID, err)
	}

	outcome := "denied"
	note := "Denied."
	if approved {
		outcome = "approved"
		note = fmt.Sprintf("Approved (%s).", req.Scope)
		s.store.SetDefaultScope(d.UserID, req.Scope)
	}
	s.metrics.ApprovalCounter.WithLabelValues(outcome).Inc()
	if !req.CreatedAt.IsZero() {
		s.metrics.ApprovalLatency.Observe(time.Since(req.CreatedAt).Seconds())
	}

	s.disablePrompt(ctx, d, note)
	s.logger.Info("approval resolved",
		"request_id", req.ID,
		"runner_id", req.RunnerID,
		"approved", approved,
		"scope", req.Scope,
		"reconstructed", req.Reconstructed)
	return nil
}

// cycleScope advances the request's scope and re-renders the prompt.
func (s *Service) cycleScope(ctx context.Context, req *Request, d surface.Decision) error {
	next := NextScope(req.Scope)
	s.store.UpdateScope(req.ID, next)
	req.Scope = next

	if d.ChannelID == "" || d.MessageID == "" {
		return nil
	}
	if err := s.surface.EditMessage(ctx, d.ChannelID, d.MessageID, s.promptContent(req)); err != nil {
		s.logger.Warn("failed to re-render prompt after scope change",
			"request_id", req.ID, "error", err)
	}
	return nil
}

// PendingByRunner reports a runner's outstanding request count.
func (s *Service) PendingByRunner(runnerID string) int {
	return s.store.PendingByRunner(runnerID)
}

// controls builds the interactive controls for a prompt. Every identifier
// carries the full request context so it stays resolvable across restarts.
func (s *Service) controls(req *Request) []surface.Control {
	encode := func(action string) string {
		return controlid.Encode(controlid.ID{
			Action:    action,
			RequestID: req.ID,
			RunnerID:  req.RunnerID,
			SessionID: req.SessionID,
		})
	}

	controls := []surface.Control{
		{ID: encode(ActionApprove), Label: "Approve", Style: surface.StyleConfirm},
		{ID: encode(ActionDeny), Label: "Deny", Style: surface.StyleDanger},
	}
	if !req.IsQuestion && !req.IsPlan {
		controls = append(controls, surface.Control{
			ID:    encode(ActionScope),
			Label: fmt.Sprintf("Scope: %s", req.Scope),
			Style: surface.StyleNeutral,
		})
	}
	return controls
}

// promptContent renders the textual body of an approval prompt.
func (s *Service) promptContent(req *Request) string {
	switch {
	case req.IsQuestion:
		return fmt.Sprintf("The session is asking a question:\n%s", compactJSON(req.Input))
	case req.IsPlan:
		return fmt.Sprintf("The session proposes a plan:\n%s", compactJSON(req.Input))
	case req.BlockedPath != "":
		return fmt.Sprintf("Access to %s was blocked (%s). Allow **%s**?",
			req.BlockedPath, req.BlockedReason, req.Tool)
	case req.Reconstructed:
		return fmt.Sprintf("Pending approval for request %s.", req.ID)
	default:
		return fmt.Sprintf("Allow **%s**?\n%s", req.Tool, compactJSON(req.Input))
	}
}

func (s *Service) disablePrompt(ctx context.Context, d surface.Decision, note string) {
	if d.ChannelID == "" || d.MessageID == "" {
		return
	}
	if err := s.surface.DisablePrompt(ctx, d.ChannelID, d.MessageID, note); err != nil {
		s.logger.Warn("failed to disable prompt", "message_id", d.MessageID, "error", err)
	}
}

func (s *Service) notifyExpired(ctx context.Context, d surface.Decision) {
	s.disablePrompt(ctx, d, "This approval prompt has expired.")
	if d.UserID != "" {
		if err := s.surface.NotifyUser(ctx, d.UserID, "That approval prompt has expired; the agent that issued it is no longer known."); err != nil {
			s.logger.Warn("failed to notify user of expired prompt", "user_id", d.UserID, "error", err)
		}
	}
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(no input)"
	}
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return string(raw)
	}
	return "```json\n" + string(out) + "\n```"
}
