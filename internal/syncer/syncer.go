// Package syncer reconciles the coordinator's session directory with the
// sessions that actually exist on each runner.
//
// It speaks a request/response sync protocol correlated by sync ids and also
// consumes push-style discovery events. Both paths converge on one merge
// routine keyed by (kind, external session id), so a session surfaced by pull
// and push is materialized exactly once.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/protocol"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/internal/sessions"
)

const (
	// syncTimeout bounds one request/response exchange.
	syncTimeout = 10 * time.Second

	// maxSyncAttempts bounds retries for one logical sync request.
	maxSyncAttempts = 3
)

// ErrSyncTimeout reports that a runner never answered a sync request.
var ErrSyncTimeout = errors.New("sync request timed out")

// Sender delivers protocol messages to a connected runner.
type Sender interface {
	Send(runnerID string, kind protocol.Kind, payload any) error
}

// Reconciler drives session sync against runners and folds the results into
// the session directory.
type Reconciler struct {
	sessions sessions.Store
	sender   Sender
	metrics  *observability.Metrics
	logger   *slog.Logger

	timeout  time.Duration
	attempts int

	mu      sync.Mutex
	pending map[string]chan any
	syncing map[string]struct{}
}

// NewReconciler wires the sync reconciler.
func NewReconciler(store sessions.Store, sender Sender, metrics *observability.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		sessions: store,
		sender:   sender,
		metrics:  metrics,
		logger:   logger.With("component", "syncer"),
		timeout:  syncTimeout,
		attempts: maxSyncAttempts,
		pending:  make(map[string]chan any),
		syncing:  make(map[string]struct{}),
	}
}

// StartSyncingRunner runs a full reconcile pass for a runner: list projects,
// then list and merge the sessions of each. Concurrent calls for the same
// runner collapse into one pass.
func (r *Reconciler) StartSyncingRunner(ctx context.Context, runnerID string) error {
	r.mu.Lock()
	if _, busy := r.syncing[runnerID]; busy {
		r.mu.Unlock()
		r.logger.Debug("sync already in progress", "runner_id", runnerID)
		return nil
	}
	r.syncing[runnerID] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.syncing, runnerID)
		r.mu.Unlock()
	}()

	projects, err := r.RequestProjects(ctx, runnerID)
	if err != nil {
		return fmt.Errorf("sync projects for %s: %w", runnerID, err)
	}

	var firstErr error
	for _, project := range projects {
		synced, err := r.RequestSessions(ctx, runnerID, project)
		if err != nil {
			r.logger.Warn("project session sync failed",
				"runner_id", runnerID, "project", project, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for i := range synced {
			if err := r.Merge(ctx, runnerID, &synced[i]); err != nil {
				r.logger.Warn("session merge failed",
					"runner_id", runnerID,
					"external_id", synced[i].ExternalSessionID,
					"error", err)
			}
		}
	}

	r.logger.Info("runner sync pass finished",
		"runner_id", runnerID, "projects", len(projects))
	return firstErr
}

// RequestProjects asks a runner for its known project paths.
func (r *Reconciler) RequestProjects(ctx context.Context, runnerID string) ([]string, error) {
	resp, err := r.exchange(ctx, runnerID, func(syncID string) (protocol.Kind, any) {
		return protocol.KindSyncProjectsReq, &protocol.SyncProjectsRequest{SyncID: syncID}
	})
	if err != nil {
		return nil, err
	}
	projects, ok := resp.(*protocol.SyncProjectsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected sync reply %T", resp)
	}
	return projects.Projects, nil
}

// RequestSessions asks a runner for all sessions of one project.
func (r *Reconciler) RequestSessions(ctx context.Context, runnerID, projectPath string) ([]protocol.SyncedSession, error) {
	resp, err := r.exchange(ctx, runnerID, func(syncID string) (protocol.Kind, any) {
		return protocol.KindSyncSessionsReq, &protocol.SyncSessionsRequest{
			SyncID:      syncID,
			ProjectPath: projectPath,
		}
	})
	if err != nil {
		return nil, err
	}
	list, ok := resp.(*protocol.SyncSessionsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected sync reply %T", resp)
	}
	return list.Sessions, nil
}

// RequestStatus asks a runner for the current state of one external session.
func (r *Reconciler) RequestStatus(ctx context.Context, runnerID, externalSessionID string) (sessions.SyncState, error) {
	resp, err := r.exchange(ctx, runnerID, func(syncID string) (protocol.Kind, any) {
		return protocol.KindSyncStatusReq, &protocol.SyncStatusRequest{
			SyncID:            syncID,
			ExternalSessionID: externalSessionID,
		}
	})
	if err != nil {
		return "", err
	}
	status, ok := resp.(*protocol.SyncStatusResponse)
	if !ok {
		return "", fmt.Errorf("unexpected sync reply %T", resp)
	}
	return sessions.NormalizeSyncState(status.State), nil
}

// OnResponse delivers a runner's sync reply to the waiting request. Replies
// arriving after their request timed out are discarded.
func (r *Reconciler) OnResponse(syncID string, payload any) {
	r.mu.Lock()
	ch, ok := r.pending[syncID]
	if ok {
		delete(r.pending, syncID)
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("discarding late or unknown sync reply", "sync_id", syncID)
		return
	}
	ch <- payload
}

// OnSessionEvent folds a push-style discovery or update into the directory.
func (r *Reconciler) OnSessionEvent(ctx context.Context, ev *protocol.SyncSessionEvent) error {
	return r.Merge(ctx, ev.RunnerID, &ev.Session)
}

// Merge reconciles one runner-reported session with the directory. Unknown
// sessions are materialized as active records without a transcript channel;
// known ones get their reported state folded in.
func (r *Reconciler) Merge(ctx context.Context, runnerID string, synced *protocol.SyncedSession) error {
	if synced.ExternalSessionID == "" {
		return errors.New("synced session without external id")
	}

	now := time.Now()
	existing, err := r.sessions.GetByExternal(ctx, synced.Kind, synced.ExternalSessionID)
	switch {
	case err == nil:
		existing.RunnerID = runnerID
		existing.SyncState = sessions.NormalizeSyncState(synced.State)
		existing.PendingAction = synced.PendingAction
		existing.MessageCount = synced.MessageCount
		existing.LastSyncAt = now
		if existing.WorkingDir == "" {
			existing.WorkingDir = synced.ProjectPath
		}
		return r.sessions.Update(ctx, existing)

	case errors.Is(err, sessions.ErrNotFound):
		session := &sessions.Session{
			ID:            uuid.NewString(),
			RunnerID:      runnerID,
			Status:        sessions.StatusActive,
			Kind:          synced.Kind,
			WorkingDir:    synced.ProjectPath,
			ExternalID:    synced.ExternalSessionID,
			SyncState:     sessions.NormalizeSyncState(synced.State),
			PendingAction: synced.PendingAction,
			MessageCount:  synced.MessageCount,
			LastSyncAt:    now,
		}
		if err := r.sessions.Create(ctx, session); err != nil {
			// A concurrent merge may have created it first.
			if errors.Is(err, sessions.ErrAlreadyExists) {
				return r.Merge(ctx, runnerID, synced)
			}
			return err
		}
		r.logger.Info("materialized discovered session",
			"runner_id", runnerID,
			"session_id", session.ID,
			"external_id", synced.ExternalSessionID,
			"kind", synced.Kind)
		return nil

	default:
		return err
	}
}

// LookupByExternal resolves a session by the sync merge key.
func (r *Reconciler) LookupByExternal(ctx context.Context, kind, externalID string) (*sessions.Session, error) {
	return r.sessions.GetByExternal(ctx, kind, externalID)
}

// LookupByChannel resolves a session by its transcript-surface id.
func (r *Reconciler) LookupByChannel(ctx context.Context, channelID string) (*sessions.Session, error) {
	return r.sessions.GetByChannel(ctx, channelID)
}

// exchange sends one sync request and waits for its correlated reply,
// retrying the whole exchange on timeout.
func (r *Reconciler) exchange(ctx context.Context, runnerID string, build func(syncID string) (protocol.Kind, any)) (any, error) {
	var reply any
	result := retry.Do(ctx, retry.Exponential(r.attempts, 500*time.Millisecond, 2*time.Second), func() error {
		got, err := r.exchangeOnce(ctx, runnerID, build)
		if err != nil {
			return err
		}
		reply = got
		return nil
	})
	if result.Err != nil {
		outcome := "error"
		if errors.Is(result.Err, ErrSyncTimeout) {
			outcome = "timeout"
		}
		r.metrics.SyncRequestCounter.WithLabelValues(outcome).Inc()
		return nil, result.Err
	}
	r.metrics.SyncRequestCounter.WithLabelValues("ok").Inc()
	return reply, nil
}

func (r *Reconciler) exchangeOnce(ctx context.Context, runnerID string, build func(syncID string) (protocol.Kind, any)) (any, error) {
	syncID := uuid.NewString()
	ch := make(chan any, 1)

	r.mu.Lock()
	r.pending[syncID] = ch
	r.mu.Unlock()

	cleanup := func() {
		r.mu.Lock()
		delete(r.pending, syncID)
		r.mu.Unlock()
	}

	kind, payload := build(syncID)
	if err := r.sender.Send(runnerID, kind, payload); err != nil {
		cleanup()
		// Not connected is not going to improve within this exchange.
		return nil, retry.Permanent(err)
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(r.timeout):
		cleanup()
		return nil, fmt.Errorf("%w: %s to %s", ErrSyncTimeout, kind, runnerID)
	case <-ctx.Done():
		cleanup()
		return nil, retry.Permanent(ctx.Err())
	}
}
