package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/approvals"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/protocol"
	"github.com/haasonsaas/relay/internal/runners"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/stream"
	"github.com/haasonsaas/relay/internal/surface"
	"github.com/haasonsaas/relay/internal/syncer"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []any
}

func (f *fakeSender) Send(runnerID string, kind protocol.Kind, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSender) payloads() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

type countingSurface struct {
	mu         sync.Mutex
	posts      []string
	prompts    int
	promptErrs int
}

func (c *countingSurface) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, content)
	return "m-1", nil
}
func (c *countingSurface) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return nil
}
func (c *countingSurface) PostPrompt(ctx context.Context, channelID, content string, controls []surface.Control) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.promptErrs > 0 {
		c.promptErrs--
		return "", errors.New("surface unavailable")
	}
	c.prompts++
	return "p-1", nil
}
func (c *countingSurface) DisablePrompt(ctx context.Context, channelID, messageID, note string) error {
	return nil
}
func (c *countingSurface) ArchiveChannel(ctx context.Context, channelID string) error { return nil }
func (c *countingSurface) NotifyUser(ctx context.Context, userID, content string) error {
	return nil
}

func newTestRouter(t *testing.T) (*Router, sessions.Store, *fakeSender, *countingSurface) {
	t.Helper()
	sessionStore := sessions.NewMemoryStore()
	runnerStore := runners.NewMemoryStore()
	sender := &fakeSender{}
	surf := &countingSurface{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())

	approvalSvc := approvals.NewService(approvals.NewStore(), runnerStore, sender, surf, metrics, logger)
	reconciler := syncer.NewReconciler(sessionStore, sender, metrics, logger)
	assembler := stream.NewAssembler(surf, metrics, logger)
	r := New(sessionStore, approvalSvc, reconciler, assembler, surf, sender, metrics, logger)
	return r, sessionStore, sender, surf
}

func envelope(kind protocol.Kind) *protocol.Envelope {
	return &protocol.Envelope{Type: kind}
}

func TestDispatchApprovalRequest(t *testing.T) {
	r, store, _, surf := newTestRouter(t)
	ctx := context.Background()

	if err := store.Create(ctx, &sessions.Session{
		ID:        "sess-1",
		RunnerID:  "runner-1",
		ChannelID: "chan-1",
		Status:    sessions.StatusActive,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := &protocol.ApprovalRequest{
		RequestID: "req-1",
		SessionID: "sess-1",
		Tool:      "Bash",
	}
	r.Dispatch(ctx, "runner-1", envelope(protocol.KindApprovalRequest), req)

	if surf.prompts != 1 {
		t.Errorf("prompts = %d, want 1", surf.prompts)
	}
}

func TestDispatchSuppressesDuplicateApprovalRequests(t *testing.T) {
	r, store, _, surf := newTestRouter(t)
	ctx := context.Background()

	if err := store.Create(ctx, &sessions.Session{
		ID: "sess-1", RunnerID: "runner-1", ChannelID: "chan-1", Status: sessions.StatusActive,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	req := &protocol.ApprovalRequest{RequestID: "req-1", SessionID: "sess-1", Tool: "Bash"}
	r.Dispatch(ctx, "runner-1", envelope(protocol.KindApprovalRequest), req)
	r.Dispatch(ctx, "runner-1", envelope(protocol.KindApprovalRequest), req)

	if surf.prompts != 1 {
		t.Errorf("prompts = %d, want 1 (duplicate suppressed)", surf.prompts)
	}
}

func TestDispatchRetriesApprovalAfterRenderFailure(t *testing.T) {
	r, store, _, surf := newTestRouter(t)
	ctx := context.Background()

	if err := store.Create(ctx, &sessions.Session{
		ID: "sess-1", RunnerID: "runner-1", ChannelID: "chan-1", Status: sessions.StatusActive,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	surf.promptErrs = 1

	// The first delivery fails to render; the runner's replay of the same
	// request must get another chance, not be dropped as a duplicate.
	req := &protocol.ApprovalRequest{RequestID: "req-1", SessionID: "sess-1", Tool: "Bash"}
	r.Dispatch(ctx, "runner-1", envelope(protocol.KindApprovalRequest), req)
	r.Dispatch(ctx, "runner-1", envelope(protocol.KindApprovalRequest), req)

	if surf.prompts != 1 {
		t.Errorf("prompts = %d, want 1 (replay renders after transient failure)", surf.prompts)
	}
}

func TestDispatchApprovalForUnknownSessionAnswersNegatively(t *testing.T) {
	r, _, sender, _ := newTestRouter(t)

	req := &protocol.ApprovalRequest{RequestID: "req-1", SessionID: "ghost", Tool: "Bash"}
	r.Dispatch(context.Background(), "runner-1", envelope(protocol.KindApprovalRequest), req)

	payloads := sender.payloads()
	if len(payloads) != 1 {
		t.Fatalf("sent %d messages, want explicit negative response", len(payloads))
	}
	resp, ok := payloads[0].(*protocol.ApprovalResponse)
	if !ok {
		t.Fatalf("payload type = %T, want *ApprovalResponse", payloads[0])
	}
	if resp.Approved {
		t.Error("unknown-target approval must be denied")
	}
	if resp.Reason == "" {
		t.Error("denial must carry a human-readable reason")
	}
}

func TestDispatchOutputBySessionAndExternalID(t *testing.T) {
	r, store, _, surf := newTestRouter(t)
	ctx := context.Background()

	if err := store.Create(ctx, &sessions.Session{
		ID:         "sess-1",
		RunnerID:   "runner-1",
		ChannelID:  "chan-1",
		Status:     sessions.StatusActive,
		Kind:       "claude",
		ExternalID: "ext-1",
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.Dispatch(ctx, "runner-1", envelope(protocol.KindOutput), &protocol.Output{
		SessionID: "sess-1", Kind: protocol.OutputText, Text: "by local id",
	})
	r.Dispatch(ctx, "runner-1", envelope(protocol.KindOutput), &protocol.Output{
		SessionID: "ext-1", Kind: protocol.OutputResult, Text: "by external id",
	})

	if len(surf.posts) != 2 {
		t.Errorf("posts = %d, want 2 (both id forms resolve)", len(surf.posts))
	}
}

func TestDispatchStatusUpdatesSession(t *testing.T) {
	r, store, _, _ := newTestRouter(t)
	ctx := context.Background()

	if err := store.Create(ctx, &sessions.Session{
		ID: "sess-1", RunnerID: "runner-1", Status: sessions.StatusActive,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.Dispatch(ctx, "runner-1", envelope(protocol.KindStatus), &protocol.Status{
		SessionID: "sess-1",
		State:     "blocked",
		Detail:    "waiting on approval",
	})

	got, _ := store.Get(ctx, "sess-1")
	if got.SyncState != sessions.SyncInputNeeded {
		t.Errorf("SyncState = %q, want input_needed", got.SyncState)
	}
	if got.PendingAction != "waiting on approval" {
		t.Errorf("PendingAction = %q", got.PendingAction)
	}
}

func TestDispatchSessionReadyRecordsExternalID(t *testing.T) {
	r, store, _, _ := newTestRouter(t)
	ctx := context.Background()

	if err := store.Create(ctx, &sessions.Session{
		ID: "sess-1", RunnerID: "runner-1", ChannelID: "chan-1", Status: sessions.StatusActive,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.Dispatch(ctx, "runner-1", envelope(protocol.KindSessionReady), &protocol.SessionReady{
		SessionID:         "sess-1",
		ExternalSessionID: "ext-42",
	})

	got, _ := store.Get(ctx, "sess-1")
	if got.ExternalID != "ext-42" {
		t.Errorf("ExternalID = %q, want ext-42", got.ExternalID)
	}
}

func TestDispatchSyncEventMaterializesSession(t *testing.T) {
	r, store, _, _ := newTestRouter(t)
	ctx := context.Background()

	r.Dispatch(ctx, "runner-1", envelope(protocol.KindSyncDiscovered), &protocol.SyncSessionEvent{
		RunnerID: "runner-1",
		Session: protocol.SyncedSession{
			ExternalSessionID: "ext-1",
			Kind:              "claude",
			State:             "running",
		},
	})

	if _, err := store.GetByExternal(ctx, "claude", "ext-1"); err != nil {
		t.Errorf("discovered session not materialized: %v", err)
	}
}

func TestDispatchUnknownKindIsIgnored(t *testing.T) {
	r, _, sender, _ := newTestRouter(t)

	// An unhandled payload type must be logged and dropped, never fatal.
	r.Dispatch(context.Background(), "runner-1", envelope("telemetry"), nil)

	if got := len(sender.payloads()); got != 0 {
		t.Errorf("sent %d messages, want 0", got)
	}
}

func TestDispatchMetadataMergesOptions(t *testing.T) {
	r, store, _, _ := newTestRouter(t)
	ctx := context.Background()

	if err := store.Create(ctx, &sessions.Session{
		ID: "sess-1", RunnerID: "runner-1", Status: sessions.StatusActive,
		Options: map[string]string{"model": "default"},
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	r.Dispatch(ctx, "runner-1", envelope(protocol.KindMetadata), &protocol.Metadata{
		SessionID: "sess-1",
		Fields:    map[string]string{"cwd": "/work/app", "model": "fast"},
	})

	got, _ := store.Get(ctx, "sess-1")
	if got.Options["cwd"] != "/work/app" || got.Options["model"] != "fast" {
		t.Errorf("Options = %v", got.Options)
	}
}
