package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/protocol"
	"github.com/haasonsaas/relay/internal/surface"
)

// recordingSurface captures the rendered content of every display unit.
type recordingSurface struct {
	nextID   int
	contents map[string]string
	order    []string
}

func newRecordingSurface() *recordingSurface {
	return &recordingSurface{contents: make(map[string]string)}
}

func (r *recordingSurface) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	r.nextID++
	id := fmt.Sprintf("msg-%d", r.nextID)
	r.contents[id] = content
	r.order = append(r.order, id)
	return id, nil
}

func (r *recordingSurface) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	r.contents[messageID] = content
	return nil
}

func (r *recordingSurface) PostPrompt(ctx context.Context, channelID, content string, controls []surface.Control) (string, error) {
	return r.PostMessage(ctx, channelID, content)
}

func (r *recordingSurface) DisablePrompt(ctx context.Context, channelID, messageID, note string) error {
	return nil
}

func (r *recordingSurface) ArchiveChannel(ctx context.Context, channelID string) error { return nil }
func (r *recordingSurface) NotifyUser(ctx context.Context, userID, content string) error {
	return nil
}

func newTestAssembler(t *testing.T) (*Assembler, *recordingSurface) {
	t.Helper()
	surf := newRecordingSurface()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())
	return NewAssembler(surf, metrics, logger), surf
}

func output(kind protocol.OutputKind, text string, complete bool) *protocol.Output {
	return &protocol.Output{
		RunnerID:   "runner-1",
		SessionID:  "sess-1",
		Kind:       kind,
		Text:       text,
		IsComplete: complete,
	}
}

func TestIncrementalOutputEditsInPlace(t *testing.T) {
	a, surf := newTestAssembler(t)
	ctx := context.Background()

	if err := a.OnOutput(ctx, output(protocol.OutputText, "Hello", false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}
	if err := a.OnOutput(ctx, output(protocol.OutputText, ", world", false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}

	if len(surf.order) != 1 {
		t.Fatalf("posted %d units, want 1 (edits, not new messages)", len(surf.order))
	}
	if got := surf.contents["msg-1"]; got != "Hello, world" {
		t.Errorf("content = %q, want %q", got, "Hello, world")
	}
}

func TestCumulativeResendAppendsOnlyDelta(t *testing.T) {
	a, surf := newTestAssembler(t)
	ctx := context.Background()

	// The runner resends its full accumulated text each event.
	for _, text := range []string{"one", "one two", "one two three"} {
		if err := a.OnOutput(ctx, output(protocol.OutputText, text, false), "chan-1"); err != nil {
			t.Fatalf("OnOutput(%q) error = %v", text, err)
		}
	}

	if len(surf.order) != 1 {
		t.Fatalf("posted %d units, want 1", len(surf.order))
	}
	if got := surf.contents["msg-1"]; got != "one two three" {
		t.Errorf("content = %q, want %q", got, "one two three")
	}
}

func TestSplitContinuity(t *testing.T) {
	a, surf := newTestAssembler(t)
	ctx := context.Background()

	// Build a text that overflows one unit, with line boundaries to split on.
	line := strings.Repeat("x", 99) + "\n"
	full := strings.Repeat(line, 40) // 4000 bytes

	// Deliver as cumulative resends in two halves.
	half := full[:2100]
	if err := a.OnOutput(ctx, output(protocol.OutputText, half, false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}
	if err := a.OnOutput(ctx, output(protocol.OutputText, full, false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}

	if len(surf.order) < 2 {
		t.Fatalf("posted %d units, want a split into at least 2", len(surf.order))
	}

	var joined strings.Builder
	for _, id := range surf.order {
		content := surf.contents[id]
		if len(content) > HardLimit {
			t.Errorf("unit %s is %d bytes, over the hard ceiling", id, len(content))
		}
		joined.WriteString(content)
	}

	// Concatenating the units in order must reproduce the input exactly,
	// byte for byte.
	if joined.String() != full {
		t.Errorf("split altered bytes: got %d, want %d", joined.Len(), len(full))
	}
}

func TestSplitPreservesBlankLinesAtBoundary(t *testing.T) {
	a, surf := newTestAssembler(t)
	ctx := context.Background()

	// A run of blank lines lands exactly at the split boundary.
	full := strings.Repeat("a", 2995) + "\n\n\n" + strings.Repeat("b", 500)
	if err := a.OnOutput(ctx, output(protocol.OutputText, full, false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}

	if len(surf.order) < 2 {
		t.Fatalf("posted %d units, want a split into at least 2", len(surf.order))
	}

	var joined strings.Builder
	for _, id := range surf.order {
		joined.WriteString(surf.contents[id])
	}
	if joined.String() != full {
		t.Errorf("blank lines dropped at boundary: got %d bytes, want %d", joined.Len(), len(full))
	}
}

func TestSplitKeepsDeltaTrackingIntact(t *testing.T) {
	a, surf := newTestAssembler(t)
	ctx := context.Background()

	line := strings.Repeat("y", 99) + "\n"
	big := strings.Repeat(line, 35) // overflows the soft limit

	if err := a.OnOutput(ctx, output(protocol.OutputText, big, false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}
	posted := len(surf.order)

	// A cumulative resend extending the text must append only the new line
	// to the continuation unit, not replay the whole buffer.
	if err := a.OnOutput(ctx, output(protocol.OutputText, big+"tail", false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}

	if len(surf.order) != posted {
		t.Errorf("resend opened %d new units", len(surf.order)-posted)
	}
	last := surf.contents[surf.order[len(surf.order)-1]]
	if !strings.HasSuffix(last, "tail") {
		t.Errorf("continuation unit = %q, want suffix %q", last[max(0, len(last)-20):], "tail")
	}
	if strings.Count(last, "tail") != 1 {
		t.Errorf("delta appended more than once")
	}
}

func TestKindChangeOpensNewUnit(t *testing.T) {
	a, surf := newTestAssembler(t)
	ctx := context.Background()

	if err := a.OnOutput(ctx, output(protocol.OutputThinking, "pondering", false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}
	if err := a.OnOutput(ctx, output(protocol.OutputText, "answer", false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}

	if len(surf.order) != 2 {
		t.Fatalf("posted %d units, want 2", len(surf.order))
	}
	if surf.contents["msg-2"] != "answer" {
		t.Errorf("second unit = %q, want %q", surf.contents["msg-2"], "answer")
	}
}

func TestIdleTimeoutOpensNewUnit(t *testing.T) {
	a, surf := newTestAssembler(t)
	ctx := context.Background()

	current := time.Now()
	a.now = func() time.Time { return current }

	if err := a.OnOutput(ctx, output(protocol.OutputText, "first", false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}

	current = current.Add(IdleTimeout + time.Second)
	if err := a.OnOutput(ctx, output(protocol.OutputText, "first second", false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}

	if len(surf.order) != 2 {
		t.Fatalf("posted %d units, want 2", len(surf.order))
	}
	// Accumulated tracking survives the rotation: only the delta shows.
	if got := surf.contents["msg-2"]; got != " second" {
		t.Errorf("second unit = %q, want %q", got, " second")
	}
}

func TestIsCompleteClearsState(t *testing.T) {
	a, surf := newTestAssembler(t)
	ctx := context.Background()

	if err := a.OnOutput(ctx, output(protocol.OutputText, "done", true), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}
	if a.Open("sess-1") {
		t.Error("unit should be cleared after completion")
	}

	if err := a.OnOutput(ctx, output(protocol.OutputText, "fresh", false), "chan-1"); err != nil {
		t.Fatalf("OnOutput() error = %v", err)
	}
	if len(surf.order) != 2 {
		t.Fatalf("posted %d units, want 2", len(surf.order))
	}
	if surf.contents["msg-2"] != "fresh" {
		t.Errorf("new unit = %q, want %q (no stale accumulation)", surf.contents["msg-2"], "fresh")
	}
}

func TestSplitPoint(t *testing.T) {
	t.Run("short text uncut", func(t *testing.T) {
		if got := splitPoint("hello"); got != 5 {
			t.Errorf("splitPoint = %d, want 5", got)
		}
	})

	t.Run("prefers line boundary", func(t *testing.T) {
		text := strings.Repeat("a", 2000) + "\n" + strings.Repeat("b", 2000)
		if got := splitPoint(text); got != 2001 {
			t.Errorf("splitPoint = %d, want 2001", got)
		}
	})

	t.Run("falls back to word boundary", func(t *testing.T) {
		text := strings.Repeat("a", 2500) + " " + strings.Repeat("b", 2500)
		if got := splitPoint(text); got != 2501 {
			t.Errorf("splitPoint = %d, want 2501", got)
		}
	})

	t.Run("hard cut without boundaries", func(t *testing.T) {
		if got := splitPoint(strings.Repeat("a", 5000)); got != SoftLimit {
			t.Errorf("splitPoint = %d, want %d", got, SoftLimit)
		}
	})
}
