package surface

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
)

// Noop is a Surface that logs operations and renders nothing. It backs
// deployments without a configured chat platform and protocol-only tests.
type Noop struct {
	logger *slog.Logger
	nextID atomic.Int64
}

// NewNoop creates a no-op surface.
func NewNoop(logger *slog.Logger) *Noop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Noop{logger: logger.With("component", "surface.noop")}
}

func (n *Noop) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	n.logger.Debug("post message dropped", "channel_id", channelID, "bytes", len(content))
	return n.id(), nil
}

func (n *Noop) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	return nil
}

func (n *Noop) PostPrompt(ctx context.Context, channelID, content string, controls []Control) (string, error) {
	n.logger.Debug("prompt dropped", "channel_id", channelID, "controls", len(controls))
	return n.id(), nil
}

func (n *Noop) DisablePrompt(ctx context.Context, channelID, messageID, note string) error {
	return nil
}

func (n *Noop) ArchiveChannel(ctx context.Context, channelID string) error {
	return nil
}

func (n *Noop) NotifyUser(ctx context.Context, userID, content string) error {
	n.logger.Debug("notification dropped", "user_id", userID)
	return nil
}

func (n *Noop) id() string {
	return "noop-" + strconv.FormatInt(n.nextID.Add(1), 10)
}
