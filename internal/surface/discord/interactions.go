package discord

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/relay/internal/surface"
)

// DecisionHandler receives decoded control interactions.
type DecisionHandler func(ctx context.Context, d surface.Decision) error

// BindInteractions registers a discordgo handler that translates button
// interactions into surface decisions. It must be called before the session
// is opened. The returned function detaches the handler.
func BindInteractions(session *discordgo.Session, handler DecisionHandler, logger *slog.Logger) func() {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "surface.discord")

	return session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionMessageComponent {
			return
		}

		// Ack immediately; the prompt is edited by the decision path.
		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		}); err != nil {
			logger.Warn("failed to ack interaction", "error", err)
		}

		d := surface.Decision{
			ControlID: i.MessageComponentData().CustomID,
			ChannelID: i.ChannelID,
		}
		if i.Message != nil {
			d.MessageID = i.Message.ID
		}
		if i.Member != nil && i.Member.User != nil {
			d.UserID = i.Member.User.ID
		} else if i.User != nil {
			d.UserID = i.User.ID
		}

		if err := handler(context.Background(), d); err != nil {
			logger.Error("control decision failed",
				"control_id", d.ControlID, "user_id", d.UserID, "error", err)
		}
	})
}
