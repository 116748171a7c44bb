// Package discord implements the surface.Surface interface over Discord.
//
// The adapter is deliberately thin: it translates core operations into
// Discord API calls and nothing else. Message formatting, slash commands,
// and channel provisioning belong to the layer above.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/relay/internal/surface"
)

// discordSession allows mocking the Discord session in tests.
type discordSession interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// Adapter implements surface.Surface using a discordgo session.
type Adapter struct {
	session discordSession
	logger  *slog.Logger
}

// New creates a Discord surface adapter around an open session.
func New(session *discordgo.Session, logger *slog.Logger) *Adapter {
	return newAdapter(session, logger)
}

func newAdapter(session discordSession, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		session: session,
		logger:  logger.With("component", "surface.discord"),
	}
}

// PostMessage posts a new message and returns its id.
func (a *Adapter) PostMessage(ctx context.Context, channelID, content string) (string, error) {
	msg, err := a.session.ChannelMessageSend(channelID, content)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage replaces an existing message's content.
func (a *Adapter) EditMessage(ctx context.Context, channelID, messageID, content string) error {
	if _, err := a.session.ChannelMessageEdit(channelID, messageID, content); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// PostPrompt posts a message with button controls attached.
func (a *Adapter) PostPrompt(ctx context.Context, channelID, content string, controls []surface.Control) (string, error) {
	msg, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    content,
		Components: buildComponents(controls),
	})
	if err != nil {
		return "", fmt.Errorf("post prompt: %w", err)
	}
	return msg.ID, nil
}

// DisablePrompt strips the controls from a prompt and records its resolution.
func (a *Adapter) DisablePrompt(ctx context.Context, channelID, messageID, note string) error {
	empty := []discordgo.MessageComponent{}
	_, err := a.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:    channelID,
		ID:         messageID,
		Content:    &note,
		Components: &empty,
	})
	if err != nil {
		return fmt.Errorf("disable prompt: %w", err)
	}
	return nil
}

// ArchiveChannel archives a transcript thread.
func (a *Adapter) ArchiveChannel(ctx context.Context, channelID string) error {
	archived := true
	locked := false
	_, err := a.session.ChannelEditComplex(channelID, &discordgo.ChannelEdit{
		Archived: &archived,
		Locked:   &locked,
	})
	if err != nil {
		return fmt.Errorf("archive channel: %w", err)
	}
	return nil
}

// NotifyUser sends a direct message to a user.
func (a *Adapter) NotifyUser(ctx context.Context, userID, content string) error {
	dm, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}
	if _, err := a.session.ChannelMessageSend(dm.ID, content); err != nil {
		return fmt.Errorf("send dm: %w", err)
	}
	return nil
}

func buildComponents(controls []surface.Control) []discordgo.MessageComponent {
	if len(controls) == 0 {
		return nil
	}

	// Discord caps each action row at five buttons.
	var rows []discordgo.MessageComponent
	for start := 0; start < len(controls); start += 5 {
		end := start + 5
		if end > len(controls) {
			end = len(controls)
		}

		buttons := make([]discordgo.MessageComponent, 0, end-start)
		for _, c := range controls[start:end] {
			buttons = append(buttons, discordgo.Button{
				CustomID: c.ID,
				Label:    c.Label,
				Style:    buttonStyle(c.Style),
			})
		}
		rows = append(rows, discordgo.ActionsRow{Components: buttons})
	}
	return rows
}

func buttonStyle(style surface.ControlStyle) discordgo.ButtonStyle {
	switch style {
	case surface.StyleConfirm:
		return discordgo.SuccessButton
	case surface.StyleDanger:
		return discordgo.DangerButton
	default:
		return discordgo.SecondaryButton
	}
}
