// Package surface abstracts the chat platform the coordinator renders into.
//
// The core treats the surface as a transport: it posts and edits display
// units, renders approval prompts with interactive controls, archives
// transcript channels, and notifies users. Visual formatting, command
// parsing, and channel provisioning live outside the core and are not
// represented here.
package surface

import "context"

// ControlStyle hints how a control should be rendered.
type ControlStyle int

const (
	StyleNeutral ControlStyle = iota
	StyleConfirm
	StyleDanger
)

// Control is one interactive element attached to a prompt. ID is an encoded
// control identifier (see internal/controlid) and is the only state that
// survives a coordinator restart.
type Control struct {
	ID    string
	Label string
	Style ControlStyle
}

// Surface is the sink for everything the coordinator renders.
type Surface interface {
	// PostMessage posts a new display unit and returns its message id.
	PostMessage(ctx context.Context, channelID, content string) (string, error)

	// EditMessage replaces the content of an existing display unit.
	EditMessage(ctx context.Context, channelID, messageID, content string) error

	// PostPrompt posts a message with interactive controls attached.
	PostPrompt(ctx context.Context, channelID, content string, controls []Control) (string, error)

	// DisablePrompt removes the controls from a rendered prompt, replacing
	// the content with a resolution note.
	DisablePrompt(ctx context.Context, channelID, messageID, note string) error

	// ArchiveChannel archives a transcript channel.
	ArchiveChannel(ctx context.Context, channelID string) error

	// NotifyUser sends a direct notification to a user.
	NotifyUser(ctx context.Context, userID, content string) error
}

// Decision is a user's interaction with a rendered control, forwarded by the
// outer command layer into the coordinator core.
type Decision struct {
	// ControlID is the encoded control identifier that was activated.
	ControlID string

	// UserID is the interacting user.
	UserID string

	// ChannelID is where the control was rendered.
	ChannelID string

	// MessageID is the prompt message carrying the control.
	MessageID string

	// Answer carries free-text input for question prompts.
	Answer string
}
