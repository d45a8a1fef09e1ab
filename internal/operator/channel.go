// Package operator binds the chat transport to the single operator conversation.
package operator

import (
	"context"

	kit "slotwatch/internal/transport"
)

// Channel sends to the operator chat.
type Channel struct {
	adapter kit.Adapter
	to      kit.ChatTarget
}

func New(adapter kit.Adapter, to kit.ChatTarget) *Channel {
	return &Channel{adapter: adapter, to: to}
}

func (c *Channel) Target() kit.ChatTarget { return c.to }

func (c *Channel) Send(ctx context.Context, text string) error {
	_, err := c.adapter.SendText(ctx, c.to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func (c *Channel) SendImage(ctx context.Context, image []byte, caption string) error {
	_, err := c.adapter.SendPhoto(ctx, c.to, image, caption)
	return err
}
