package notifier

import (
	"context"
	"strings"
)

// TextSender is the operator chat (operator.Channel satisfies it).
type TextSender interface {
	Send(ctx context.Context, text string) error
}

// Chat sends alerts to the operator conversation.
type Chat struct {
	out TextSender
}

func NewChat(out TextSender) *Chat { return &Chat{out: out} }

func (c *Chat) Name() string { return "chat" }

func (c *Chat) Send(ctx context.Context, title, body string) error {
	return c.out.Send(ctx, joinTitle(title, body))
}

func joinTitle(title, body string) string {
	title, body = strings.TrimSpace(title), strings.TrimSpace(body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	default:
		return title + "\n\n" + body
	}
}
