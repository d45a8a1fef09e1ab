// Package commands routes operator messages: slash commands go to registered
// handlers on a bounded worker pool, everything else is offered to the inbox.
package commands

import (
	"context"
	"time"

	kit "slotwatch/internal/transport"
	logx "slotwatch/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// Command is one operator command. Name uses underscores; the hyphenated form
// is accepted as well.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Hidden      bool          // kept out of the Telegram menu
	Handle      HandlerFunc
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	adapter kit.Adapter
}

// Reply sends text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.adapter == nil {
		return nil
	}
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Inbox receives non-command messages (captcha answers, acknowledgments).
type Inbox interface {
	Dispatch(msg kit.Message) bool
}
