package captcha

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"slotwatch/internal/inbox"
	kit "slotwatch/internal/transport"
	logx "slotwatch/pkg/logx"
)

// DefaultAnswerPattern accepts what a visual code usually contains.
var DefaultAnswerPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,16}$`)

// ImageSender delivers the challenge to the operator.
type ImageSender interface {
	SendImage(ctx context.Context, image []byte, caption string) error
}

type HumanConfig struct {
	Timeout time.Duration
	Pattern *regexp.Regexp
	Caption string
}

// HumanRelay asks the operator to read the challenge.
type HumanRelay struct {
	hub *inbox.Hub
	out ImageSender
	cfg HumanConfig
	log logx.Logger
}

func NewHumanRelay(hub *inbox.Hub, out ImageSender, cfg HumanConfig, log logx.Logger) *HumanRelay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if cfg.Pattern == nil {
		cfg.Pattern = DefaultAnswerPattern
	}
	if strings.TrimSpace(cfg.Caption) == "" {
		cfg.Caption = "Please reply with the characters shown in the image."
	}
	return &HumanRelay{hub: hub, out: out, cfg: cfg, log: log.With(logx.String("comp", "captcha.human"))}
}

func (h *HumanRelay) Name() string { return "human" }

// Resolve registers the listener before sending the image so a fast reply is never missed.
func (h *HumanRelay) Resolve(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	sub, err := h.hub.Subscribe(inbox.ConcernCaptcha, func(m kit.Message) bool {
		return h.cfg.Pattern.MatchString(strings.TrimSpace(m.Text))
	})
	if err != nil {
		return "", fmt.Errorf("captcha: listen for answer: %w", err)
	}
	defer sub.Cancel()

	tctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	if err := h.out.SendImage(tctx, image, h.cfg.Caption); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return "", fmt.Errorf("captcha: send challenge: %w", err)
	}
	h.log.Info("captcha relayed to operator", logx.Duration("timeout", h.cfg.Timeout))

	msg, err := sub.Wait(tctx)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return "", fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case errors.Is(tctx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("%w: no reply within %s", ErrTimeout, h.cfg.Timeout)
		default:
			return "", fmt.Errorf("%w: %w", ErrCancelled, err)
		}
	}
	return strings.TrimSpace(msg.Text), nil
}
