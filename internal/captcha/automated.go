package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "slotwatch/pkg/logx"
)

const abandonTimeout = 5 * time.Second

type AutomatedConfig struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

// Automated solves challenges through a Service.
type Automated struct {
	svc Service
	cfg AutomatedConfig
	log logx.Logger

	mu       sync.Mutex
	lastTask string
}

func NewAutomated(svc Service, cfg AutomatedConfig, log logx.Logger) *Automated {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Automated{svc: svc, cfg: cfg, log: log.With(logx.String("comp", "captcha.service"))}
}

func (a *Automated) Name() string { return "service" }

func (a *Automated) Resolve(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	tctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	taskID, err := a.svc.CreateTask(tctx, image)
	if err != nil {
		if ctxErr := a.classifyDone(ctx, tctx); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: create task: %w", ErrService, err)
	}
	a.mu.Lock()
	a.lastTask = taskID
	a.mu.Unlock()
	a.log.Debug("captcha task created", logx.String("task_id", taskID))

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tctx.Done():
			a.abandon(ctx, taskID)
			return "", a.classifyDone(ctx, tctx)
		case <-ticker.C:
		}

		res, err := a.svc.TaskResult(tctx, taskID)
		if err != nil {
			if tctx.Err() != nil {
				continue
			}
			// transport hiccup; keep polling until the overall timeout
			a.log.Warn("captcha poll failed", logx.String("task_id", taskID), logx.Err(err))
			continue
		}
		switch res.Status {
		case StatusReady:
			text := strings.TrimSpace(res.Text)
			if text == "" {
				return "", fmt.Errorf("%w: empty solution", ErrService)
			}
			return text, nil
		case StatusError:
			return "", fmt.Errorf("%w: %s", ErrService, res.Error)
		default:
			// not ready / processing
		}
	}
}

// ReportIncorrect forwards a wrong-answer report for the last task when the service supports it.
func (a *Automated) ReportIncorrect(ctx context.Context) {
	r, ok := a.svc.(IncorrectReporter)
	if !ok {
		return
	}
	a.mu.Lock()
	id := a.lastTask
	a.mu.Unlock()
	if id == "" {
		return
	}
	if err := r.ReportIncorrect(ctx, id); err != nil {
		a.log.Debug("captcha incorrect report failed", logx.String("task_id", id), logx.Err(err))
	}
}

func (a *Automated) abandon(parent context.Context, taskID string) {
	ab, ok := a.svc.(Abandoner)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), abandonTimeout)
	defer cancel()
	if err := ab.AbandonTask(ctx, taskID); err != nil {
		a.log.Debug("captcha abandon failed", logx.String("task_id", taskID), logx.Err(err))
	}
}

// classifyDone maps a finished context to ErrCancelled (caller) or ErrTimeout (our deadline).
func (a *Automated) classifyDone(parent, tctx context.Context) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, a.cfg.Timeout)
	}
	return nil
}
