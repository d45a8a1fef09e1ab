package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slotwatch/internal/check"
	"slotwatch/internal/commands"
	"slotwatch/internal/workhours"
	logx "slotwatch/pkg/logx"
)

var errUsage = errors.New("usage")

func (a *App) commands() []commands.Command {
	return []commands.Command{
		{
			Name:        "check_now",
			Description: "Run a check now (cancels a running one)",
			// waiting for a preempted session is bounded by the grace delay
			Timeout: a.settings.GraceDelay + 30*time.Second,
			Handle:  a.cmdCheckNow,
		},
		{
			Name:        "set_start",
			Description: "Set the working hours start",
			Usage:       "HH:MM",
			Handle:      a.cmdSetWindow(true),
		},
		{
			Name:        "set_end",
			Description: "Set the working hours end",
			Usage:       "HH:MM",
			Handle:      a.cmdSetWindow(false),
		},
		{
			Name:        "toggle_logging",
			Description: "Toggle forwarding of routine log lines",
			Handle:      a.cmdToggleLogging,
		},
		{
			Name:        "status",
			Description: "Show window, running check and last outcome",
			Handle:      a.cmdStatus,
		},
		{
			Name:        "shutdown",
			Description: "Stop checks and exit",
			Handle:      a.cmdShutdown,
		},
		{
			Name:        "help",
			Aliases:     []string{"start"},
			Description: "List commands",
			Handle:      a.cmdHelp,
		},
	}
}

func (a *App) cmdCheckNow(ctx context.Context, req *commands.Request) error {
	id, err := a.orch.Start(ctx, check.TriggerManual)
	if err != nil {
		return err
	}
	req.Logger.Info("manual check started", logx.String("session", id))
	return req.Reply(ctx, "Check started ("+shortID(id)+").")
}

func (a *App) cmdSetWindow(start bool) commands.HandlerFunc {
	return func(ctx context.Context, req *commands.Request) error {
		name := "set_end"
		if start {
			name = "set_start"
		}
		if len(req.Args) != 1 {
			return fmt.Errorf("%w: /%s HH:MM", errUsage, name)
		}
		var (
			w   workhours.Window
			err error
		)
		if start {
			w, err = a.gate.SetStart(req.Args[0])
		} else {
			w, err = a.gate.SetEnd(req.Args[0])
		}
		if err != nil {
			return err
		}
		req.Logger.Info("working hours changed", logx.String("window", w.String()))
		return req.Reply(ctx, describeWindow(w))
	}
}

func (a *App) cmdToggleLogging(ctx context.Context, req *commands.Request) error {
	on := a.logs.ToggleForwardRoutine()
	req.Logger.Info("routine log forwarding toggled", logx.Bool("on", on))
	if on {
		return req.Reply(ctx, "Routine log forwarding is on. Warnings and errors are always forwarded.")
	}
	return req.Reply(ctx, "Routine log forwarding is off. Warnings and errors are still forwarded.")
}

func (a *App) cmdStatus(ctx context.Context, req *commands.Request) error {
	return req.Reply(ctx, renderStatus(a.Status()))
}

func (a *App) cmdHelp(ctx context.Context, req *commands.Request) error {
	return req.Reply(ctx, a.cmdm.HelpText())
}

func (a *App) cmdShutdown(ctx context.Context, req *commands.Request) error {
	req.Logger.Warn("shutdown requested by operator", logx.Notified())
	a.orch.Cancel()
	err := req.Reply(ctx, "Shutting down.")
	a.requestStop(StopCommand)
	return err
}
