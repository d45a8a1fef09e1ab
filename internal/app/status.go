package app

import (
	"fmt"
	"strings"
	"time"

	"slotwatch/internal/check"
	"slotwatch/internal/escalation"
	"slotwatch/internal/notifier"
	"slotwatch/internal/workhours"
)

// Status is served as JSON on /status and rendered for the status command.
type Status struct {
	StartedAt      time.Time              `json:"started_at"`
	WorkingHours   string                 `json:"working_hours"`
	InWindow       bool                   `json:"in_window"`
	Schedule       string                 `json:"schedule"`
	NextRun        time.Time              `json:"next_run,omitzero"`
	Check          check.Status           `json:"check"`
	Campaign       *escalation.Stats      `json:"campaign,omitempty"`
	ForwardRoutine bool                   `json:"forward_routine_logs"`
	Notifications  []notifier.HistoryItem `json:"notifications,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt:      a.startedAt,
		WorkingHours:   a.gate.Window().String(),
		InWindow:       a.gate.Allowed(),
		Schedule:       a.sched.Spec(),
		NextRun:        a.sched.Next(),
		Check:          a.orch.Snapshot(),
		ForwardRoutine: a.logs.ForwardRoutine(),
	}
	c := a.escalator.Active()
	if c == nil {
		c = a.escalator.Last()
	}
	if c != nil {
		stats := c.Stats()
		st.Campaign = &stats
	}
	for _, ch := range a.channels {
		st.Notifications = append(st.Notifications, ch.Snapshot()...)
	}
	return st
}

func renderStatus(st Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Working hours: %s (%s)\n", st.WorkingHours, inOut(st.InWindow))
	fmt.Fprintf(&b, "Schedule: %s", st.Schedule)
	if !st.NextRun.IsZero() {
		fmt.Fprintf(&b, ", next %s", st.NextRun.Format("2006-01-02 15:04"))
	}
	b.WriteString("\n")

	if s := st.Check.Active; s != nil {
		fmt.Fprintf(&b, "Running: %s (%s), state %s, captcha attempts %d\n", shortID(s.ID), s.Trigger, s.State, s.Attempts)
	} else {
		b.WriteString("Running: none\n")
	}
	if s := st.Check.Last; s != nil {
		fmt.Fprintf(&b, "Last: %s at %s", s.State, s.FinishedAt.Format("2006-01-02 15:04"))
		if s.Availability != check.AvailabilityNone {
			fmt.Fprintf(&b, ", slots in %s period", s.Availability)
		}
		if s.Error != "" {
			fmt.Fprintf(&b, ", error: %s", s.Error)
		}
		b.WriteString("\n")
	}
	if c := st.Campaign; c != nil {
		fmt.Fprintf(&b, "Alerts: %s, %d sent, %d emails\n", c.Outcome, c.Sent, c.Emails)
	}
	fmt.Fprintf(&b, "Sessions since start: %d\n", st.Check.Sessions)
	fmt.Fprintf(&b, "Routine log forwarding: %s", onOff(st.ForwardRoutine))
	return b.String()
}

func describeWindow(w workhours.Window) string {
	s := "Working hours: " + w.String()
	if w.Start == w.End {
		s += " (empty: scheduled checks are paused)"
	} else if w.WrapsMidnight() {
		s += " (spans midnight)"
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

func inOut(in bool) string {
	if in {
		return "inside"
	}
	return "outside"
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
