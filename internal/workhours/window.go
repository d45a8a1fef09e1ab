// Package workhours decides whether a scheduled check may start now.
package workhours

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var ErrInvalidClock = errors.New("invalid time of day")

// Clock is a time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

func (c Clock) minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseClock parses "HH:MM" (or "H:MM"). Hour must be 0-23 and minute 0-59.
func ParseClock(raw string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Clock{}, fmt.Errorf("%w: %q (want HH:MM)", ErrInvalidClock, raw)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("%w: hour %q must be 0-23", ErrInvalidClock, h)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("%w: minute %q must be 00-59", ErrInvalidClock, m)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// Window is the time-of-day range in which scheduled checks run.
// Location nil means process local time.
type Window struct {
	Start    Clock
	End      Clock
	Location *time.Location
}

func (w Window) String() string {
	s := w.Start.String() + "-" + w.End.String()
	if w.Location != nil {
		s += " " + w.Location.String()
	}
	return s
}

// WrapsMidnight reports whether the window spans midnight (e.g. 22:00-06:00).
func (w Window) WrapsMidnight() bool { return w.Start.minutes() > w.End.minutes() }

// Allowed reports whether now falls inside w.
//
// start <= end: start <= now < end. start > end: now >= start or now < end.
func Allowed(now time.Time, w Window) bool {
	if w.Location != nil {
		now = now.In(w.Location)
	} else {
		now = now.Local()
	}
	cur := now.Hour()*60 + now.Minute()
	start, end := w.Start.minutes(), w.End.minutes()
	if start <= end {
		return start <= cur && cur < end
	}
	return cur >= start || cur < end
}

// Gate holds the process-wide window. Operator commands replace it whole;
// scheduled triggers read it without locking.
type Gate struct {
	w   atomic.Pointer[Window]
	now func() time.Time
}

func NewGate(w Window) *Gate {
	g := &Gate{now: time.Now}
	g.w.Store(&w)
	return g
}

func (g *Gate) Window() Window { return *g.w.Load() }

// Allowed evaluates the current window against the gate clock.
func (g *Gate) Allowed() bool { return Allowed(g.now(), g.Window()) }

// SetStart parses raw and replaces the window start. The previous window is kept on error.
func (g *Gate) SetStart(raw string) (Window, error) {
	c, err := ParseClock(raw)
	if err != nil {
		return g.Window(), err
	}
	return g.update(func(w *Window) { w.Start = c }), nil
}

// SetEnd parses raw and replaces the window end. The previous window is kept on error.
func (g *Gate) SetEnd(raw string) (Window, error) {
	c, err := ParseClock(raw)
	if err != nil {
		return g.Window(), err
	}
	return g.update(func(w *Window) { w.End = c }), nil
}

func (g *Gate) update(fn func(w *Window)) Window {
	for {
		old := g.w.Load()
		next := *old
		fn(&next)
		if g.w.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// NewWindow builds a Window from config strings. Empty timezone means local time.
func NewWindow(start, end, timezone string) (Window, error) {
	s, err := ParseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("start: %w", err)
	}
	e, err := ParseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("end: %w", err)
	}
	w := Window{Start: s, End: e}
	if tz := strings.TrimSpace(timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("timezone: %w", err)
		}
		w.Location = loc
	}
	return w, nil
}
