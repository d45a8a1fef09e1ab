// Package check runs check sessions: acquire a browser, get past the captcha,
// read availability and escalate when a slot is free. At most one session
// runs at a time.
package check

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"slotwatch/internal/captcha"
	"slotwatch/internal/escalation"
	"slotwatch/internal/eventbus"
	"slotwatch/internal/inbox"
	logx "slotwatch/pkg/logx"
)

// Target describes the booking page.
type Target struct {
	URL              string
	CaptchaImage     string
	CaptchaInput     string
	CaptchaSubmit    string
	WrongCaptchaText string
	NoSlotsText      string
	NextPeriod       string
	CheckNextPeriod  bool
}

type Config struct {
	Target             Target
	MaxCaptchaAttempts int
	ElementTimeout     time.Duration
	NavigationTimeout  time.Duration
	GraceDelay         time.Duration
}

// Gate decides whether scheduled triggers may start.
type Gate interface {
	Allowed() bool
}

// Escalator is the part of escalation.Escalator the orchestrator drives.
type Escalator interface {
	Run(ctx context.Context, message string) *escalation.Campaign
	Stop()
}

// Operator receives milestone messages.
type Operator interface {
	Send(ctx context.Context, text string) error
}

type Deps struct {
	Resources *ResourceManager
	Resolver  captcha.Resolver
	Escalator Escalator
	Hub       *inbox.Hub
	Gate      Gate
	Operator  Operator
	Bus       eventbus.Bus
	Log       logx.Logger
}

const notifyTimeout = 20 * time.Second

type Orchestrator struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	bus  eventbus.Bus

	base context.Context

	mu      sync.Mutex
	active  *session
	last    *SessionInfo
	closing bool

	sessions atomic.Uint64
}

// New builds the orchestrator. Sessions derive from base; cancelling it aborts them.
func New(base context.Context, cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxCaptchaAttempts <= 0 {
		cfg.MaxCaptchaAttempts = 5
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 10 * time.Second
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With(logx.String("comp", "check")),
		bus:  deps.Bus,
		base: base,
	}
}

// Start begins a session for trigger and returns its id without waiting for it.
//
// Scheduled triggers respect the working-hours gate and never preempt a
// running session. Manual triggers bypass the gate, cancel the running session
// and wait up to the grace delay for its teardown.
func (o *Orchestrator) Start(ctx context.Context, trigger Trigger) (string, error) {
	if trigger == TriggerSchedule && o.deps.Gate != nil && !o.deps.Gate.Allowed() {
		o.bus.Publish(eventbus.Event{Type: eventbus.TriggerSkipped, Data: string(trigger)})
		return "", ErrOutsideWindow
	}

	for {
		o.mu.Lock()
		if o.closing {
			o.mu.Unlock()
			return "", ErrShuttingDown
		}
		prev := o.active
		if prev == nil {
			s := newSession(o.base, trigger)
			o.active = s
			o.mu.Unlock()
			o.sessions.Add(1)
			go o.run(s)
			return s.id, nil
		}
		o.mu.Unlock()

		if trigger != TriggerManual {
			o.bus.Publish(eventbus.Event{Type: eventbus.TriggerSkipped, Data: string(trigger)})
			return "", ErrBusy
		}

		o.log.Info("preempting running session", logx.String("session", prev.id), logx.String("state", string(prev.State())))
		prev.cancel()
		if err := o.waitDone(ctx, prev); err != nil {
			return "", err
		}
		// loop: prev cleared the guard during its cleanup
	}
}

func (o *Orchestrator) waitDone(ctx context.Context, s *session) error {
	t := time.NewTimer(o.cfg.GraceDelay)
	defer t.Stop()
	select {
	case <-s.done:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: previous session did not stop within %s", ErrBusy, o.cfg.GraceDelay)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts the running session, if any, without waiting.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return false
	}
	s.cancel()
	return true
}

// Shutdown refuses new sessions, cancels the running one and waits for its teardown.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	s := o.active
	o.mu.Unlock()
	if s == nil {
		return nil
	}
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{Sessions: o.sessions.Load(), Closing: o.closing, Last: o.last}
	if o.active != nil {
		info := o.active.snapshot()
		st.Active = &info
	}
	return st
}

// Done returns a channel closed when the session with id ends, or nil if it is not running.
func (o *Orchestrator) Done(id string) <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil && o.active.id == id {
		return o.active.done
	}
	return nil
}

func (o *Orchestrator) transition(s *session, st State) {
	s.setState(st)
	o.log.Debug("session state", logx.String("session", s.id), logx.String("state", string(st)))
	o.bus.Publish(eventbus.Event{Type: eventbus.SessionState, Data: s.snapshot()})
}

func (o *Orchestrator) run(s *session) {
	log := o.log.With(logx.String("session", s.id), logx.String("trigger", string(s.trigger)))
	log.Info("check session started")
	o.bus.Publish(eventbus.Event{Type: eventbus.SessionStarted, Data: s.snapshot()})

	var res *Resources
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("session panicked: %v", r)
			}
		}()
		o.transition(s, StateAcquiring)
		res, err = o.deps.Resources.Acquire(s.ctx)
		if res != nil {
			res.OnRelease(o.deps.Escalator.Stop)
			res.OnRelease(func() { o.deps.Hub.Cancel(inbox.ConcernCaptcha) })
		}
		if err != nil {
			return err
		}
		return o.execute(s, res, log)
	}()

	final := o.classify(s, err)
	if final == StateAborted {
		log.Info("check session aborted")
	}
	if final == StateFailed {
		log.Error("check session failed", logx.Err(err), logx.Notified())
		o.notify(s.ctx, failureMessage(err))
	}

	o.transition(s, StateCleaning)
	if res != nil {
		res.Release()
	}

	s.mu.Lock()
	s.state = final
	s.err = err
	s.finished = time.Now()
	s.mu.Unlock()
	s.cancel()
	info := s.snapshot()
	log.Info("check session finished", logx.String("state", string(final)), logx.Int("attempts", info.Attempts), logx.Duration("took", info.FinishedAt.Sub(info.StartedAt)))

	// published before the guard clears: a preempting session starts after this event
	o.bus.Publish(eventbus.Event{Type: eventbus.SessionFinished, Data: info})
	o.mu.Lock()
	if o.active == s {
		o.active = nil
	}
	o.last = &info
	o.mu.Unlock()
	close(s.done)
}

func (o *Orchestrator) classify(s *session, err error) State {
	switch {
	case err == nil:
		return StateDone
	case s.ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled), errors.Is(err, captcha.ErrCancelled):
		return StateAborted
	default:
		return StateFailed
	}
}

func (o *Orchestrator) execute(s *session, res *Resources, log logx.Logger) error {
	t := o.cfg.Target
	page := res.Page()

	if err := page.Navigate(s.ctx, t.URL, o.cfg.NavigationTimeout); err != nil {
		return o.cancelled(s, fmt.Errorf("%w: navigate: %w", ErrResourceAcquisition, err))
	}

	o.transition(s, StateSolvingCaptcha)
	if err := o.solveCaptcha(s, res, log); err != nil {
		return err
	}

	o.transition(s, StateEvaluating)
	avail, err := o.evaluate(s, res)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.availability = avail
	s.mu.Unlock()
	if avail == AvailabilityNone {
		log.Info("no appointments available")
		return nil
	}

	o.transition(s, StateEscalating)
	msg := availabilityMessage(avail, t.URL)
	log.Info("appointments available", logx.String("period", string(avail)))
	campaign := o.deps.Escalator.Run(s.ctx, msg)
	outcome, err := campaign.Wait(s.ctx)
	if err != nil {
		return o.cancelled(s, err)
	}
	if outcome == escalation.OutcomeStopped && s.ctx.Err() != nil {
		return o.cancelled(s, s.ctx.Err())
	}
	return nil
}

// solveCaptcha loops on the current challenge until the page accepts an answer.
// A rejected answer or resolver failure only re-reads the challenge; the page
// serves a fresh one by itself.
func (o *Orchestrator) solveCaptcha(s *session, res *Resources, log logx.Logger) error {
	t := o.cfg.Target
	page := res.Page()
	maxAttempts := o.cfg.MaxCaptchaAttempts

	for {
		if err := s.ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		attempt := s.incAttempts()
		o.bus.Publish(eventbus.Event{Type: eventbus.CaptchaAttempt, Data: s.snapshot()})

		img, err := page.Screenshot(s.ctx, t.CaptchaImage, o.cfg.ElementTimeout)
		if err != nil {
			return o.cancelled(s, fmt.Errorf("%w: locate captcha: %w", ErrEvaluation, err))
		}

		answer, err := o.deps.Resolver.Resolve(s.ctx, img)
		switch {
		case err == nil:
		case s.ctx.Err() != nil || errors.Is(err, captcha.ErrCancelled):
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		default:
			log.Warn("captcha resolve failed", logx.Int("attempt", attempt), logx.Err(err), logx.Notified())
			if attempt >= maxAttempts {
				return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
			}
			o.notify(s.ctx, fmt.Sprintf("Captcha attempt %d/%d failed: %v", attempt, maxAttempts, err))
			continue
		}

		if err := page.SubmitText(s.ctx, t.CaptchaInput, t.CaptchaSubmit, answer, o.cfg.NavigationTimeout); err != nil {
			return o.cancelled(s, fmt.Errorf("%w: submit captcha: %w", ErrEvaluation, err))
		}

		wrong := false
		if strings.TrimSpace(t.WrongCaptchaText) != "" {
			wrong, err = page.ContainsText(s.ctx, t.WrongCaptchaText)
			if err != nil {
				return o.cancelled(s, fmt.Errorf("%w: read captcha result: %w", ErrEvaluation, err))
			}
		}
		if !wrong {
			log.Info("captcha accepted", logx.Int("attempt", attempt), logx.String("resolver", o.deps.Resolver.Name()))
			return nil
		}

		if fb, ok := o.deps.Resolver.(captcha.Feedback); ok {
			fb.ReportIncorrect(s.ctx)
		}
		log.Warn("captcha rejected", logx.Int("attempt", attempt), logx.Notified())
		if attempt >= maxAttempts {
			return fmt.Errorf("%w: %d answers rejected", ErrAttemptsExhausted, attempt)
		}
		o.notify(s.ctx, fmt.Sprintf("Captcha attempt %d/%d was wrong, retrying.", attempt, maxAttempts))
	}
}

func (o *Orchestrator) evaluate(s *session, res *Resources) (Availability, error) {
	t := o.cfg.Target
	page := res.Page()

	none, err := page.ContainsText(s.ctx, t.NoSlotsText)
	if err != nil {
		return AvailabilityNone, o.cancelled(s, fmt.Errorf("%w: %w", ErrEvaluation, err))
	}
	if !none {
		return AvailabilityCurrent, nil
	}
	if !t.CheckNextPeriod {
		return AvailabilityNone, nil
	}

	if err := page.ClickAndWait(s.ctx, t.NextPeriod, o.cfg.NavigationTimeout); err != nil {
		return AvailabilityNone, o.cancelled(s, fmt.Errorf("%w: open next period: %w", ErrEvaluation, err))
	}
	none, err = page.ContainsText(s.ctx, t.NoSlotsText)
	if err != nil {
		return AvailabilityNone, o.cancelled(s, fmt.Errorf("%w: next period: %w", ErrEvaluation, err))
	}
	if !none {
		return AvailabilityNext, nil
	}
	return AvailabilityNone, nil
}

// cancelled reports err as a cancellation when the session was aborted while it happened.
func (o *Orchestrator) cancelled(s *session, err error) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

// notify sends an operator message; delivery problems are logged only.
func (o *Orchestrator) notify(ctx context.Context, text string) {
	if o.deps.Operator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := o.deps.Operator.Send(ctx, text); err != nil {
		o.log.Warn("operator message failed", logx.Err(err))
	}
}

func availabilityMessage(a Availability, url string) string {
	period := "this month"
	if a == AvailabilityNext {
		period = "next month"
	}
	return fmt.Sprintf("Appointments are available %s.\n%s", period, url)
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, ErrResourceAcquisition):
		return "Check failed: could not open the booking page.\n" + err.Error()
	case errors.Is(err, ErrAttemptsExhausted):
		return "Check failed: captcha was not solved.\n" + err.Error()
	case errors.Is(err, ErrEvaluation):
		return "Check failed: could not read the booking page.\n" + err.Error()
	default:
		return "Check failed: " + err.Error()
	}
}
