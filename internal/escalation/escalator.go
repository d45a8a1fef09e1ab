// Package escalation repeats an availability alert across channels until the
// operator acknowledges it or the notification budget runs out.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"slotwatch/internal/eventbus"
	"slotwatch/internal/inbox"
	"slotwatch/internal/notifier"
	kit "slotwatch/internal/transport"
	logx "slotwatch/pkg/logx"
)

type Config struct {
	Interval         time.Duration
	MaxNotifications int
	// EmailEvery sends email on every Nth tick (10, 20, ...).
	EmailEvery int
	MaxEmails  int
	AckText    string
}

// Channels lists the routes. Chat is required; Push and Email may be nil.
type Channels struct {
	Chat  notifier.Channel
	Push  notifier.Channel
	Email notifier.Channel
}

type Outcome string

const (
	OutcomeRunning      Outcome = "running"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeExhausted    Outcome = "exhausted"
	OutcomeStopped      Outcome = "stopped"
)

const (
	alertTitle        = "Appointment available"
	confirmationTitle = "Alerts stopped"
)

// Stats is a point-in-time view of a campaign.
type Stats struct {
	Sent     int
	Emails   int
	Acked    bool
	Outcome  Outcome
	Started  time.Time
	Finished time.Time
}

// Campaign is one escalation for one availability event.
type Campaign struct {
	message string
	started time.Time

	sent   atomic.Int32
	emails atomic.Int32
	acked  atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	outcome  Outcome
	finished time.Time
}

func (c *Campaign) Message() string { return c.message }

// Done is closed when the campaign terminates.
func (c *Campaign) Done() <-chan struct{} { return c.done }

// Wait blocks until the campaign ends or ctx is done.
func (c *Campaign) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.done:
		return c.Outcome(), nil
	case <-ctx.Done():
		return c.Outcome(), ctx.Err()
	}
}

// Stop force-terminates the campaign without waiting for acknowledgment and
// returns once it has ended.
func (c *Campaign) Stop() {
	c.cancel()
	<-c.done
}

func (c *Campaign) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

func (c *Campaign) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Sent:     int(c.sent.Load()),
		Emails:   int(c.emails.Load()),
		Acked:    c.acked.Load(),
		Outcome:  c.outcome,
		Started:  c.started,
		Finished: c.finished,
	}
}

func (c *Campaign) finish(o Outcome) {
	c.mu.Lock()
	c.outcome = o
	c.finished = time.Now()
	c.mu.Unlock()
	close(c.done)
}

// Escalator runs at most one campaign at a time.
type Escalator struct {
	cfg Config
	ch  Channels
	hub *inbox.Hub
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	active *Campaign
	last   *Campaign
}

func New(cfg Config, ch Channels, hub *inbox.Hub, log logx.Logger, bus eventbus.Bus) (*Escalator, error) {
	if ch.Chat == nil {
		return nil, errors.New("escalation: chat channel is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxNotifications <= 0 {
		cfg.MaxNotifications = 50
	}
	if cfg.EmailEvery <= 0 {
		cfg.EmailEvery = 10
	}
	if cfg.MaxEmails < 0 {
		cfg.MaxEmails = 0
	}
	if strings.TrimSpace(cfg.AckText) == "" {
		cfg.AckText = "OK"
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Escalator{cfg: cfg, ch: ch, hub: hub, log: log.With(logx.String("comp", "escalation")), bus: bus}, nil
}

// IsAck reports whether text acknowledges a campaign (case-insensitive, trimmed).
func (e *Escalator) IsAck(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), e.cfg.AckText)
}

// Run starts a campaign for message. If one is already running it is returned
// unchanged. The campaign stops when ctx is done.
func (e *Escalator) Run(ctx context.Context, message string) *Campaign {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		select {
		case <-e.active.done:
		default:
			return e.active
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Campaign{message: message, started: time.Now(), cancel: cancel, done: make(chan struct{}), outcome: OutcomeRunning}
	e.active = c
	e.last = c

	// Register the ack listener before the first send so a quick reply is never missed.
	sub, err := e.hub.Subscribe(inbox.ConcernAck, func(m kit.Message) bool { return e.IsAck(m.Text) })
	if err != nil {
		e.log.Warn("ack listener unavailable; campaign runs to budget", logx.Err(err))
		sub = nil
	}
	go e.loop(cctx, c, sub)
	return c
}

// Active returns the running campaign, if any.
func (e *Escalator) Active() *Campaign {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return nil
	}
	select {
	case <-e.active.done:
		return nil
	default:
		return e.active
	}
}

// Last returns the most recent campaign (running or finished).
func (e *Escalator) Last() *Campaign {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Stop ends the running campaign, if any.
func (e *Escalator) Stop() {
	if c := e.Active(); c != nil {
		c.Stop()
	}
}

func (e *Escalator) loop(ctx context.Context, c *Campaign, sub *inbox.Subscription) {
	outcome := OutcomeStopped
	defer func() {
		if sub != nil {
			sub.Cancel()
		}
		c.cancel()
		c.finish(outcome)
		e.bus.Publish(eventbus.Event{Type: eventbus.EscalationStopped, Data: c.Stats()})
		e.log.Info("campaign finished", logx.String("outcome", string(outcome)), logx.Int("sent", int(c.sent.Load())), logx.Int("emails", int(c.emails.Load())))
	}()

	var ackC <-chan kit.Message
	if sub != nil {
		ackC = sub.C()
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		// ack or cancel arriving during a tick wins over the next tick
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ackC:
			if ok {
				outcome = OutcomeAcknowledged
				e.acknowledge(ctx, c)
				return
			}
			ackC = nil
		default:
		}

		e.tick(ctx, c)
		if int(c.sent.Load()) >= e.cfg.MaxNotifications {
			outcome = OutcomeExhausted
			return
		}

		select {
		case <-ctx.Done():
			return
		case _, ok := <-ackC:
			if ok {
				outcome = OutcomeAcknowledged
				e.acknowledge(ctx, c)
				return
			}
			ackC = nil
		case <-ticker.C:
		}
	}
}

func (e *Escalator) tick(ctx context.Context, c *Campaign) {
	n := int(c.sent.Add(1))
	body := fmt.Sprintf("%s\n\nAlert %d/%d. Reply %s to stop.", c.message, n, e.cfg.MaxNotifications, e.cfg.AckText)

	e.send(ctx, e.ch.Chat, alertTitle, body)
	if e.ch.Push != nil {
		e.send(ctx, e.ch.Push, alertTitle, c.message)
	}
	if e.ch.Email != nil && n%e.cfg.EmailEvery == 0 && int(c.emails.Load()) < e.cfg.MaxEmails {
		c.emails.Add(1)
		e.send(ctx, e.ch.Email, alertTitle, c.message)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.EscalationTick, Data: c.Stats()})
}

// acknowledge runs at most once per campaign.
func (e *Escalator) acknowledge(ctx context.Context, c *Campaign) {
	if !c.acked.CompareAndSwap(false, true) {
		return
	}
	e.send(ctx, e.ch.Chat, confirmationTitle, fmt.Sprintf("Acknowledged after %d alert(s).", c.sent.Load()))
}

// send logs channel failures and never propagates them.
func (e *Escalator) send(ctx context.Context, ch notifier.Channel, title, body string) {
	if err := ch.Send(ctx, title, body); err != nil {
		if ctx.Err() != nil {
			return
		}
		e.log.Warn("notification channel failed", logx.String("channel", ch.Name()), logx.Err(err))
	}
}
