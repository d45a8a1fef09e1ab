package check

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/captcha"
	"slotwatch/internal/escalation"
	"slotwatch/internal/eventbus"
	"slotwatch/internal/inbox"
	kit "slotwatch/internal/transport"
	logx "slotwatch/pkg/logx"
)

const operatorID = int64(77)

type chatSink struct {
	mu     sync.Mutex
	titles []string
	first  chan struct{}
	once   sync.Once
}

func (c *chatSink) Name() string { return "chat" }

func (c *chatSink) Send(ctx context.Context, title, body string) error {
	c.mu.Lock()
	c.titles = append(c.titles, title)
	c.mu.Unlock()
	c.once.Do(func() { close(c.first) })
	return nil
}

type harness struct {
	orch     *Orchestrator
	launcher *fakeLauncher
	resolver *fakeResolver
	operator *recordingOperator
	hub      *inbox.Hub
	chat     *chatSink
	bus      eventbus.Bus
	allowed  bool
}

func newHarness(t *testing.T, page func() *fakePage, resolver *fakeResolver, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		launcher: &fakeLauncher{newPage: page},
		resolver: resolver,
		operator: &recordingOperator{},
		hub:      inbox.NewHub(operatorID),
		chat:     &chatSink{first: make(chan struct{})},
		bus:      eventbus.New(),
		allowed:  true,
	}
	esc, err := escalation.New(escalation.Config{Interval: time.Hour, MaxNotifications: 3}, escalation.Channels{Chat: h.chat}, h.hub, logx.Nop(), h.bus)
	require.NoError(t, err)

	cfg := Config{
		Target: Target{
			URL:              "https://booking.example",
			CaptchaImage:     "#img",
			CaptchaInput:     "#code",
			CaptchaSubmit:    "#go",
			WrongCaptchaText: wrongText,
			NoSlotsText:      noSlotsText,
			NextPeriod:       "#next",
		},
		MaxCaptchaAttempts: 5,
		GraceDelay:         2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.orch = New(context.Background(), cfg, Deps{
		Resources: NewResourceManager(h.launcher, logx.Nop()),
		Resolver:  resolver,
		Escalator: esc,
		Hub:       h.hub,
		Gate:      gateFunc(func() bool { return h.allowed }),
		Operator:  h.operator,
		Bus:       h.bus,
		Log:       logx.Nop(),
	})
	return h
}

func (h *harness) runToEnd(t *testing.T, trigger Trigger) SessionInfo {
	t.Helper()
	id, err := h.orch.Start(context.Background(), trigger)
	require.NoError(t, err)
	if done := h.orch.Done(id); done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("session did not finish")
		}
	}
	last := h.orch.Snapshot().Last
	require.NotNil(t, last)
	require.Equal(t, id, last.ID)
	return *last
}

func TestSessionWithoutSlotsIsDone(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func() *fakePage { return &fakePage{} }, &fakeResolver{answer: "abc"}, nil)
	info := h.runToEnd(t, TriggerManual)

	assert.Equal(t, StateDone, info.State)
	assert.Equal(t, 1, info.Attempts)
	assert.Equal(t, AvailabilityNone, info.Availability)
	assert.Empty(t, h.operator.all(), "no slots is not a milestone")

	browsers := h.launcher.all()
	require.Len(t, browsers, 1)
	assert.Equal(t, int32(1), browsers[0].closed.Load())
	assert.Equal(t, int32(1), browsers[0].page.closed.Load())
	assert.Nil(t, h.orch.Snapshot().Active)
}

func TestAvailabilityEscalatesUntilAck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func() *fakePage { return &fakePage{slotsNow: true} }, &fakeResolver{answer: "abc"}, nil)
	id, err := h.orch.Start(context.Background(), TriggerManual)
	require.NoError(t, err)
	done := h.orch.Done(id)
	require.NotNil(t, done)

	<-h.chat.first
	assert.Equal(t, StateEscalating, h.orch.Snapshot().Active.State)
	require.True(t, h.hub.Dispatch(kit.Message{FromID: operatorID, Text: "OK"}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish after ack")
	}
	last := h.orch.Snapshot().Last
	assert.Equal(t, StateDone, last.State)
	assert.Equal(t, AvailabilityCurrent, last.Availability)
}

func TestNextPeriodPolicy(t *testing.T) {
	t.Parallel()

	page := func() *fakePage { return &fakePage{slotsNext: true} }

	off := newHarness(t, page, &fakeResolver{answer: "abc"}, nil)
	assert.Equal(t, AvailabilityNone, off.runToEnd(t, TriggerManual).Availability)

	on := newHarness(t, page, &fakeResolver{answer: "abc"}, func(c *Config) {
		c.Target.CheckNextPeriod = true
	})
	id, err := on.orch.Start(context.Background(), TriggerManual)
	require.NoError(t, err)
	<-on.chat.first
	info := on.orch.Snapshot().Active
	require.NotNil(t, info)
	assert.Equal(t, AvailabilityNext, info.Availability)
	require.True(t, on.orch.Cancel())
	<-waitFor(on.orch, id)
	assert.Equal(t, StateAborted, on.orch.Snapshot().Last.State)
}

func waitFor(o *Orchestrator, id string) <-chan struct{} {
	if d := o.Done(id); d != nil {
		return d
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestCaptchaAttemptsBounded(t *testing.T) {
	t.Parallel()

	var page *fakePage
	h := newHarness(t, func() *fakePage {
		page = &fakePage{wrongAnswers: 1000}
		return page
	}, &fakeResolver{answer: "nope"}, nil)

	info := h.runToEnd(t, TriggerManual)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, 5, info.Attempts)
	assert.Equal(t, int32(5), h.resolver.calls.Load())
	assert.Equal(t, 5, page.submissions())
	assert.Contains(t, info.Error, ErrAttemptsExhausted.Error())

	msgs := h.operator.all()
	require.Len(t, msgs, 5, "four retry warnings and one failure message")
	assert.True(t, strings.HasPrefix(msgs[4], "Check failed: captcha was not solved."))
}

func TestTransientResolverFailureRetries(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{answer: "abc", errs: []error{captcha.ErrTimeout, nil}}
	h := newHarness(t, func() *fakePage { return &fakePage{} }, resolver, nil)

	info := h.runToEnd(t, TriggerManual)
	assert.Equal(t, StateDone, info.State)
	assert.Equal(t, 2, info.Attempts)
	assert.Len(t, h.operator.all(), 1)
}

func TestAcquisitionFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func() *fakePage { return &fakePage{} }, &fakeResolver{answer: "abc"}, nil)
	h.launcher.err = errors.New("chrome not found")

	info := h.runToEnd(t, TriggerManual)
	assert.Equal(t, StateFailed, info.State)
	assert.Contains(t, info.Error, "chrome not found")
	msgs := h.operator.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "could not open the booking page")
}

func TestPartialAcquisitionIsReleased(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func() *fakePage { return &fakePage{} }, &fakeResolver{answer: "abc"}, nil)
	h.launcher.pageErr = errors.New("tab crashed")

	info := h.runToEnd(t, TriggerManual)
	assert.Equal(t, StateFailed, info.State)
	require.Len(t, h.launcher.all(), 1)
	assert.Equal(t, int32(1), h.launcher.all()[0].closed.Load())
}

func TestScheduledTriggerRespectsGateAndSingleFlight(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{block: true, entered: make(chan struct{}, 1)}
	h := newHarness(t, func() *fakePage { return &fakePage{} }, resolver, nil)

	h.allowed = false
	_, err := h.orch.Start(context.Background(), TriggerSchedule)
	require.ErrorIs(t, err, ErrOutsideWindow)

	h.allowed = true
	id, err := h.orch.Start(context.Background(), TriggerSchedule)
	require.NoError(t, err)
	<-resolver.entered

	_, err = h.orch.Start(context.Background(), TriggerSchedule)
	require.ErrorIs(t, err, ErrBusy)
	_, err = h.orch.Start(context.Background(), TriggerStartup)
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, h.orch.Shutdown(context.Background()))
	<-waitFor(h.orch, id)
	assert.Equal(t, StateAborted, h.orch.Snapshot().Last.State)
	assert.Empty(t, h.operator.all(), "aborts are silent")

	_, err = h.orch.Start(context.Background(), TriggerManual)
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestManualTriggerPreemptsAfterTeardown(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{block: true, entered: make(chan struct{}, 1)}
	h := newHarness(t, func() *fakePage { return &fakePage{} }, resolver, nil)

	events, unsub := h.bus.Subscribe(256)
	defer unsub()

	first, err := h.orch.Start(context.Background(), TriggerManual)
	require.NoError(t, err)
	<-resolver.entered
	require.Equal(t, StateSolvingCaptcha, h.orch.Snapshot().Active.State)

	second, err := h.orch.Start(context.Background(), TriggerManual)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// The first session must be finished (and its browser closed) before the
	// second one reaches Acquiring.
	var order []string
	timeout := time.After(5 * time.Second)
	for len(order) < 2 {
		select {
		case ev := <-events:
			info, ok := ev.Data.(SessionInfo)
			if !ok {
				continue
			}
			switch {
			case ev.Type == eventbus.SessionFinished && info.ID == first:
				order = append(order, "first finished")
			case ev.Type == eventbus.SessionState && info.ID == second && info.State == StateAcquiring:
				order = append(order, "second acquiring")
			}
		case <-timeout:
			t.Fatalf("events missing, got %v", order)
		}
	}
	assert.Equal(t, []string{"first finished", "second acquiring"}, order)
	assert.Equal(t, int32(1), h.launcher.all()[0].closed.Load())

	require.NoError(t, h.orch.Shutdown(context.Background()))
	assert.Equal(t, 0, h.hub.Count(), "no captcha listener may survive")
}

func TestManualTriggerGivesUpAfterGrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func() *fakePage { return &fakePage{} }, &fakeResolver{answer: "x"}, func(c *Config) {
		c.GraceDelay = 20 * time.Millisecond
	})

	// A session whose teardown never completes.
	stuck := newSession(context.Background(), TriggerManual)
	h.orch.mu.Lock()
	h.orch.active = stuck
	h.orch.mu.Unlock()

	_, err := h.orch.Start(context.Background(), TriggerManual)
	require.ErrorIs(t, err, ErrBusy)
	assert.Error(t, stuck.ctx.Err(), "preempted session must be cancelled")
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()

	l := &fakeLauncher{newPage: func() *fakePage { return &fakePage{} }}
	res, err := NewResourceManager(l, logx.Nop()).Acquire(context.Background())
	require.NoError(t, err)

	hooks := 0
	res.OnRelease(func() { hooks++ })
	res.OnRelease(func() { panic("hook blew up") })

	assert.NotPanics(t, res.Release)
	assert.NotPanics(t, res.Release)

	b := l.all()[0]
	assert.Equal(t, int32(1), b.closed.Load())
	assert.Equal(t, int32(1), b.page.closed.Load())
	assert.Equal(t, 1, hooks)
}
