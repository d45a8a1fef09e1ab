package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/inbox"
	kit "slotwatch/internal/transport"
	logx "slotwatch/pkg/logx"
)

const operator = int64(5)

type countingChannel struct {
	name string
	fail bool

	mu     sync.Mutex
	titles []string
	first  chan struct{}
	once   sync.Once
}

func newCounting(name string) *countingChannel {
	return &countingChannel{name: name, first: make(chan struct{})}
}

func (c *countingChannel) Name() string { return c.name }

func (c *countingChannel) Send(ctx context.Context, title, body string) error {
	c.mu.Lock()
	c.titles = append(c.titles, title)
	c.mu.Unlock()
	c.once.Do(func() { close(c.first) })
	if c.fail {
		return errors.New(c.name + " down")
	}
	return nil
}

func (c *countingChannel) count(title string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.titles {
		if t == title {
			n++
		}
	}
	return n
}

func fastConfig() Config {
	return Config{Interval: time.Millisecond, MaxNotifications: 50, EmailEvery: 10, MaxEmails: 10, AckText: "OK"}
}

func waitDone(t *testing.T, c *Campaign) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := c.Wait(ctx)
	require.NoError(t, err)
	return o
}

func TestCampaignWithoutAckExhaustsBudget(t *testing.T) {
	t.Parallel()

	chat, push, email := newCounting("chat"), newCounting("push"), newCounting("email")
	hub := inbox.NewHub(operator)
	e, err := New(fastConfig(), Channels{Chat: chat, Push: push, Email: email}, hub, logx.Nop(), nil)
	require.NoError(t, err)

	c := e.Run(context.Background(), "Slot on 12 May")
	assert.Equal(t, OutcomeExhausted, waitDone(t, c))

	assert.Equal(t, 50, chat.count(alertTitle))
	assert.Equal(t, 50, push.count(alertTitle))
	assert.Equal(t, 5, email.count(alertTitle))
	assert.Equal(t, 0, chat.count(confirmationTitle))
	assert.Equal(t, 0, hub.Count(), "ack listener must be released")

	st := c.Stats()
	assert.Equal(t, 50, st.Sent)
	assert.Equal(t, 5, st.Emails)
	assert.False(t, st.Acked)
}

func TestEmailCapIndependentOfChatCap(t *testing.T) {
	t.Parallel()

	chat, email := newCounting("chat"), newCounting("email")
	cfg := fastConfig()
	cfg.EmailEvery, cfg.MaxEmails = 2, 3
	e, err := New(cfg, Channels{Chat: chat, Email: email}, inbox.NewHub(operator), logx.Nop(), nil)
	require.NoError(t, err)

	waitDone(t, e.Run(context.Background(), "slot"))
	assert.Equal(t, 3, email.count(alertTitle))
}

func TestZeroEmailCapSendsNoEmail(t *testing.T) {
	t.Parallel()

	chat, email := newCounting("chat"), newCounting("email")
	cfg := fastConfig()
	cfg.MaxNotifications, cfg.EmailEvery, cfg.MaxEmails = 6, 1, 0
	e, err := New(cfg, Channels{Chat: chat, Email: email}, inbox.NewHub(operator), logx.Nop(), nil)
	require.NoError(t, err)

	waitDone(t, e.Run(context.Background(), "slot"))
	assert.Zero(t, email.count(alertTitle))
	assert.Equal(t, 6, chat.count(alertTitle))
}

func TestAckStopsOnceWithSingleConfirmation(t *testing.T) {
	t.Parallel()

	chat := newCounting("chat")
	hub := inbox.NewHub(operator)
	cfg := fastConfig()
	cfg.Interval = time.Hour
	e, err := New(cfg, Channels{Chat: chat}, hub, logx.Nop(), nil)
	require.NoError(t, err)

	c := e.Run(context.Background(), "slot")
	<-chat.first

	require.True(t, hub.Dispatch(kit.Message{FromID: operator, Text: " ok "}))
	assert.Equal(t, OutcomeAcknowledged, waitDone(t, c))
	assert.False(t, hub.Dispatch(kit.Message{FromID: operator, Text: "OK"}), "second OK is a no-op")

	assert.Equal(t, 1, chat.count(confirmationTitle))
	assert.Equal(t, 1, chat.count(alertTitle))
	assert.True(t, c.Stats().Acked)
}

func TestRunIsIdempotentWhileActive(t *testing.T) {
	t.Parallel()

	chat := newCounting("chat")
	cfg := fastConfig()
	cfg.Interval = time.Hour
	e, err := New(cfg, Channels{Chat: chat}, inbox.NewHub(operator), logx.Nop(), nil)
	require.NoError(t, err)

	a := e.Run(context.Background(), "first")
	b := e.Run(context.Background(), "second")
	assert.Same(t, a, b)
	assert.Equal(t, "first", b.Message())

	a.Stop()
	assert.Equal(t, OutcomeStopped, a.Outcome())
	assert.Nil(t, e.Active())
	assert.NotSame(t, a, e.Run(context.Background(), "third"))
	e.Stop()
}

func TestStopResolvesWithoutAck(t *testing.T) {
	t.Parallel()

	chat := newCounting("chat")
	hub := inbox.NewHub(operator)
	cfg := fastConfig()
	cfg.Interval = time.Hour
	e, err := New(cfg, Channels{Chat: chat}, hub, logx.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := e.Run(ctx, "slot")
	<-chat.first
	cancel()

	assert.Equal(t, OutcomeStopped, waitDone(t, c))
	assert.Equal(t, 0, hub.Count())
	assert.Equal(t, 0, chat.count(confirmationTitle))
}

func TestChannelFailureDoesNotAbortCampaign(t *testing.T) {
	t.Parallel()

	chat, push := newCounting("chat"), newCounting("push")
	push.fail = true
	cfg := fastConfig()
	cfg.MaxNotifications = 3
	e, err := New(cfg, Channels{Chat: chat, Push: push}, inbox.NewHub(operator), logx.Nop(), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeExhausted, waitDone(t, e.Run(context.Background(), "slot")))
	assert.Equal(t, 3, chat.count(alertTitle))
	assert.Equal(t, 3, push.count(alertTitle))
}

func TestNewRequiresChat(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Channels{}, inbox.NewHub(operator), logx.Nop(), nil)
	require.Error(t, err)
}
