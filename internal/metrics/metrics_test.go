package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/check"
	"slotwatch/internal/commands"
	"slotwatch/internal/escalation"
	"slotwatch/internal/eventbus"
	"slotwatch/internal/notifier"
)

func TestObserveSessionLifecycle(t *testing.T) {
	t.Parallel()
	c := New()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c.Observe(eventbus.Event{Type: eventbus.SessionStarted, Data: check.SessionInfo{Trigger: check.TriggerSchedule, State: check.StateIdle}})
	c.Observe(eventbus.Event{Type: eventbus.SessionState, Data: check.SessionInfo{State: check.StateSolvingCaptcha}})
	c.Observe(eventbus.Event{Type: eventbus.CaptchaAttempt})
	c.Observe(eventbus.Event{Type: eventbus.CaptchaAttempt})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsStarted.WithLabelValues("schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionState.WithLabelValues("solving_captcha")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.captchaAttempts))

	c.Observe(eventbus.Event{Type: eventbus.SessionFinished, Data: check.SessionInfo{
		State: check.StateDone, Availability: check.AvailabilityCurrent,
		StartedAt: start, FinishedAt: start.Add(90 * time.Second),
	}})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsFinished.WithLabelValues("done", "current")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionActive))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionState.WithLabelValues("solving_captcha")))
	assert.Equal(t, float64(start.Add(90*time.Second).Unix()), testutil.ToFloat64(c.lastAvailability))
	assert.Equal(t, 1, testutil.CollectAndCount(c.sessionDuration))
}

func TestObserveNotificationsAndCommands(t *testing.T) {
	t.Parallel()
	c := New()

	c.Observe(eventbus.Event{Type: eventbus.EscalationTick, Data: escalation.Stats{Sent: 1}})
	c.Observe(eventbus.Event{Type: eventbus.EscalationStopped, Data: escalation.Stats{Outcome: escalation.OutcomeAcknowledged}})
	c.Observe(eventbus.Event{Type: eventbus.ChannelSent, Data: notifier.NotificationEvent{Channel: "push"}})
	c.Observe(eventbus.Event{Type: eventbus.ChannelFailed, Data: notifier.NotificationEvent{Channel: "email", Error: "dial"}})
	c.Observe(eventbus.Event{Type: eventbus.TriggerSkipped, Data: "schedule"})
	c.Observe(eventbus.Event{Type: eventbus.CommandHandled, Data: commands.HandledEvent{Command: "status"}})
	c.Observe(eventbus.Event{Type: eventbus.CommandHandled, Data: commands.HandledEvent{Command: "set_start", Error: "bad clock"}})
	c.Observe(eventbus.Event{Type: "unknown", Data: 42})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.escalationTicks))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.campaigns.WithLabelValues(string(escalation.OutcomeAcknowledged))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("push", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("email", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.triggersSkipped.WithLabelValues("schedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsHandled.WithLabelValues("status", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commandsHandled.WithLabelValues("set_start", "error")))
}

func TestRunConsumesBusAndServes(t *testing.T) {
	t.Parallel()
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx, bus)
	}()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.CaptchaAttempt})
		return testutil.ToFloat64(c.captchaAttempts) > 0
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "slotwatch_captcha_attempts_total"))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
