package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotwatch/internal/browser"
	"slotwatch/internal/check"
	"slotwatch/internal/config"
	kit "slotwatch/internal/transport"
)

const (
	operatorID = int64(1001)
	noSlots    = "no free appointments"
)

const testConfig = `
telegram:
  token: "123:abc"
  operator_id: 1001
logging:
  level: error
  console: true
target:
  url: https://booking.example.test/appointments
  captcha_image: "#captcha img"
  captcha_input: "#captcha input"
  captcha_submit: "#captcha button"
  wrong_captcha_text: "wrong code"
  no_slots_text: "no free appointments"
  check_next_period: false
captcha:
  mode: human
  human_timeout: 5s
schedule:
  spec: "@every 1h"
working_hours:
  start: "08:00"
  end: "20:00"
escalation:
  interval: 1h
session:
  grace_delay: 2s
`

type fakeAdapter struct {
	mu     sync.Mutex
	texts  []string
	photos []string
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, image []byte, caption string) (kit.MessageRef, error) {
	a.mu.Lock()
	a.photos = append(a.photos, caption)
	a.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func (a *fakeAdapter) photoCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.photos)
}

func (a *fakeAdapter) countContaining(sub string) int {
	n := 0
	for _, s := range a.sent() {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

// sentContaining reports whether any text message contains sub.
func (a *fakeAdapter) sentContaining(sub string) bool {
	for _, s := range a.sent() {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type stubPage struct{}

func (stubPage) Navigate(ctx context.Context, url string, timeout time.Duration) error { return nil }
func (stubPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (stubPage) Screenshot(ctx context.Context, selector string, timeout time.Duration) ([]byte, error) {
	return []byte("png"), ctx.Err()
}
func (stubPage) SubmitText(ctx context.Context, input, submit, text string, timeout time.Duration) error {
	return ctx.Err()
}
func (stubPage) ContainsText(ctx context.Context, text string) (bool, error) {
	return text == noSlots, nil
}
func (stubPage) ClickAndWait(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (stubPage) Close() error { return nil }

type stubBrowser struct{}

func (stubBrowser) NewPage(ctx context.Context) (browser.Page, error) { return stubPage{}, nil }
func (stubBrowser) Close() error                                     { return nil }

type stubLauncher struct{}

func (stubLauncher) Launch(ctx context.Context) (browser.Browser, error) { return stubBrowser{}, nil }

type failingLauncher struct{}

func (failingLauncher) Launch(ctx context.Context) (browser.Browser, error) {
	return nil, errors.New("chrome not found")
}

func newTestApp(t *testing.T) (*App, *fakeAdapter) {
	t.Helper()
	return newTestAppWith(t, testConfig, stubLauncher{})
}

func newTestAppWith(t *testing.T, cfgText string, launcher browser.Launcher) (*App, *fakeAdapter) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgText), 0o600))

	cfgm := config.NewManager(path)
	cfgm.SetValidator(ValidateConfig)
	cfg, err := cfgm.Load()
	require.NoError(t, err)
	s, err := config.Resolve(cfg)
	require.NoError(t, err)

	ad := &fakeAdapter{}
	a, err := build(cfgm, cfg, s, deps{adapter: ad, launcher: launcher})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = a.Stop(stopCtx, StopUnknown)
	})
	return a, ad
}

func send(a *App, from int64, text string) {
	a.updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: from, FromID: from, Text: text}}
}

func TestStartGreetsOperator(t *testing.T) {
	_, ad := newTestApp(t)
	require.Eventually(t, func() bool { return ad.sentContaining("slotwatch is up.") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ad.sentContaining("Working hours: 08:00-20:00"))
}

func TestCheckNowRelaysCaptchaToOperator(t *testing.T) {
	a, ad := newTestApp(t)

	send(a, operatorID, "/check-now")
	require.Eventually(t, func() bool { return ad.sentContaining("Check started") }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ad.photoCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	send(a, operatorID, "ab12c")
	require.Eventually(t, func() bool {
		last := a.orch.Snapshot().Last
		return last != nil && last.State == check.StateDone
	}, 3*time.Second, 10*time.Millisecond)

	last := a.orch.Snapshot().Last
	assert.Equal(t, check.TriggerManual, last.Trigger)
	assert.Equal(t, 1, last.Attempts)
	assert.Equal(t, check.AvailabilityNone, last.Availability)
}

func TestWorkingHoursCommands(t *testing.T) {
	a, ad := newTestApp(t)

	send(a, operatorID, "/set_start 25:00")
	require.Eventually(t, func() bool { return ad.sentContaining("/set_start failed") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "08:00-20:00", a.gate.Window().String())

	send(a, operatorID, "/set-start 22:00")
	require.Eventually(t, func() bool { return ad.sentContaining("Working hours: 22:00-20:00 (spans midnight)") }, 2*time.Second, 10*time.Millisecond)

	send(a, operatorID, "/set_end 22:00")
	require.Eventually(t, func() bool { return ad.sentContaining("scheduled checks are paused") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, a.gate.Allowed())

	send(a, operatorID, "/set_end")
	require.Eventually(t, func() bool { return ad.sentContaining("usage: /set_end HH:MM") }, 2*time.Second, 10*time.Millisecond)
}

func TestToggleLoggingAndStatus(t *testing.T) {
	a, ad := newTestApp(t)
	require.False(t, a.logs.ForwardRoutine())

	send(a, operatorID, "/toggle_logging")
	require.Eventually(t, func() bool { return ad.sentContaining("Routine log forwarding is on") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, a.logs.ForwardRoutine())

	send(a, operatorID, "/status")
	require.Eventually(t, func() bool { return ad.sentContaining("Routine log forwarding: on") }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, ad.sentContaining("Running: none"))
	assert.True(t, ad.sentContaining("Schedule: @every 1h"))
}

func TestNonOperatorIsRejected(t *testing.T) {
	a, ad := newTestApp(t)
	send(a, 5, "/shutdown")
	require.Eventually(t, func() bool { return ad.sentContaining("unauthorized") }, 2*time.Second, 10*time.Millisecond)

	select {
	case <-a.StopRequested():
		t.Fatal("non-operator must not stop the process")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShutdownCommandRequestsStop(t *testing.T) {
	a, ad := newTestApp(t)
	send(a, operatorID, "/shutdown")

	select {
	case reason := <-a.StopRequested():
		assert.Equal(t, StopCommand, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown command did not request a stop")
	}
	assert.True(t, ad.sentContaining("Shutting down."))
}

func TestHelpListsCommands(t *testing.T) {
	a, ad := newTestApp(t)
	send(a, operatorID, "/help")
	require.Eventually(t, func() bool { return ad.sentContaining("/check_now") }, 2*time.Second, 10*time.Millisecond)
	for _, name := range []string{"/set_start", "/set_end", "/toggle_logging", "/status", "/shutdown"} {
		assert.True(t, ad.sentContaining(name), name)
	}
}

func TestValidateConfigRejectsBadSchedule(t *testing.T) {
	cfg, err := config.Decode("config.yaml", []byte(testConfig))
	require.NoError(t, err)
	require.NoError(t, ValidateConfig(context.Background(), cfg))

	cfg.Schedule.Spec = "every tuesday-ish"
	assert.ErrorContains(t, ValidateConfig(context.Background(), cfg), "schedule.spec")
}

func TestFailedCheckReachesOperatorOnceWithTelegramLogging(t *testing.T) {
	cfgText := strings.Replace(testConfig, "  console: true\n", `  console: true
  telegram:
    enabled: true
    min_level: warn
    rate_per_sec: 100
`, 1)
	cfgText = strings.Replace(cfgText, "  level: error\n", "  level: info\n", 1)
	a, ad := newTestAppWith(t, cfgText, failingLauncher{})

	send(a, operatorID, "/check_now")
	require.Eventually(t, func() bool {
		last := a.orch.Snapshot().Last
		return last != nil && last.State == check.StateFailed
	}, 3*time.Second, 10*time.Millisecond)

	// a forwarded warning still arrives, so the sink is live
	a.log.Warn("sink is live")
	require.Eventually(t, func() bool { return ad.sentContaining("sink is live") }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, ad.countContaining("Check failed"))
	assert.Zero(t, ad.countContaining("check session failed"))
}
