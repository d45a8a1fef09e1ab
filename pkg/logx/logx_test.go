package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "slotwatch/internal/transport"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingSender) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (r *recordingSender) Stop(ctx context.Context) error                         { return nil }
func (r *recordingSender) SendPhoto(ctx context.Context, to kit.ChatTarget, image []byte, caption string) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}
func (r *recordingSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

func TestLoggerWritesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := FromZerolog(zerolog.New(&buf)).With(String("component", "check"))
	log.Info("probe finished", Int("attempt", 2), Bool("available", false))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "probe finished", line["message"])
	assert.Equal(t, "check", line["component"])
	assert.EqualValues(t, 2, line["attempt"])
	assert.Equal(t, false, line["available"])
	assert.Contains(t, line[zerolog.CallerFieldName], "logx_test.go")
}

func TestZeroLoggerIsNop(t *testing.T) {
	t.Parallel()

	var l Logger
	assert.True(t, l.IsZero())
	assert.NotPanics(t, func() { l.Error("nothing", Err(nil)) })
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()

	got := formatTelegramJSON([]byte(`{"level":"warn","time":"x","message":"captcha rejected","b":"2","a":1}` + "\n"))
	assert.Equal(t, "[WARN] captcha rejected\n- a=1\n- b=2", got)

	raw := formatTelegramJSON([]byte("  not json  "))
	assert.Equal(t, "not json", raw)
}

func TestTelegramSinkHonoursRoutineToggle(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, RatePerSec: 100},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetTelegramTarget(kit.ChatTarget{ChatID: 42})

	log.Info("routine line")
	log.Warn("warning line")
	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(sender.snapshot()[0], "[WARN] warning line"))

	assert.True(t, svc.ToggleForwardRoutine())
	log.Info("routine line")
	require.Eventually(t, func() bool { return len(sender.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, strings.HasPrefix(sender.snapshot()[1], "[INFO] routine line"))
}

func TestTelegramSinkSkipsNotifiedLines(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, RatePerSec: 100},
	}, sender)
	t.Cleanup(func() { _ = svc.Close() })
	svc.SetTelegramTarget(kit.ChatTarget{ChatID: 42})

	log.Error("check session failed", Notified())
	log.Warn("captcha rejected", Int("attempt", 1), Notified())
	log.Warn("unrelated warning")
	require.Eventually(t, func() bool { return len(sender.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	got := sender.snapshot()
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "[WARN] unrelated warning"))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning", zerolog.InfoLevel))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus", zerolog.InfoLevel))
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" Debug ", zerolog.InfoLevel))
}
