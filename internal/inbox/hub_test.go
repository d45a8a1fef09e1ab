package inbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "slotwatch/internal/transport"
)

const operator = int64(42)

func msg(from int64, text string) kit.Message {
	return kit.Message{ChatID: from, FromID: from, Text: text}
}

func isOK(m kit.Message) bool { return strings.EqualFold(strings.TrimSpace(m.Text), "ok") }

func TestSubscribeRefusesSecondWaiter(t *testing.T) {
	t.Parallel()

	h := NewHub(operator)
	s, err := h.Subscribe(ConcernAck, isOK)
	require.NoError(t, err)

	_, err = h.Subscribe(ConcernAck, isOK)
	require.ErrorIs(t, err, ErrConcernBusy)

	s.Cancel()
	_, err = h.Subscribe(ConcernAck, isOK)
	require.NoError(t, err)
}

func TestDispatchDeliversOnceAndDeregisters(t *testing.T) {
	t.Parallel()

	h := NewHub(operator)
	s, err := h.Subscribe(ConcernAck, isOK)
	require.NoError(t, err)

	assert.False(t, h.Dispatch(msg(operator, "hello")), "non-matching message must not be consumed")
	assert.False(t, h.Dispatch(msg(7, "OK")), "foreign sender must be ignored")
	assert.True(t, h.Active(ConcernAck))

	assert.True(t, h.Dispatch(msg(operator, "ok")))
	assert.False(t, h.Active(ConcernAck))
	assert.False(t, h.Dispatch(msg(operator, "OK")), "second OK has nobody to consume it")

	got, err := s.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", got.Text)
}

func TestCancellationWinsOverSimultaneousDelivery(t *testing.T) {
	t.Parallel()

	// repeat so select would pick the message at least once if it could
	for range 100 {
		h := NewHub(operator)
		s, err := h.Subscribe(ConcernCaptcha, func(kit.Message) bool { return true })
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		require.True(t, h.Dispatch(msg(operator, "ab12c")))
		cancel()

		_, err = s.Wait(ctx)
		require.ErrorIs(t, err, ErrCancelled)
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestCaptchaTakesPrecedenceOverAck(t *testing.T) {
	t.Parallel()

	h := NewHub(operator)
	ack, err := h.Subscribe(ConcernAck, isOK)
	require.NoError(t, err)
	defer ack.Cancel()
	captcha, err := h.Subscribe(ConcernCaptcha, nil)
	require.NoError(t, err)

	require.True(t, h.Dispatch(msg(operator, "OK")))
	got, err := captcha.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "OK", got.Text)
	assert.True(t, h.Active(ConcernAck))
}

func TestWaitCancelledLeavesNoListener(t *testing.T) {
	t.Parallel()

	h := NewHub(operator)
	s, err := h.Subscribe(ConcernCaptcha, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Wait(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancellation")
	}
	assert.Equal(t, 0, h.Count())
}

func TestCancelAllReleasesWaiters(t *testing.T) {
	t.Parallel()

	h := NewHub(0)
	s, err := h.Subscribe(ConcernAck, isOK)
	require.NoError(t, err)

	h.CancelAll()
	_, err = s.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 0, h.Count())
	assert.NotPanics(t, s.Cancel)
}

func TestCancelConcernLeavesOthers(t *testing.T) {
	t.Parallel()

	h := NewHub(operator)
	captcha, err := h.Subscribe(ConcernCaptcha, nil)
	require.NoError(t, err)
	ack, err := h.Subscribe(ConcernAck, isOK)
	require.NoError(t, err)
	defer ack.Cancel()

	h.Cancel(ConcernCaptcha)
	h.Cancel(ConcernCaptcha)
	_, err = captcha.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	assert.True(t, h.Active(ConcernAck))
}
