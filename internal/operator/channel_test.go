package operator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "slotwatch/internal/transport"
)

type recordingAdapter struct {
	to      []kit.ChatTarget
	text    string
	opt     *kit.SendOptions
	caption string
	image   []byte
	err     error
}

func (a *recordingAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *recordingAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *recordingAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.to = append(a.to, to)
	a.text, a.opt = text, opt
	return kit.MessageRef{ChatID: to.ChatID}, a.err
}

func (a *recordingAdapter) SendPhoto(ctx context.Context, to kit.ChatTarget, image []byte, caption string) (kit.MessageRef, error) {
	a.to = append(a.to, to)
	a.image, a.caption = image, caption
	return kit.MessageRef{ChatID: to.ChatID}, a.err
}

func TestChannelSendsToOperatorChat(t *testing.T) {
	ad := &recordingAdapter{}
	target := kit.ChatTarget{ChatID: 99}
	ch := New(ad, target)

	require.NoError(t, ch.Send(context.Background(), "hello"))
	require.NoError(t, ch.SendImage(context.Background(), []byte("png"), "read this"))

	assert.Equal(t, []kit.ChatTarget{target, target}, ad.to)
	assert.Equal(t, "hello", ad.text)
	require.NotNil(t, ad.opt)
	assert.True(t, ad.opt.DisablePreview)
	assert.Equal(t, "read this", ad.caption)
	assert.Equal(t, []byte("png"), ad.image)
	assert.Equal(t, target, ch.Target())
}

func TestChannelReturnsTransportError(t *testing.T) {
	boom := errors.New("telegram down")
	ch := New(&recordingAdapter{err: boom}, kit.ChatTarget{ChatID: 1})
	assert.ErrorIs(t, ch.Send(context.Background(), "x"), boom)
	assert.ErrorIs(t, ch.SendImage(context.Background(), nil, ""), boom)
}
