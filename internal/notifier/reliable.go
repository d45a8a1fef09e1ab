package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"slotwatch/internal/eventbus"
	logx "slotwatch/pkg/logx"
)

// Reliable wraps a Channel with rate limiting, retry and events.
// It is safe for concurrent use.
type Reliable struct {
	ch      Channel
	cfg     Config
	limiter *rate.Limiter
	log     logx.Logger
	bus     eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem
}

func Wrap(ch Channel, cfg Config, log logx.Logger, bus eventbus.Bus) *Reliable {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 20
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Reliable{
		ch:  ch,
		cfg: cfg,
		// burst = rate per sec so a campaign tick across channels never blocks on itself
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log.With(logx.String("comp", "notifier"), logx.String("channel", ch.Name())),
		bus:     bus,
	}
}

func (r *Reliable) Name() string { return r.ch.Name() }

// Send delivers with retries. The returned error always wraps ErrChannel
// (and the context error when ctx ended the attempt).
func (r *Reliable) Send(ctx context.Context, title, body string) error {
	maxAttempts := 1 + r.cfg.RetryMax

	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= maxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
		err := r.ch.Send(callCtx, title, body)
		cancel()
		if err == nil {
			r.record(title, nil)
			r.bus.Publish(eventbus.Event{Type: eventbus.ChannelSent, Data: NotificationEvent{Channel: r.ch.Name(), Title: title, Attempts: attempt, At: time.Now()}})
			return nil
		}
		lastErr = err
		r.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))

		if attempt >= maxAttempts || ctx.Err() != nil {
			break
		}
		if !sleepCtx(ctx, retryDelay(r.cfg, attempt)) {
			lastErr = ctx.Err()
			break
		}
	}

	r.record(title, lastErr)
	r.bus.Publish(eventbus.Event{Type: eventbus.ChannelFailed, Data: NotificationEvent{Channel: r.ch.Name(), Title: title, Attempts: min(attempt, maxAttempts), At: time.Now(), Error: lastErr.Error()}})
	return fmt.Errorf("%w: %s: %w", ErrChannel, r.ch.Name(), lastErr)
}

// Snapshot returns recent deliveries, newest last.
func (r *Reliable) Snapshot() []HistoryItem {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	return append([]HistoryItem(nil), r.history...)
}

func (r *Reliable) record(title string, err error) {
	it := HistoryItem{At: time.Now(), Channel: r.ch.Name(), Title: title}
	if err != nil {
		it.Err = err.Error()
	}
	r.hmu.Lock()
	r.history = append(r.history, it)
	if over := len(r.history) - r.cfg.HistorySize; over > 0 {
		r.history = append([]HistoryItem(nil), r.history[over:]...)
	}
	r.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	return max(0, min(d, cfg.RetryMaxDelay))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
