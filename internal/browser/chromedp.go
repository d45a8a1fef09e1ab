package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	logx "slotwatch/pkg/logx"
)

const launchTimeout = 60 * time.Second

type Config struct {
	Headless     bool
	ExecPath     string
	UserAgent    string
	WindowWidth  int
	WindowHeight int
}

// ChromeLauncher starts Chrome through chromedp.
type ChromeLauncher struct {
	cfg Config
	log logx.Logger
}

func NewChromeLauncher(cfg Config, log logx.Logger) *ChromeLauncher {
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1280, 1024
	}
	return &ChromeLauncher{cfg: cfg, log: log.With(logx.String("comp", "browser"))}
}

func (l *ChromeLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
	)
	if p := strings.TrimSpace(l.cfg.ExecPath); p != "" {
		opts = append(opts, chromedp.ExecPath(p))
	}
	return opts
}

// Launch starts the browser process. The process outlives ctx; only Close stops it.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	bctx, bcancel := chromedp.NewContext(allocCtx, chromedp.WithErrorf(func(format string, args ...any) {
		l.log.Debug("chromedp: " + fmt.Sprintf(format, args...))
	}))
	b := &chromeBrowser{ctx: bctx, cancel: bcancel, allocCancel: allocCancel, userAgent: strings.TrimSpace(l.cfg.UserAgent), log: l.log}

	// The first Run starts the process on bctx itself; a derived context would kill it on return.
	if err := runFirst(ctx, bctx, launchTimeout, func() { _ = b.Close() }); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	l.log.Debug("browser started")
	return b, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	userAgent   string
	log         logx.Logger

	mu     sync.Mutex
	closed bool
}

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	tctx, tcancel := chromedp.NewContext(b.ctx)
	var setup []chromedp.Action
	if b.userAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(b.userAgent))
	}
	if err := runFirst(ctx, tctx, launchTimeout, tcancel, setup...); err != nil {
		tcancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromePage{ctx: tctx, cancel: tcancel}, nil
}

func (b *chromeBrowser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := chromedp.Cancel(b.ctx)
	b.cancel()
	b.allocCancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (p *chromePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return runLinked(ctx, p.ctx, timeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return runLinked(ctx, p.ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Screenshot(ctx context.Context, selector string, timeout time.Duration) ([]byte, error) {
	var buf []byte
	err := runLinked(ctx, p.ctx, timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Screenshot(selector, &buf, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) SubmitText(ctx context.Context, input, submit, text string, timeout time.Duration) error {
	return p.clickAndLoad(ctx, timeout,
		chromedp.WaitVisible(input, chromedp.ByQuery),
		chromedp.SetValue(input, "", chromedp.ByQuery),
		chromedp.SendKeys(input, text, chromedp.ByQuery),
		chromedp.Click(submit, chromedp.ByQuery),
	)
}

func (p *chromePage) ClickAndWait(ctx context.Context, selector string, timeout time.Duration) error {
	return p.clickAndLoad(ctx, timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

func (p *chromePage) ContainsText(ctx context.Context, text string) (bool, error) {
	var found bool
	if err := runLinked(ctx, p.ctx, 30*time.Second, chromedp.Evaluate(containsTextJS(text), &found)); err != nil {
		return false, err
	}
	return found, nil
}

func (p *chromePage) Close() error {
	p.once.Do(p.cancel)
	return nil
}

// clickAndLoad runs actions and waits for the load event they trigger.
func (p *chromePage) clickAndLoad(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	loaded := make(chan struct{}, 1)
	lctx, lcancel := context.WithCancel(p.ctx)
	defer lcancel()
	chromedp.ListenTarget(lctx, func(ev any) {
		if _, ok := ev.(*page.EventLoadEventFired); ok {
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	wait := chromedp.ActionFunc(func(ctx context.Context) error {
		select {
		case <-loaded:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return runLinked(ctx, p.ctx, timeout, append(actions, wait, chromedp.WaitReady("body", chromedp.ByQuery))...)
}

// runFirst makes the first Run on a fresh chromedp context. chromedp binds the
// browser process and the tab executor to the context of that call, so it runs on
// target directly and a watchdog calls abort when timeout elapses or ctx is done.
func runFirst(ctx, target context.Context, timeout time.Duration, abort func(), actions ...chromedp.Action) error {
	release := watchdog(ctx, timeout, abort)
	err := chromedp.Run(target, actions...)
	if fired := release(); fired {
		if cerr := ctx.Err(); cerr != nil {
			return errors.Join(cerr, err)
		}
		return errors.Join(context.DeadlineExceeded, err)
	}
	return err
}

// watchdog calls abort once when timeout elapses or ctx is done, whichever is
// first. release disarms it and reports whether abort already ran.
func watchdog(ctx context.Context, timeout time.Duration, abort func()) (release func() bool) {
	var fired atomic.Bool
	kill := func() {
		if fired.CompareAndSwap(false, true) {
			abort()
		}
	}
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, kill)
	}
	stop := context.AfterFunc(ctx, kill)
	return func() bool {
		stop()
		if timer != nil {
			timer.Stop()
		}
		// a late kill must not abort a target the caller now owns
		return !fired.CompareAndSwap(false, true)
	}
}

// runLinked runs actions on the chromedp context target, bounded by timeout and
// cancelled as soon as the caller's ctx is done. Cancelling the derived context
// aborts the actions without closing the tab.
func runLinked(ctx, target context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := withTimeout(target, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func withTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

// containsTextJS builds an expression that is safe for any text (quoted via JSON).
func containsTextJS(text string) string {
	q, _ := json.Marshal(text)
	return fmt.Sprintf(`(document.body ? document.body.innerText : "").includes(%s)`, q)
}
