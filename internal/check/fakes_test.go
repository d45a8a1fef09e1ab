package check

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"slotwatch/internal/browser"
)

const (
	wrongText   = "wrong code"
	noSlotsText = "no appointments"
)

type fakePage struct {
	mu           sync.Mutex
	wrongAnswers int // first N submissions are rejected
	slotsNow     bool
	slotsNext    bool
	onNext       bool
	lastWrong    bool
	submitted    []string
	closed       atomic.Int32
	navErr       error
}

func (p *fakePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	return p.navErr
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return ctx.Err()
}

func (p *fakePage) Screenshot(ctx context.Context, selector string, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte("png"), nil
}

func (p *fakePage) SubmitText(ctx context.Context, input, submit, text string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, text)
	p.lastWrong = len(p.submitted) <= p.wrongAnswers
	return ctx.Err()
}

func (p *fakePage) ContainsText(ctx context.Context, text string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch text {
	case wrongText:
		return p.lastWrong, nil
	case noSlotsText:
		if p.onNext {
			return !p.slotsNext, nil
		}
		return !p.slotsNow, nil
	}
	return false, nil
}

func (p *fakePage) ClickAndWait(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	p.onNext = true
	p.mu.Unlock()
	return ctx.Err()
}

func (p *fakePage) Close() error {
	p.closed.Add(1)
	return nil
}

func (p *fakePage) submissions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

type fakeBrowser struct {
	page    *fakePage
	pageErr error
	closed  atomic.Int32
}

func (b *fakeBrowser) NewPage(ctx context.Context) (browser.Page, error) {
	if b.pageErr != nil {
		return nil, b.pageErr
	}
	return b.page, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Add(1)
	return errors.New("close reports an error that must only be logged")
}

type fakeLauncher struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	newPage  func() *fakePage
	err      error
	pageErr  error
}

func (l *fakeLauncher) Launch(ctx context.Context) (browser.Browser, error) {
	if l.err != nil {
		return nil, l.err
	}
	b := &fakeBrowser{page: l.newPage(), pageErr: l.pageErr}
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

func (l *fakeLauncher) all() []*fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeBrowser(nil), l.browsers...)
}

type fakeResolver struct {
	calls   atomic.Int32
	answer  string
	errs    []error // per call; nil entries succeed
	block   bool    // block until ctx is done
	entered chan struct{}
}

func (r *fakeResolver) Name() string { return "fake" }

func (r *fakeResolver) Resolve(ctx context.Context, image []byte) (string, error) {
	n := int(r.calls.Add(1))
	if r.entered != nil {
		select {
		case r.entered <- struct{}{}:
		default:
		}
	}
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if n <= len(r.errs) && r.errs[n-1] != nil {
		return "", r.errs[n-1]
	}
	return r.answer, nil
}

type recordingOperator struct {
	mu    sync.Mutex
	texts []string
}

func (o *recordingOperator) Send(ctx context.Context, text string) error {
	o.mu.Lock()
	o.texts = append(o.texts, text)
	o.mu.Unlock()
	return nil
}

func (o *recordingOperator) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.texts...)
}

type gateFunc func() bool

func (g gateFunc) Allowed() bool { return g() }
